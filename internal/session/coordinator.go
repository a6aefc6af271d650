// Package session coordinates one user's chat session: it commits the user
// turn, dispatches the prompt, persists the answer and refreshes the feed.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sybil-chat/internal/dispatch"
	"sybil-chat/internal/domain"
	"sybil-chat/internal/feed"
)

const (
	MsgThinking  = "Sybil is thinking..."
	MsgResponded = "Sybil responded"
)

type State int

const (
	Idle State = iota
	Submitting
	AwaitingAnswer
	AwaitingPush
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Submitting:
		return "submitting"
	case AwaitingAnswer:
		return "awaiting_answer"
	case AwaitingPush:
		return "awaiting_push"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Store is the conversation store the coordinator writes through.
type Store interface {
	feed.Store
	CreateConversation(ctx context.Context, ownerID string) (domain.Conversation, error)
	EnsureConversation(ctx context.Context, conv domain.Conversation) error
}

// Notifier surfaces progress to the user.
type Notifier interface {
	Loading(msg string)
	Success(msg string)
	Failure(msg string)
}

type nopNotifier struct{}

func (nopNotifier) Loading(string) {}
func (nopNotifier) Success(string) {}
func (nopNotifier) Failure(string) {}

// pushSource is implemented by dispatchers that can receive answers nobody
// is waiting for.
type pushSource interface {
	SetUnsolicitedHandler(fn func(domain.PushAnswer))
}

type Config struct {
	Store       Store
	Dispatcher  dispatch.Dispatcher
	Session     domain.Session
	Credentials domain.Credentials
	Notifier    Notifier
	Logger      *slog.Logger
}

// Outcome is the result of a completed submission.
type Outcome struct {
	UserTurn   domain.Turn
	AnswerTurn domain.Turn
	Feed       []domain.Turn
}

type Coordinator struct {
	store      Store
	dispatcher dispatch.Dispatcher
	feed       *feed.Reconciler
	session    domain.Session
	creds      domain.Credentials
	notifier   Notifier
	logger     *slog.Logger
	push       bool
	now        func() time.Time

	root     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu             sync.Mutex
	state          State
	inflight       int
	conversationID string
	convCtx        context.Context
	convCancel     context.CancelFunc
	ensured        map[string]bool
	closed         bool

	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("session: dispatcher must not be nil")
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "session", "owner_id", cfg.Session.OwnerID())

	f, err := feed.NewReconciler(cfg.Store, cfg.Logger)
	if err != nil {
		return nil, err
	}

	root, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		feed:       f,
		session:    cfg.Session,
		creds:      cfg.Credentials,
		notifier:   cfg.Notifier,
		logger:     logger,
		now:        time.Now,
		root:       root,
		shutdown:   cancel,
		ensured:    make(map[string]bool),
	}
	if src, ok := cfg.Dispatcher.(pushSource); ok {
		c.push = true
		src.SetUnsolicitedHandler(c.onUnsolicited)
	}
	return c, nil
}

// Feed exposes the reconciled feed to the presentation layer.
func (c *Coordinator) Feed() *feed.Reconciler { return c.feed }

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Conversation returns the mounted conversation id.
func (c *Coordinator) Conversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Mount switches the session to conversationID. Submissions still in flight
// for the previous conversation are cancelled and their answers discarded.
func (c *Coordinator) Mount(ctx context.Context, conversationID string) ([]domain.Turn, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, newError(ErrorInvalidInput, "missing_chat_id", domain.ErrMissingConversationID)
	}
	if !c.session.Authenticated() {
		return nil, newError(ErrorUnauthenticated, "unauthenticated", ErrUnauthenticated)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, newError(ErrorSessionClosed, "closed", ErrClosed)
	}
	if c.conversationID != conversationID {
		if c.convCancel != nil {
			c.convCancel()
		}
		c.convCtx, c.convCancel = context.WithCancel(c.root)
		c.conversationID = conversationID
		c.logger.Info("conversation mounted", "conversation_id", conversationID)
	}
	c.feed.Mount(c.session.OwnerID(), conversationID)
	c.mu.Unlock()

	turns, err := c.feed.RefreshIfStale(ctx)
	if err != nil {
		return nil, newError(ErrorStore, "refresh_failed", err)
	}
	return turns, nil
}

// NewConversation creates a conversation for the caller and mounts it.
func (c *Coordinator) NewConversation(ctx context.Context) (domain.Conversation, error) {
	if !c.session.Authenticated() {
		return domain.Conversation{}, newError(ErrorUnauthenticated, "unauthenticated", ErrUnauthenticated)
	}
	conv, err := c.store.CreateConversation(ctx, c.session.OwnerID())
	if err != nil {
		c.logger.Error("create conversation failed", "err", err)
		return domain.Conversation{}, newError(ErrorStore, "store_write_failed", err)
	}
	c.mu.Lock()
	c.ensured[conv.ID] = true
	c.mu.Unlock()

	if _, err := c.Mount(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// Submit runs one full round trip for prompt in the mounted conversation.
// A blank prompt or an unauthenticated caller is rejected before any write
// or dispatch.
func (c *Coordinator) Submit(ctx context.Context, prompt string) (Outcome, error) {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return Outcome{}, newError(ErrorInvalidInput, "empty_prompt", ErrEmptyPrompt)
	}
	if !c.session.Authenticated() {
		return Outcome{}, newError(ErrorUnauthenticated, "unauthenticated", ErrUnauthenticated)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Outcome{}, newError(ErrorSessionClosed, "closed", ErrClosed)
	}
	conversationID, convCtx := c.conversationID, c.convCtx
	if conversationID == "" {
		c.mu.Unlock()
		return Outcome{}, newError(ErrorInvalidInput, "no_conversation", ErrNoConversation)
	}
	needsEnsure := !c.ensured[conversationID]
	c.state = Submitting
	c.inflight++
	c.mu.Unlock()
	defer c.finish()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(convCtx, cancel)
	defer stop()

	ownerID := c.session.OwnerID()
	logger := c.logger.With("conversation_id", conversationID)

	if needsEnsure {
		conv := domain.Conversation{OwnerID: ownerID, ID: conversationID, CreatedAt: c.now().UTC()}
		if err := c.store.EnsureConversation(subCtx, conv); err != nil {
			return Outcome{}, c.fail(logger, ErrorStore, "store_write_failed", err)
		}
		c.mu.Lock()
		c.ensured[conversationID] = true
		c.mu.Unlock()
	}

	userTurn := domain.NewUserTurn(ownerID, conversationID, c.session.Author(), text, c.now())
	if _, err := c.store.AppendTurn(subCtx, userTurn); err != nil {
		return Outcome{}, c.fail(logger, ErrorStore, "store_write_failed", err)
	}
	c.refresh(subCtx, logger, ownerID, conversationID)

	c.notifier.Loading(MsgThinking)
	c.setState(AwaitingAnswer)
	if c.push {
		c.setState(AwaitingPush)
	}

	req := domain.NewPendingRequest(conversationID, text, c.session, c.now())
	logger = logger.With("request_id", req.RequestID)
	answer, err := c.dispatcher.Submit(subCtx, req, c.creds)
	if err != nil {
		switch {
		case convCtx.Err() != nil:
			return Outcome{}, c.abandoned(logger)
		case errors.Is(err, dispatch.ErrAnswerTimeout):
			return Outcome{}, c.fail(logger, ErrorDispatch, "answer_timeout", err)
		case errors.Is(err, dispatch.ErrChannelClosed):
			return Outcome{}, c.fail(logger, ErrorDispatch, "channel_closed", err)
		case ctx.Err() != nil:
			return Outcome{}, c.fail(logger, ErrorCancelled, "cancelled", err)
		}
		return Outcome{}, c.fail(logger, ErrorDispatch, "dispatch_failed", err)
	}
	if convCtx.Err() != nil {
		return Outcome{}, c.abandoned(logger)
	}

	answerTurn, err := domain.AnswerTurn(answer, ownerID, conversationID, c.now())
	if err != nil {
		return Outcome{}, c.fail(logger, ErrorDispatch, "invalid_answer", err)
	}
	// The answer always sorts after its prompt, whatever the gateway clock says.
	if !answerTurn.CreatedAt.After(userTurn.CreatedAt) {
		at := c.now().UTC()
		if !at.After(userTurn.CreatedAt) {
			at = userTurn.CreatedAt.Add(time.Millisecond)
		}
		answerTurn.CreatedAt = at
	}
	if _, err := c.store.AppendTurn(subCtx, answerTurn); err != nil {
		return Outcome{}, c.fail(logger, ErrorStore, "store_write_failed", err)
	}
	turns := c.refresh(subCtx, logger, ownerID, conversationID)

	c.notifier.Success(MsgResponded)
	logger.Info("answer persisted", "turn_id", answerTurn.ID)
	return Outcome{UserTurn: userTurn, AnswerTurn: answerTurn, Feed: turns}, nil
}

// HandlePush applies an answer that arrived on the push channel without a
// waiting submission. Only answers for the mounted conversation are written.
func (c *Coordinator) HandlePush(ctx context.Context, answer domain.PushAnswer) error {
	if err := answer.Validate(); err != nil {
		c.logger.Error("push answer dropped", "reason", "missing chatId", "request_id", answer.RequestID)
		return err
	}
	c.mu.Lock()
	mounted, closed := c.conversationID, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if answer.ConversationID != mounted {
		c.logger.Info("push answer for unmounted conversation ignored", "conversation_id", answer.ConversationID)
		return nil
	}
	if _, err := c.feed.ApplyPush(ctx, answer); err != nil {
		return fmt.Errorf("session: HandlePush: %w", err)
	}
	c.notifier.Success(MsgResponded)
	return nil
}

func (c *Coordinator) onUnsolicited(answer domain.PushAnswer) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		if err := c.HandlePush(c.root, answer); err != nil {
			c.logger.Warn("unsolicited push answer not applied", "err", err)
		}
	}()
}

// Close cancels all in-flight work and releases the dispatcher. Later calls
// return the first result.
func (c *Coordinator) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()

		c.shutdown()
		c.closeErr = c.dispatcher.Close()
		c.wg.Wait()
		c.logger.Info("session closed")
	})
	return c.closeErr
}

func (c *Coordinator) refresh(ctx context.Context, logger *slog.Logger, ownerID, conversationID string) []domain.Turn {
	c.feed.Invalidate()
	turns, err := c.feed.Refresh(ctx, ownerID, conversationID)
	if err != nil {
		logger.Warn("feed refresh after write failed", "err", err)
		return c.feed.Snapshot()
	}
	return turns
}

func (c *Coordinator) fail(logger *slog.Logger, code ErrorCode, reason string, err error) error {
	logger.Error("submission failed", "code", code, "reason", reason, "err", err)
	if code != ErrorCancelled && code != ErrorSessionClosed {
		c.notifier.Failure(failureMessage(reason))
	}
	return newError(code, reason, err)
}

// abandoned reports a submission whose conversation was unmounted or whose
// session was closed while it was in flight. Its answer is never written.
func (c *Coordinator) abandoned(logger *slog.Logger) error {
	if c.root.Err() != nil {
		return c.fail(logger, ErrorSessionClosed, "closed", ErrClosed)
	}
	return c.fail(logger, ErrorCancelled, "conversation_switched", ErrSwitched)
}

func failureMessage(reason string) string {
	switch reason {
	case "answer_timeout":
		return "Sybil took too long to answer"
	case "store_write_failed":
		return "Could not save the message"
	}
	return "Sybil could not answer"
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) finish() {
	c.mu.Lock()
	c.inflight--
	if c.inflight == 0 {
		c.state = Idle
	}
	c.mu.Unlock()
}
