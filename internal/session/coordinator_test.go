package session

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sybil-chat/internal/dispatch"
	"sybil-chat/internal/domain"
)

type memStore struct {
	mu        sync.Mutex
	turns     []domain.Turn
	convs     []domain.Conversation
	events    []string
	appendErr error
}

func (m *memStore) AppendTurn(_ context.Context, turn domain.Turn) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return "", m.appendErr
	}
	m.turns = append(m.turns, turn)
	m.events = append(m.events, "append:"+string(turn.Role)+":"+turn.Text)
	return turn.ID, nil
}

func (m *memStore) ListTurns(_ context.Context, ownerID, conversationID string) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.turns {
		if t.OwnerID == ownerID && t.ConversationID == conversationID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memStore) CreateConversation(_ context.Context, ownerID string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conv := domain.Conversation{OwnerID: ownerID, ID: "new-" + ownerID, CreatedAt: time.Now().UTC()}
	m.convs = append(m.convs, conv)
	return conv, nil
}

func (m *memStore) EnsureConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.convs {
		if c.OwnerID == conv.OwnerID && c.ID == conv.ID {
			return nil
		}
	}
	m.convs = append(m.convs, conv)
	return nil
}

func (m *memStore) texts(conversationID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, t := range m.turns {
		if t.ConversationID == conversationID {
			out = append(out, t.Text)
		}
	}
	return out
}

func (m *memStore) record(event string) {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
}

type fakeDispatcher struct {
	mu         sync.Mutex
	submit     func(ctx context.Context, req domain.PendingRequest) (domain.Answer, error)
	requests   []domain.PendingRequest
	creds      []domain.Credentials
	closeCalls int
}

func (f *fakeDispatcher) Submit(ctx context.Context, req domain.PendingRequest, creds domain.Credentials) (domain.Answer, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.creds = append(f.creds, creds)
	submit := f.submit
	f.mu.Unlock()
	if submit == nil {
		return domain.HTTPAnswer{Answer: "ok"}, nil
	}
	return submit(ctx, req)
}

func (f *fakeDispatcher) Close() error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakePushDispatcher struct {
	fakeDispatcher
	handler func(domain.PushAnswer)
}

func (f *fakePushDispatcher) SetUnsolicitedHandler(fn func(domain.PushAnswer)) {
	f.handler = fn
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) add(kind, msg string) {
	n.mu.Lock()
	n.events = append(n.events, kind+":"+msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) Loading(msg string) { n.add("loading", msg) }
func (n *recordingNotifier) Success(msg string) { n.add("success", msg) }
func (n *recordingNotifier) Failure(msg string) { n.add("failure", msg) }

func (n *recordingNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var alice = domain.Session{User: domain.SessionUser{Name: "Alice", Email: "alice@x.com"}}

type fixture struct {
	store    *memStore
	disp     *fakeDispatcher
	notifier *recordingNotifier
	logs     *syncBuffer
	coord    *Coordinator
}

func newFixture(t *testing.T, sess domain.Session, d dispatch.Dispatcher) *fixture {
	t.Helper()
	f := &fixture{store: &memStore{}, notifier: &recordingNotifier{}, logs: &syncBuffer{}}
	if d == nil {
		f.disp = &fakeDispatcher{}
		d = f.disp
	}
	logger := slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c, err := New(Config{
		Store:       f.store,
		Dispatcher:  d,
		Session:     sess,
		Credentials: domain.Credentials{APIKey: "sk-1", Mnemonic: "seed"},
		Notifier:    f.notifier,
		Logger:      logger,
	})
	require.NoError(t, err)

	tick := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	c.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	}
	t.Cleanup(func() { _ = c.Close() })
	f.coord = c
	return f
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var sErr *Error
	require.True(t, errors.As(err, &sErr), "expected *session.Error, got %v", err)
	require.Equal(t, code, sErr.Code)
	return sErr
}

func TestNew_ValidatesDependencies(t *testing.T) {
	_, err := New(Config{Dispatcher: &fakeDispatcher{}})
	require.Error(t, err)
	_, err = New(Config{Store: &memStore{}})
	require.Error(t, err)
}

func TestSubmit_PersistsUserTurnBeforeDispatchThenAnswer(t *testing.T) {
	f := newFixture(t, alice, nil)
	f.disp.submit = func(_ context.Context, req domain.PendingRequest) (domain.Answer, error) {
		require.Equal(t, []string{"hello"}, f.store.texts("c1"))
		require.Equal(t, AwaitingAnswer, f.coord.State())
		f.store.record("dispatch")
		return domain.HTTPAnswer{Answer: "hi there"}, nil
	}

	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	out, err := f.coord.Submit(context.Background(), "hello")
	require.NoError(t, err)

	require.Equal(t, []string{"append:user:hello", "dispatch", "append:assistant:hi there"}, f.store.events)
	require.Equal(t, "hello", out.UserTurn.Text)
	require.Equal(t, "alice@x.com", out.UserTurn.Author.ID)
	require.Equal(t, "hi there", out.AnswerTurn.Text)
	require.Equal(t, domain.BotAuthor, out.AnswerTurn.Author)

	require.Len(t, out.Feed, 2)
	require.Equal(t, "hello", out.Feed[0].Text)
	require.Equal(t, domain.RoleUser, out.Feed[0].Role)
	require.Equal(t, "hi there", out.Feed[1].Text)
	require.Equal(t, domain.RoleAssistant, out.Feed[1].Role)
	require.Equal(t, out.Feed, f.coord.Feed().Snapshot())

	require.Equal(t, []string{"loading:" + MsgThinking, "success:" + MsgResponded}, f.notifier.list())
	require.Equal(t, Idle, f.coord.State())

	require.Len(t, f.disp.requests, 1)
	require.Equal(t, "c1", f.disp.requests[0].ConversationID)
	require.Equal(t, "hello", f.disp.requests[0].Prompt)
	require.NotEmpty(t, f.disp.requests[0].RequestID)
	require.Equal(t, domain.Credentials{APIKey: "sk-1", Mnemonic: "seed"}, f.disp.creds[0])
	require.Len(t, f.store.convs, 1)
}

func TestSubmit_BlankPromptIsNoop(t *testing.T) {
	f := newFixture(t, alice, nil)
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	for _, prompt := range []string{"", "   ", "\n\t"} {
		_, err := f.coord.Submit(context.Background(), prompt)
		require.ErrorIs(t, err, ErrEmptyPrompt)
		requireCode(t, err, ErrorInvalidInput)
	}
	require.Empty(t, f.store.turns)
	require.Zero(t, f.disp.submissions())
	require.Empty(t, f.notifier.list())
}

func TestSubmit_RequiresAuthenticatedCaller(t *testing.T) {
	f := newFixture(t, domain.Session{}, nil)

	_, err := f.coord.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Empty(t, f.store.turns)
	require.Zero(t, f.disp.submissions())
}

func TestSubmit_RequiresMountedConversation(t *testing.T) {
	f := newFixture(t, alice, nil)

	_, err := f.coord.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoConversation)
	require.Zero(t, f.disp.submissions())
}

func TestSubmit_EmptyAnswerUsesFallback(t *testing.T) {
	f := newFixture(t, alice, nil)
	f.disp.submit = func(context.Context, domain.PendingRequest) (domain.Answer, error) {
		return domain.HTTPAnswer{}, nil
	}
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	out, err := f.coord.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, domain.FallbackAnswer, out.AnswerTurn.Text)
}

func TestSubmit_DispatchFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t, alice, nil)
	f.disp.submit = func(context.Context, domain.PendingRequest) (domain.Answer, error) {
		return nil, &dispatch.HTTPStatusError{StatusCode: 502, Body: "bad gateway"}
	}
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	_, err = f.coord.Submit(context.Background(), "hello")
	sErr := requireCode(t, err, ErrorDispatch)
	require.Equal(t, "dispatch_failed", sErr.Reason)

	var statusErr *dispatch.HTTPStatusError
	require.True(t, errors.As(err, &statusErr))

	require.Equal(t, []string{"hello"}, f.store.texts("c1"))
	require.Equal(t, []string{"hello"}, texts(f.coord.Feed().Snapshot()))
	require.Equal(t, []string{"loading:" + MsgThinking, "failure:Sybil could not answer"}, f.notifier.list())
	require.Equal(t, Idle, f.coord.State())
	require.Contains(t, f.logs.String(), "submission failed")
}

func TestSubmit_AnswerTimeout(t *testing.T) {
	f := newFixture(t, alice, nil)
	f.disp.submit = func(context.Context, domain.PendingRequest) (domain.Answer, error) {
		return nil, dispatch.ErrAnswerTimeout
	}
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	_, err = f.coord.Submit(context.Background(), "hello")
	sErr := requireCode(t, err, ErrorDispatch)
	require.Equal(t, "answer_timeout", sErr.Reason)
	require.ErrorIs(t, err, dispatch.ErrAnswerTimeout)
}

func TestSubmit_StoreFailureSkipsDispatch(t *testing.T) {
	f := newFixture(t, alice, nil)
	f.store.appendErr = errors.New("throttled")
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	_, err = f.coord.Submit(context.Background(), "hello")
	requireCode(t, err, ErrorStore)
	require.Zero(t, f.disp.submissions())
	require.Equal(t, []string{"failure:Could not save the message"}, f.notifier.list())
}

func TestSubmit_ConversationsDoNotCrossContaminate(t *testing.T) {
	f := newFixture(t, alice, nil)
	f.disp.submit = func(_ context.Context, req domain.PendingRequest) (domain.Answer, error) {
		return domain.HTTPAnswer{Answer: "re " + req.Prompt}, nil
	}

	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)
	_, err = f.coord.Submit(context.Background(), "one")
	require.NoError(t, err)

	_, err = f.coord.Mount(context.Background(), "c2")
	require.NoError(t, err)
	out, err := f.coord.Submit(context.Background(), "two")
	require.NoError(t, err)
	for _, tr := range out.Feed {
		require.Equal(t, "c2", tr.ConversationID)
	}

	c1, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, []string{"one", "re one"}, texts(c1))
	for _, tr := range c1 {
		require.Equal(t, "c1", tr.ConversationID)
	}
}

func TestMount_SwitchDiscardsStaleAnswer(t *testing.T) {
	f := newFixture(t, alice, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	f.disp.submit = func(context.Context, domain.PendingRequest) (domain.Answer, error) {
		close(started)
		<-release
		return domain.HTTPAnswer{Answer: "late"}, nil
	}
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Submit(context.Background(), "hello")
		errCh <- err
	}()
	<-started

	_, err = f.coord.Mount(context.Background(), "c2")
	require.NoError(t, err)
	close(release)

	err = <-errCh
	require.ErrorIs(t, err, ErrSwitched)
	requireCode(t, err, ErrorCancelled)
	require.Equal(t, []string{"hello"}, f.store.texts("c1"))
	require.Empty(t, f.store.texts("c2"))
	require.Equal(t, "c2", f.coord.Conversation())
}

func TestMount_SwitchCancelsDispatchContext(t *testing.T) {
	f := newFixture(t, alice, nil)
	started := make(chan struct{})
	f.disp.submit = func(ctx context.Context, _ domain.PendingRequest) (domain.Answer, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Submit(context.Background(), "hello")
		errCh <- err
	}()
	<-started

	_, err = f.coord.Mount(context.Background(), "c2")
	require.NoError(t, err)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrSwitched)
	case <-time.After(2 * time.Second):
		t.Fatal("submission was not cancelled")
	}
}

func TestMount_RejectsBlankID(t *testing.T) {
	f := newFixture(t, alice, nil)
	_, err := f.coord.Mount(context.Background(), " ")
	requireCode(t, err, ErrorInvalidInput)
}

func TestNewConversation_CreatesAndMounts(t *testing.T) {
	f := newFixture(t, alice, nil)

	conv, err := f.coord.NewConversation(context.Background())
	require.NoError(t, err)
	require.Equal(t, "alice@x.com", conv.OwnerID)
	require.Equal(t, conv.ID, f.coord.Conversation())
	require.True(t, f.coord.Feed().Empty())

	_, err = f.coord.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, f.store.convs, 1)
}

func TestHandlePush_MissingChatIDWritesNothing(t *testing.T) {
	f := newFixture(t, alice, nil)
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)
	before := f.coord.Feed().Snapshot()

	err = f.coord.HandlePush(context.Background(), domain.PushAnswer{Answer: "orphan"})
	require.ErrorIs(t, err, domain.ErrMissingConversationID)
	require.Empty(t, f.store.turns)
	require.Equal(t, before, f.coord.Feed().Snapshot())
	require.Equal(t, 1, strings.Count(f.logs.String(), "level=ERROR"))
	require.Contains(t, f.logs.String(), "push answer dropped")
}

func TestHandlePush_MountedConversationIsPersisted(t *testing.T) {
	f := newFixture(t, alice, nil)
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, f.coord.HandlePush(context.Background(), domain.PushAnswer{ConversationID: "c1", Answer: "pushed"}))
	require.Equal(t, []string{"pushed"}, f.store.texts("c1"))
	require.Equal(t, []string{"pushed"}, texts(f.coord.Feed().Snapshot()))

	require.NoError(t, f.coord.HandlePush(context.Background(), domain.PushAnswer{ConversationID: "c2", Answer: "elsewhere"}))
	require.Empty(t, f.store.texts("c2"))
}

func TestPushDispatcher_UnsolicitedAnswersReachFeed(t *testing.T) {
	pd := &fakePushDispatcher{}
	f := newFixture(t, alice, pd)
	require.NotNil(t, pd.handler)

	var seen State
	pd.submit = func(context.Context, domain.PendingRequest) (domain.Answer, error) {
		seen = f.coord.State()
		return domain.PushAnswer{ConversationID: "c1", Answer: "hi there"}, nil
	}

	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)
	_, err = f.coord.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, AwaitingPush, seen)

	pd.handler(domain.PushAnswer{ConversationID: "c1", Answer: "late answer"})
	require.Eventually(t, func() bool {
		return len(f.store.texts("c1")) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_PushAnswerFromSlowClockSortsAfterPrompt(t *testing.T) {
	pd := &fakePushDispatcher{}
	f := newFixture(t, alice, pd)
	pd.submit = func(_ context.Context, req domain.PendingRequest) (domain.Answer, error) {
		return domain.PushAnswer{
			ConversationID: "c1",
			Answer:         "hi there",
			CreatedAt:      req.SubmittedAt.Add(-5 * time.Second),
		}, nil
	}

	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)
	out, err := f.coord.Submit(context.Background(), "hello")
	require.NoError(t, err)

	require.True(t, out.AnswerTurn.CreatedAt.After(out.UserTurn.CreatedAt))
	require.Equal(t, []string{"hello", "hi there"}, texts(out.Feed))
}

func TestSubmit_PushAnswerTimestampAfterPromptIsKept(t *testing.T) {
	pd := &fakePushDispatcher{}
	f := newFixture(t, alice, pd)
	at := time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)
	pd.submit = func(context.Context, domain.PendingRequest) (domain.Answer, error) {
		return domain.PushAnswer{ConversationID: "c1", Answer: "hi there", CreatedAt: at}, nil
	}

	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)
	out, err := f.coord.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.True(t, out.AnswerTurn.CreatedAt.Equal(at))
}

func TestMount_ConcurrentSwitchesLeaveFeedOnCoordinatorConversation(t *testing.T) {
	f := newFixture(t, alice, nil)

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		for _, id := range []string{"c1", "c2"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.coord.Mount(context.Background(), id)
			}()
		}
		wg.Wait()

		_, mounted := f.coord.Feed().Mounted()
		require.Equal(t, f.coord.Conversation(), mounted)
	}
}

func TestClose_ReleasesDispatcherOnce(t *testing.T) {
	f := newFixture(t, alice, nil)
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	require.NoError(t, f.coord.Close())
	require.NoError(t, f.coord.Close())
	require.Equal(t, 1, f.disp.closeCalls)

	_, err = f.coord.Submit(context.Background(), "hello")
	require.ErrorIs(t, err, ErrClosed)
	_, err = f.coord.Mount(context.Background(), "c2")
	require.ErrorIs(t, err, ErrClosed)
}

func TestClose_AbandonsInFlightSubmission(t *testing.T) {
	f := newFixture(t, alice, nil)
	started := make(chan struct{})
	f.disp.submit = func(ctx context.Context, _ domain.PendingRequest) (domain.Answer, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	_, err := f.coord.Mount(context.Background(), "c1")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Submit(context.Background(), "hello")
		errCh <- err
	}()
	<-started
	require.NoError(t, f.coord.Close())

	err = <-errCh
	require.ErrorIs(t, err, ErrClosed)
	require.Equal(t, []string{"hello"}, f.store.texts("c1"))
}

func TestState_String(t *testing.T) {
	require.Equal(t, "idle", Idle.String())
	require.Equal(t, "awaiting_push", AwaitingPush.String())
	require.Equal(t, "state(9)", State(9).String())
}

func texts(turns []domain.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, t.Text)
	}
	return out
}
