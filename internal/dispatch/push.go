package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"sybil-chat/internal/domain"
	"sybil-chat/internal/pushproto"
)

const (
	defaultAnswerTimeout = 60 * time.Second
	writeTimeout         = 10 * time.Second
	readLimit            = 1 << 20
)

// PushOptions configures a PushDispatcher.
type PushOptions struct {
	// Event is the outbound event name, pushproto.EventQuery by default.
	// pushproto.EventPrint sends the legacy string-encoded payload.
	Event string
	// Timeout bounds the wait for a correlated answer.
	Timeout    time.Duration
	Logger     *slog.Logger
	Header     http.Header
	HTTPClient *http.Client
}

type result struct {
	answer domain.Answer
	err    error
}

type waiter struct {
	req domain.PendingRequest
	seq uint64
	ch  chan result
}

// PushDispatcher publishes queries over a long-lived websocket and matches
// inbound answer frames to the pending submission that caused them.
type PushDispatcher struct {
	conn    *websocket.Conn
	event   string
	timeout time.Duration
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	pending     map[string]*waiter
	seq         uint64
	closed      bool
	unsolicited func(domain.PushAnswer)

	closeOnce    sync.Once
	shutdownOnce sync.Once
}

// Dial opens the push channel and starts its read loop.
func Dial(ctx context.Context, url string, opts PushOptions) (*PushDispatcher, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("dispatch: push url must not be empty")
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: opts.Header,
		HTTPClient: opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: dial push channel: %w", err)
	}
	return newPushDispatcher(conn, opts), nil
}

func newPushDispatcher(conn *websocket.Conn, opts PushOptions) *PushDispatcher {
	event := opts.Event
	if event == "" {
		event = pushproto.EventQuery
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultAnswerTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	d := &PushDispatcher{
		conn:    conn,
		event:   event,
		timeout: timeout,
		logger:  logger.With("component", "dispatch", "transport", "push"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		pending: make(map[string]*waiter),
	}
	go d.readLoop()
	return d
}

// SetUnsolicitedHandler registers fn for answers that match no pending
// submission, such as answers to requests issued by another client of the
// same conversation.
func (d *PushDispatcher) SetUnsolicitedHandler(fn func(domain.PushAnswer)) {
	d.mu.Lock()
	d.unsolicited = fn
	d.mu.Unlock()
}

func (d *PushDispatcher) Submit(ctx context.Context, req domain.PendingRequest, creds domain.Credentials) (domain.Answer, error) {
	if req.RequestID == "" {
		req.RequestID = domain.NewRequestID()
	}
	w := &waiter{req: req, ch: make(chan result, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrChannelClosed
	}
	d.seq++
	w.seq = d.seq
	d.pending[req.RequestID] = w
	d.mu.Unlock()
	defer d.forget(req.RequestID)

	frame, err := pushproto.NewFrame(d.event, pushproto.Query{
		RequestID: req.RequestID,
		Prompt:    req.Prompt,
		ChatID:    req.ConversationID,
		Session:   req.Session,
		OpenAIKey: creds.APIKey,
		Mnemonic:  creds.Mnemonic,
	}, d.event == pushproto.EventPrint)
	if err != nil {
		return nil, err
	}

	// A cancelled write context tears down the whole connection, so writes
	// are bounded by the dispatcher lifetime rather than the caller's ctx.
	wctx, cancel := context.WithTimeout(d.ctx, writeTimeout)
	err = wsjson.Write(wctx, d.conn, frame)
	cancel()
	if err != nil {
		if d.ctx.Err() != nil {
			return nil, ErrChannelClosed
		}
		return nil, fmt.Errorf("dispatch: send %s: %w", d.event, err)
	}
	d.logger.Debug("query sent", "conversation_id", req.ConversationID, "request_id", req.RequestID)

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case r := <-w.ch:
		return r.answer, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		d.logger.Warn("answer timed out", "conversation_id", req.ConversationID, "request_id", req.RequestID, "timeout", d.timeout)
		return nil, ErrAnswerTimeout
	case <-d.done:
		select {
		case r := <-w.ch:
			return r.answer, r.err
		default:
		}
		return nil, ErrChannelClosed
	}
}

// Close performs the websocket close handshake and fails every pending
// submission with ErrChannelClosed.
func (d *PushDispatcher) Close() error {
	var err error
	d.closeOnce.Do(func() {
		select {
		case <-d.done:
		default:
			err = d.conn.Close(websocket.StatusNormalClosure, "client closing")
		}
		d.shutdown()
	})
	if err != nil && websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil
	}
	return err
}

func (d *PushDispatcher) shutdown() {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		d.cancel()
		close(d.done)
	})
}

func (d *PushDispatcher) forget(requestID string) {
	d.mu.Lock()
	delete(d.pending, requestID)
	d.mu.Unlock()
}

func (d *PushDispatcher) readLoop() {
	defer d.shutdown()
	for {
		var f pushproto.Frame
		if err := wsjson.Read(d.ctx, d.conn, &f); err != nil {
			if d.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				d.logger.Warn("push channel read failed", "err", err)
			}
			return
		}
		d.handleFrame(f)
	}
}

func (d *PushDispatcher) handleFrame(f pushproto.Frame) {
	switch f.Event {
	case pushproto.EventResponse:
		var answer domain.PushAnswer
		if err := f.Decode(&answer); err != nil {
			d.logger.Warn("push answer dropped", "reason", "malformed", "err", err)
			return
		}
		if err := answer.Validate(); err != nil {
			d.logger.Error("push answer dropped", "reason", "missing chatId", "request_id", answer.RequestID)
			return
		}
		d.route(answer)
	case pushproto.EventError:
		var rejected pushproto.Error
		if err := f.Decode(&rejected); err != nil {
			d.logger.Warn("push error frame dropped", "err", err)
			return
		}
		d.mu.Lock()
		w := d.take(rejected.RequestID, rejected.ChatID)
		d.mu.Unlock()
		if w == nil {
			d.logger.Warn("push error frame matched no request", "request_id", rejected.RequestID, "message", rejected.Message)
			return
		}
		w.ch <- result{err: &RejectedError{RequestID: w.req.RequestID, Message: rejected.Message}}
	default:
		d.logger.Debug("ignoring push frame", "event", f.Event)
	}
}

func (d *PushDispatcher) route(answer domain.PushAnswer) {
	d.mu.Lock()
	w := d.take(answer.RequestID, answer.ConversationID)
	handler := d.unsolicited
	d.mu.Unlock()

	if w != nil {
		w.ch <- result{answer: answer}
		return
	}
	if handler == nil {
		d.logger.Debug("unsolicited answer ignored", "conversation_id", answer.ConversationID, "request_id", answer.RequestID)
		return
	}
	handler(answer)
}

// take removes and returns the waiter an inbound frame belongs to. Frames
// without a request id fall back to the oldest pending request for the same
// conversation. Callers hold d.mu.
func (d *PushDispatcher) take(requestID, conversationID string) *waiter {
	if requestID != "" {
		w, ok := d.pending[requestID]
		if !ok {
			return nil
		}
		if conversationID != "" && w.req.ConversationID != conversationID {
			d.logger.Warn("push frame conversation mismatch", "request_id", requestID, "conversation_id", conversationID)
			return nil
		}
		delete(d.pending, requestID)
		return w
	}
	if conversationID == "" {
		return nil
	}

	var oldest *waiter
	for _, w := range d.pending {
		if w.req.ConversationID != conversationID {
			continue
		}
		if oldest == nil || w.seq < oldest.seq {
			oldest = w
		}
	}
	if oldest != nil {
		d.logger.Warn("push frame without requestId matched oldest pending request", "conversation_id", conversationID, "request_id", oldest.req.RequestID)
		delete(d.pending, oldest.req.RequestID)
	}
	return oldest
}

var (
	_ Dispatcher = (*HTTPDispatcher)(nil)
	_ Dispatcher = (*PushDispatcher)(nil)
)
