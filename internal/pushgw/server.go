// Package pushgw serves the push channel: clients publish query frames over
// a websocket and receive the answer as a response frame on the same socket.
package pushgw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"sybil-chat/internal/domain"
	"sybil-chat/internal/pushproto"
	"sybil-chat/internal/usecase"
)

const (
	defaultPath          = "/ws"
	defaultMaxConcurrent = 4
	defaultAnswerTimeout = 60 * time.Second
	writeTimeout         = 10 * time.Second
	readLimit            = 1 << 20
)

// Answerer is the use case that produces answers.
type Answerer interface {
	Answer(ctx context.Context, in usecase.AnswerInput) (usecase.AnswerOutput, error)
}

type Options struct {
	Addr string
	Path string
	// OriginPatterns are host patterns allowed to open cross-origin sockets.
	OriginPatterns []string
	// MaxConcurrent caps in-flight answers per connection.
	MaxConcurrent int
	AnswerTimeout time.Duration
	Logger        *slog.Logger
}

type Server struct {
	answerer Answerer
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	httpServer *http.Server
}

func New(answerer Answerer, opts Options) (*Server, error) {
	if answerer == nil {
		return nil, errors.New("pushgw: answerer must not be nil")
	}
	if opts.Path == "" {
		opts.Path = defaultPath
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = defaultAnswerTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		answerer: answerer,
		opts:     opts,
		logger:   opts.Logger.With("component", "pushgw"),
		now:      time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the HTTP routes of the gateway.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleSocket)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("pushgw: listening on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("push gateway listening", "addr", ln.Addr().String(), "path", s.opts.Path)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
	case serveErr = <-errCh:
		s.logger.Error("server error", "err", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		return fmt.Errorf("pushgw: shutdown: %w", err)
	}
	if serveErr != nil {
		return fmt.Errorf("pushgw: serve: %w", serveErr)
	}
	return nil
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.opts.OriginPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)

	s.serveConn(r.Context(), conn)
}

// serveConn reads frames until the client goes away. Each query is answered
// on its own goroutine so slow answers do not block the socket.
func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		wg.Wait()
	}()

	logger := s.logger.With("conn_id", domain.NewRequestID())
	logger.Info("client connected")

	sem := make(chan struct{}, s.opts.MaxConcurrent)

	for {
		var f pushproto.Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				logger.Info("client disconnected")
			} else {
				logger.Warn("read failed", "err", err)
			}
			return
		}

		switch f.Event {
		case pushproto.EventQuery, pushproto.EventPrint:
		default:
			logger.Debug("ignoring frame", "event", f.Event)
			continue
		}

		var q pushproto.Query
		if err := f.Decode(&q); err != nil {
			logger.Warn("malformed query", "err", err)
			s.send(ctx, conn, logger, pushproto.EventError, pushproto.Error{Message: "Invalid request body"})
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.answer(ctx, conn, logger, q)
		}()
	}
}

func (s *Server) answer(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, q pushproto.Query) {
	logger = logger.With("conversation_id", q.ChatID, "request_id", q.RequestID)

	actx, cancel := context.WithTimeout(ctx, s.opts.AnswerTimeout)
	defer cancel()

	out, err := s.answerer.Answer(actx, usecase.AnswerInput{
		Prompt:         q.Prompt,
		ConversationID: q.ChatID,
		Session:        q.Session,
		Credentials:    domain.Credentials{APIKey: q.OpenAIKey, Mnemonic: q.Mnemonic},
	})
	if err != nil {
		logger.Warn("query rejected", "err", err)
		s.send(ctx, conn, logger, pushproto.EventError, pushproto.Error{
			RequestID: q.RequestID,
			ChatID:    q.ChatID,
			Message:   errorMessage(err),
		})
		return
	}

	session := q.Session
	s.send(ctx, conn, logger, pushproto.EventResponse, pushproto.Response{
		RequestID:      q.RequestID,
		ConversationID: out.ConversationID,
		Prompt:         q.Prompt,
		Answer:         out.Answer,
		CreatedAt:      s.now().UTC(),
		Session:        &session,
	})
	logger.Info("answer sent")
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, logger *slog.Logger, event string, v any) {
	f, err := pushproto.NewFrame(event, v, false)
	if err != nil {
		logger.Error("encode frame failed", "event", event, "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, f); err != nil {
		logger.Warn("write failed", "event", event, "err", err)
	}
}

func errorMessage(err error) string {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return string(usecase.ErrorInternal)
	}
	if msg := ucErr.UserMessage(); msg != "" {
		return msg
	}
	return string(ucErr.Code)
}
