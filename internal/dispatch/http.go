package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"sybil-chat/internal/domain"
)

type answerRequest struct {
	Prompt  string         `json:"prompt"`
	ChatID  string         `json:"chatId"`
	Session domain.Session `json:"session"`
}

// HTTPDispatcher performs one POST per submission against the answer
// endpoint and decodes the synchronous reply.
type HTTPDispatcher struct {
	endpoint   string
	httpClient *http.Client
	logger     *slog.Logger
}

type HTTPOption func(*HTTPDispatcher)

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.httpClient = c
	}
}

func WithHTTPLogger(l *slog.Logger) HTTPOption {
	return func(d *HTTPDispatcher) {
		d.logger = l
	}
}

func NewHTTPDispatcher(endpoint string, opts ...HTTPOption) (*HTTPDispatcher, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("dispatch: endpoint must not be empty")
	}
	d := &HTTPDispatcher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch", "transport", "http")
	return d, nil
}

func (d *HTTPDispatcher) Submit(ctx context.Context, req domain.PendingRequest, creds domain.Credentials) (domain.Answer, error) {
	body, err := json.Marshal(answerRequest{
		Prompt:  req.Prompt,
		ChatID:  req.ConversationID,
		Session: req.Session,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dispatch: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Correlation-Id", req.RequestID)
	if creds.Mnemonic != "" {
		httpReq.Header.Set("Mnemonic", creds.Mnemonic)
	}
	if creds.APIKey != "" {
		httpReq.Header.Set("Openai", creds.APIKey)
		httpReq.Header.Set("Openaikey", creds.APIKey)
	}

	res, err := d.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	var answer domain.HTTPAnswer
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&answer); err != nil {
		return nil, fmt.Errorf("dispatch: decode answer: %w", err)
	}
	d.logger.Debug("answer received", "conversation_id", req.ConversationID, "request_id", req.RequestID)
	return answer, nil
}

// Close is a no-op; HTTP submissions hold no session-scoped resources.
func (d *HTTPDispatcher) Close() error { return nil }
