package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"sybil-chat/internal/domain"
)

const (
	defaultMaxPrompt  = 2000
	defaultMaxHistory = 20
	defaultModel      = "gpt-3.5-turbo"

	paramModel   = "config/openai_model"
	paramPersona = "config/persona_prompt"

	defaultPersona = "You are Sybil, a concise and helpful assistant. Answer the user's question directly."
)

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, in domain.CompletionRequest) (string, error)
}

// HistoryReader lists the stored turns of a conversation.
type HistoryReader interface {
	ListTurns(ctx context.Context, ownerID, conversationID string) ([]domain.Turn, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Options tunes an AnswerService.
type Options struct {
	// AllowCallerKeys forwards the caller's API key upstream instead of the
	// server-side key. Off by default.
	AllowCallerKeys bool
	MaxPromptLen    int
	// History, when set, supplies earlier turns of the conversation as
	// context. At most MaxHistory turns are sent.
	History    HistoryReader
	MaxHistory int
	Logger     *slog.Logger
}

// AnswerService answers one prompt for a conversation. It backs both the
// HTTP answer endpoint and the push gateway.
type AnswerService struct {
	params          ParamGetter
	llm             LLMClient
	allowCallerKeys bool
	maxPromptLen    int
	history         HistoryReader
	maxHistory      int
	logger          *slog.Logger

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
	persona     string
}

type AnswerInput struct {
	Prompt         string
	ConversationID string
	Session        domain.Session
	Credentials    domain.Credentials
}

type AnswerOutput struct {
	Answer         string
	ConversationID string
}

func NewAnswerService(p ParamGetter, llm LLMClient, opts Options) (*AnswerService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if opts.MaxPromptLen <= 0 {
		opts.MaxPromptLen = defaultMaxPrompt
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = defaultMaxHistory
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &AnswerService{
		params:          p,
		llm:             llm,
		allowCallerKeys: opts.AllowCallerKeys,
		maxPromptLen:    opts.MaxPromptLen,
		history:         opts.History,
		maxHistory:      opts.MaxHistory,
		logger:          opts.Logger.With("component", "answer"),
	}, nil
}

func (s *AnswerService) Answer(ctx context.Context, in AnswerInput) (AnswerOutput, error) {
	prompt := strings.TrimSpace(in.Prompt)
	if prompt == "" {
		return AnswerOutput{}, newError(ErrorInvalidInput, "missing_prompt", nil)
	}
	convID := strings.TrimSpace(in.ConversationID)
	if convID == "" {
		return AnswerOutput{}, newError(ErrorInvalidInput, "missing_chat_id", nil)
	}
	if len(prompt) > s.maxPromptLen {
		return AnswerOutput{}, newError(ErrorInvalidInput, "prompt_too_long", nil)
	}
	if err := s.ensureConfig(ctx); err != nil {
		return AnswerOutput{}, newError(ErrorInternal, "ssm_load_error", err)
	}

	req := domain.CompletionRequest{
		Model:    s.model,
		Messages: domain.PromptMessages(s.persona, s.loadHistory(ctx, in.Session.OwnerID(), convID, prompt), prompt),
		User:     in.Session.OwnerID(),
	}
	if s.allowCallerKeys {
		req.APIKey = in.Credentials.APIKey
	}

	s.logger.Debug("answering prompt",
		"conversation_id", convID,
		"owner_id", in.Session.OwnerID(),
		"caller_key", req.APIKey != "",
		"mnemonic", in.Credentials.Mnemonic != "")

	raw, err := s.llm.Chat(ctx, req)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			return AnswerOutput{}, newError(ErrorRateLimited, "openai_rate_limited", err)
		}
		return AnswerOutput{}, newError(ErrorUpstream, "openai_error", err)
	}

	answer := strings.TrimSpace(raw)
	if answer == "" {
		answer = domain.FallbackAnswer
	}
	return AnswerOutput{Answer: answer, ConversationID: convID}, nil
}

func (s *AnswerService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, paramModel)
	if err != nil {
		return fmt.Errorf("usecase: load openai model: %w", err)
	}
	persona, err := s.params.GetParameter(ctx, paramPersona)
	if err != nil {
		return fmt.Errorf("usecase: load persona prompt: %w", err)
	}

	s.model = strings.TrimSpace(model)
	if s.model == "" {
		s.model = defaultModel
	}
	s.persona = strings.TrimSpace(persona)
	if s.persona == "" {
		s.persona = defaultPersona
	}
	s.cacheLoaded = true
	return nil
}

// loadHistory returns the most recent turns before prompt. The client writes
// the user turn before dispatching, so a trailing copy of prompt is dropped.
// Failures only cost context and are logged.
func (s *AnswerService) loadHistory(ctx context.Context, ownerID, conversationID, prompt string) []domain.Turn {
	if s.history == nil || ownerID == "" {
		return nil
	}
	turns, err := s.history.ListTurns(ctx, ownerID, conversationID)
	if err != nil {
		s.logger.Warn("history load failed", "conversation_id", conversationID, "err", err)
		return nil
	}
	turns = append([]domain.Turn(nil), turns...)
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})
	if n := len(turns); n > 0 {
		last := turns[n-1]
		if last.Role == domain.RoleUser && strings.TrimSpace(last.Text) == prompt {
			turns = turns[:n-1]
		}
	}
	if len(turns) > s.maxHistory {
		turns = turns[len(turns)-s.maxHistory:]
	}
	return turns
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
