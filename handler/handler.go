package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"sybil-chat/internal/domain"
	"sybil-chat/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

// Header names carrying caller credentials. The API key header has been
// spelled both ways by different client revisions.
var (
	mnemonicHeaders = []string{"Mnemonic"}
	apiKeyHeaders   = []string{"Openaikey", "Openai"}
)

// Answerer is the use case behind the endpoint.
type Answerer interface {
	Answer(ctx context.Context, in usecase.AnswerInput) (usecase.AnswerOutput, error)
}

type askRequest struct {
	Prompt  string         `json:"prompt"`
	ChatID  string         `json:"chatId"`
	Session domain.Session `json:"session"`
}

type askResponse struct {
	Answer string `json:"answer"`
	ChatID string `json:"chatId"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Answer string `json:"answer,omitempty"`
}

// Handler serves POST {prompt, chatId, session} behind API Gateway.
type Handler struct {
	uc     Answerer
	logger *slog.Logger
}

func NewHandler(uc Answerer) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: answerer must not be nil")
	}
	return &Handler{uc: uc, logger: slog.Default().With("component", "handler")}, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return respond(http.StatusMethodNotAllowed, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Answer: "Method not allowed"}), nil
	}

	var body askRequest
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		logger.Warn("invalid request body", "err", err)
		return respond(http.StatusBadRequest, correlationID, errorResponse{Error: string(usecase.ErrorInvalidInput), Answer: "Invalid request body"}), nil
	}

	out, err := h.uc.Answer(ctx, usecase.AnswerInput{
		Prompt:         body.Prompt,
		ConversationID: body.ChatID,
		Session:        body.Session,
		Credentials: domain.Credentials{
			APIKey:   header(req.Headers, apiKeyHeaders...),
			Mnemonic: header(req.Headers, mnemonicHeaders...),
		},
	})
	if err != nil {
		status, resp := mapError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("answer failed", "err", err, "conversation_id", body.ChatID)
		} else {
			logger.Warn("answer rejected", "err", err, "conversation_id", body.ChatID)
		}
		return respond(status, correlationID, resp), nil
	}

	return respond(http.StatusOK, correlationID, askResponse{Answer: out.Answer, ChatID: out.ConversationID}), nil
}

func mapError(err error) (int, errorResponse) {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	resp := errorResponse{Error: string(ucErr.Code)}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		resp.Answer = ucErr.UserMessage()
		return http.StatusBadRequest, resp
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests, resp
	case usecase.ErrorUpstream:
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

func respond(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		raw = []byte(`{"error":"INTERNAL_ERROR"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(raw),
	}
}

// header returns the first non-empty value among names, matched without
// regard to case.
func header(headers map[string]string, names ...string) string {
	for _, name := range names {
		for k, v := range headers {
			if strings.EqualFold(k, name) && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}
