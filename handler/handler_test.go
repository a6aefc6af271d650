package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"sybil-chat/internal/domain"
	"sybil-chat/internal/usecase"
)

type stubUseCase struct {
	out    usecase.AnswerOutput
	err    error
	in     usecase.AnswerInput
	called bool
}

func (s *stubUseCase) Answer(_ context.Context, in usecase.AnswerInput) (usecase.AnswerOutput, error) {
	s.in = in
	s.called = true
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/api/askQuestion",
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.AnswerOutput{Answer: "hi there", ConversationID: "c1"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"prompt":"hello","chatId":"c1","session":{"user":{"name":"Alice","email":"alice@x.com"}}}`)
	event.Headers["Mnemonic"] = "seed words"
	event.Headers["Openai"] = "key-123"

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.AnswerInput{
		Prompt:         "hello",
		ConversationID: "c1",
		Session:        domain.Session{User: domain.SessionUser{Name: "Alice", Email: "alice@x.com"}},
		Credentials:    domain.Credentials{APIKey: "key-123", Mnemonic: "seed words"},
	}, uc.in)

	out := parseBody[askResponse](t, resp.Body)
	require.Equal(t, "hi there", out.Answer)
	require.Equal(t, "c1", out.ChatID)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_AcceptsBothAPIKeyHeaderSpellings(t *testing.T) {
	uc := &stubUseCase{out: usecase.AnswerOutput{Answer: "ok", ConversationID: "c1"}}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	event := makeEvent(`{"prompt":"hello","chatId":"c1"}`)
	event.Headers["openaikey"] = "key-new"
	_, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "key-new", uc.in.Credentials.APIKey)
}

func TestHandle_InvalidBody(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(uc)
	require.NoError(t, err)

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.False(t, uc.called)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_RejectsNonPost(t *testing.T) {
	h, err := NewHandler(&stubUseCase{})
	require.NoError(t, err)

	event := makeEvent(`{}`)
	event.HTTPMethod = http.MethodGet
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		answer string
	}{
		{name: "missing prompt", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_prompt"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput), answer: "Please provide prompt"},
		{name: "missing chat id", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_chat_id"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput), answer: "Please provide Chat ID"},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "openai_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "openai_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "ssm_load_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := NewHandler(&stubUseCase{err: tc.err})
			require.NoError(t, err)

			resp, err := h.Handle(context.Background(), makeEvent(`{"prompt":"hello","chatId":"c1"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, tc.answer, out.Answer)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, err := NewHandler(&stubUseCase{out: usecase.AnswerOutput{Answer: "ok", ConversationID: "c1"}})
	require.NoError(t, err)

	event := makeEvent(`{"prompt":"hello","chatId":"c1"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
