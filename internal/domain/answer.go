package domain

import (
	"errors"
	"strings"
	"time"
)

// FallbackAnswer is stored when the answering service replies with no text.
const FallbackAnswer = "Sybil could not find the answer for that"

// Answer is the reply from either transport. Implementations are HTTPAnswer
// and PushAnswer.
type Answer interface {
	// Text is the answer body, possibly empty.
	Text() string
	// Validate checks the payload before it is turned into a Turn.
	Validate() error

	answer()
}

// HTTPAnswer is the poll transport response body. Older endpoints reply with
// {"response": ...} instead of {"answer": ...}.
type HTTPAnswer struct {
	Answer   string `json:"answer"`
	Response string `json:"response,omitempty"`
}

func (a HTTPAnswer) Text() string {
	if a.Answer != "" {
		return a.Answer
	}
	return a.Response
}

func (HTTPAnswer) Validate() error { return nil }

func (HTTPAnswer) answer() {}

// PushAnswer is an inbound answer event from the push channel.
type PushAnswer struct {
	RequestID      string    `json:"requestId,omitempty"`
	ConversationID string    `json:"chatId"`
	Prompt         string    `json:"prompt,omitempty"`
	Answer         string    `json:"answer,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitzero"`
	Session        *Session  `json:"session,omitempty"`
}

func (a PushAnswer) Text() string { return a.Answer }

func (a PushAnswer) Validate() error {
	if strings.TrimSpace(a.ConversationID) == "" {
		return ErrMissingConversationID
	}
	return nil
}

func (PushAnswer) answer() {}

// AnswerTurn validates a and converts it into the assistant turn for the
// given conversation. Push answers keep their server-assigned timestamp.
func AnswerTurn(a Answer, ownerID, conversationID string, now time.Time) (Turn, error) {
	if a == nil {
		return Turn{}, errors.New("domain: answer is nil")
	}
	if err := a.Validate(); err != nil {
		return Turn{}, err
	}
	createdAt := now.UTC()
	if p, ok := a.(PushAnswer); ok {
		if p.ConversationID != conversationID {
			return Turn{}, errors.New("domain: push answer belongs to another conversation")
		}
		if !p.CreatedAt.IsZero() {
			createdAt = p.CreatedAt.UTC()
		}
	}
	text := strings.TrimSpace(a.Text())
	if text == "" {
		text = FallbackAnswer
	}
	return Turn{
		ID:             NewTurnID(),
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Text:           text,
		CreatedAt:      createdAt,
		Author:         BotAuthor,
		Role:           RoleAssistant,
	}, nil
}
