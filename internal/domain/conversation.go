package domain

import (
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is stored on every turn at write time. It is never re-derived from
// author names or feed position.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Author identifies who wrote a turn.
type Author struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

// BotAuthor is the sentinel author of assistant turns.
var BotAuthor = Author{
	ID:     "sybil",
	Name:   "Sybil",
	Avatar: "https://links.papareact.com/89k",
}

// RoleOf resolves the role for a stored turn. An explicit role wins; legacy
// records without one fall back to author identity.
func RoleOf(stored Role, author Author) Role {
	if stored.Valid() {
		return stored
	}
	if author.ID == BotAuthor.ID {
		return RoleAssistant
	}
	return RoleUser
}

// Conversation is identified by (OwnerID, ID).
type Conversation struct {
	OwnerID   string
	ID        string
	CreatedAt time.Time
}

// Turn is a single immutable message in a conversation.
type Turn struct {
	ID             string
	OwnerID        string
	ConversationID string
	Text           string
	CreatedAt      time.Time
	Author         Author
	Role           Role
}

var (
	ErrMissingTurnID         = errors.New("domain: turn id is required")
	ErrMissingOwnerID        = errors.New("domain: owner id is required")
	ErrMissingConversationID = errors.New("domain: conversation id is required")
	ErrEmptyText             = errors.New("domain: user turn text must not be empty")
	ErrInvalidRole           = errors.New("domain: turn role is invalid")
)

// Validate checks the fields required before a turn is written.
func (t Turn) Validate() error {
	switch {
	case strings.TrimSpace(t.ID) == "":
		return ErrMissingTurnID
	case strings.TrimSpace(t.OwnerID) == "":
		return ErrMissingOwnerID
	case strings.TrimSpace(t.ConversationID) == "":
		return ErrMissingConversationID
	case !t.Role.Valid():
		return ErrInvalidRole
	case t.Role == RoleUser && strings.TrimSpace(t.Text) == "":
		return ErrEmptyText
	}
	return nil
}

// NewUserTurn builds the turn for a locally composed prompt.
func NewUserTurn(ownerID, conversationID string, author Author, text string, now time.Time) Turn {
	return Turn{
		ID:             NewTurnID(),
		OwnerID:        ownerID,
		ConversationID: conversationID,
		Text:           text,
		CreatedAt:      now.UTC(),
		Author:         author,
		Role:           RoleUser,
	}
}

// PendingRequest correlates one answer round trip. It is dropped on response
// or error.
type PendingRequest struct {
	RequestID      string
	ConversationID string
	Prompt         string
	SubmittedAt    time.Time
	Session        Session
}

// NewPendingRequest mints a correlation token for a submission.
func NewPendingRequest(conversationID, prompt string, session Session, now time.Time) PendingRequest {
	return PendingRequest{
		RequestID:      NewRequestID(),
		ConversationID: conversationID,
		Prompt:         prompt,
		SubmittedAt:    now.UTC(),
		Session:        session,
	}
}

// Credentials are forwarded to the answering service as request metadata.
// They are not validated on the client.
type Credentials struct {
	APIKey   string
	Mnemonic string
}

// SessionUser is the authenticated caller as issued by the identity provider.
type SessionUser struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Image string `json:"image,omitempty"`
}

// Session is the caller's session object, forwarded with every answer request.
type Session struct {
	User    SessionUser `json:"user"`
	Expires string      `json:"expires,omitempty"`
}

// Authenticated reports whether the session carries a user identity.
func (s Session) Authenticated() bool {
	return strings.TrimSpace(s.User.Email) != ""
}

// OwnerID is the key conversations are stored under.
func (s Session) OwnerID() string {
	return strings.TrimSpace(s.User.Email)
}

// Author returns the turn author for this session's user.
func (s Session) Author() Author {
	avatar := s.User.Image
	if avatar == "" {
		avatar = defaultAvatar(s.User.Name)
	}
	return Author{ID: s.OwnerID(), Name: s.User.Name, Avatar: avatar}
}

func defaultAvatar(name string) string {
	if name == "" {
		name = "John Doe"
	}
	return "https://ui-avatars.com/api/?name=" + url.QueryEscape(name)
}

// NewTurnID returns a random caller-generated turn id.
var NewTurnID = func() string {
	return uuid.NewString()
}

// NewRequestID returns a random correlation token.
var NewRequestID = func() string {
	return uuid.NewString()
}

// NewConversationID returns a random conversation id.
var NewConversationID = func() string {
	return uuid.NewString()
}
