// Package pushproto defines the frames exchanged over the push channel.
//
// Every websocket message is a JSON Frame naming an event. Clients publish
// "query" (or the legacy "print", whose data is a JSON-encoded string) and
// the gateway answers with "response" or "error" frames.
package pushproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"sybil-chat/internal/domain"
)

const (
	EventQuery    = "query"
	EventPrint    = "print"
	EventResponse = "response"
	EventError    = "error"
)

// Frame is one websocket message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Query is the outbound submission envelope.
type Query struct {
	RequestID string         `json:"requestId,omitempty"`
	Prompt    string         `json:"prompt"`
	ChatID    string         `json:"chatId"`
	Session   domain.Session `json:"session"`
	OpenAIKey string         `json:"openAIKey,omitempty"`
	Mnemonic  string         `json:"mnemonic,omitempty"`
}

// Response is the inbound answer envelope.
type Response = domain.PushAnswer

// Error reports a rejected query back to the submitter.
type Error struct {
	RequestID string `json:"requestId,omitempty"`
	ChatID    string `json:"chatId,omitempty"`
	Message   string `json:"message"`
}

// NewFrame encodes v as the data of an event frame. When stringified is set
// the data is carried as a JSON string, as legacy "print" clients send it.
func NewFrame(event string, v any, stringified bool) (Frame, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Frame{}, fmt.Errorf("pushproto: encode %s: %w", event, err)
	}
	if stringified {
		raw, err = json.Marshal(string(raw))
		if err != nil {
			return Frame{}, fmt.Errorf("pushproto: encode %s: %w", event, err)
		}
	}
	return Frame{Event: event, Data: raw}, nil
}

// Decode unmarshals the frame data into v, unwrapping string-encoded data.
func (f Frame) Decode(v any) error {
	data := bytes.TrimSpace(f.Data)
	if len(data) == 0 {
		return errors.New("pushproto: frame has no data")
	}
	if data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("pushproto: decode %s: %w", f.Event, err)
		}
		data = []byte(inner)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("pushproto: decode %s: %w", f.Event, err)
	}
	return nil
}
