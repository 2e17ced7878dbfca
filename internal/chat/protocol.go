// Package chat is the client side of the chat transport that call intents
// ride on: a realtime WebSocket connection and a REST fallback.
package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/studydash/callengine/internal/callsignal"
)

// Event types for client -> server.
const (
	EventAuth        = "auth"
	EventMessageSend = "message.send"
)

// Event types for server -> client.
const (
	EventError       = "error"
	EventAuthSuccess = "auth.success"
	EventMessageNew  = "message.new"
)

// Kind discriminates ordinary chat from call-intent traffic on the wire.
type Kind string

const (
	KindChat       Kind = "chat"
	KindCallSignal Kind = "call-signal"
)

// Frame is the WebSocket message envelope.
type Frame struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

func newFrame(eventType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: eventType, Payload: raw, Timestamp: time.Now()}, nil
}

// Target addresses a message to a direct conversation or a group.
type Target struct {
	ConversationID string `json:"conversation_id,omitempty"`
	GroupID        string `json:"group_id,omitempty"`
}

// ErrNoTarget is returned when a Target names neither a conversation nor a group.
var ErrNoTarget = errors.New("message target not set")

// Direct returns the target of a one-to-one conversation.
func Direct(conversationID string) Target { return Target{ConversationID: conversationID} }

// Group returns the target of a group conversation.
func Group(groupID string) Target { return Target{GroupID: groupID} }

// IsGroup reports whether t addresses a group.
func (t Target) IsGroup() bool { return t.GroupID != "" }

// ID is the conversation or group id.
func (t Target) ID() string {
	if t.IsGroup() {
		return t.GroupID
	}
	return t.ConversationID
}

func (t Target) validate() error {
	if t.ConversationID == "" && t.GroupID == "" {
		return ErrNoTarget
	}
	return nil
}

// AuthPayload authenticates the connection.
type AuthPayload struct {
	Token string `json:"token"`
}

// SendPayload sends a message. TempID is echoed on the resulting message.new.
type SendPayload struct {
	Target
	BodyText string `json:"body_text"`
	Kind     Kind   `json:"kind"`
	TempID   string `json:"temp_id,omitempty"`
}

// AuthSuccessPayload confirms authentication.
type AuthSuccessPayload struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ErrorPayload is a server error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is a chat message as delivered by message.new or the history endpoint.
type Message struct {
	ID string `json:"id"`
	Target
	SenderID       string    `json:"sender_id"`
	SenderUsername string    `json:"sender_username"`
	BodyText       string    `json:"body_text"`
	Kind           Kind      `json:"kind,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	TempID         string    `json:"temp_id,omitempty"`
}

// IsCallSignal reports whether m carries a call intent. History fetched over
// REST may predate the kind field, so the body prefix is accepted too.
func (m Message) IsCallSignal() bool {
	return m.Kind == KindCallSignal || strings.HasPrefix(m.BodyText, callsignal.Prefix)
}
