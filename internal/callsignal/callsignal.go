// Package callsignal encodes call intents as chat messages.
//
// A call intent travels as an ordinary chat message: a reserved prefix
// followed by the JSON payload. Receivers intercept these messages before
// rendering.
package callsignal

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Prefix marks a chat message as a call intent.
const Prefix = "[[call-signal]]"

// Type is the call intent.
type Type string

const (
	TypeInvite     Type = "invite"
	TypeDecline    Type = "decline"
	TypeEnd        Type = "end"
	TypeGroupStart Type = "group-start"
	TypeGroupEnd   Type = "group-end"
)

func (t Type) valid() bool {
	switch t {
	case TypeInvite, TypeDecline, TypeEnd, TypeGroupStart, TypeGroupEnd:
		return true
	}
	return false
}

// CallType is the media kind of the call.
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Payload is a call intent.
type Payload struct {
	Type             Type      `json:"type"`
	RoomID           string    `json:"roomId"`
	CallType         CallType  `json:"callType"`
	FromUserID       string    `json:"fromUserId,omitempty"`
	FromUserName     string    `json:"fromUserName,omitempty"`
	ToConversationID string    `json:"toConversationId,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

var (
	// ErrNotCallSignal means the text is ordinary chat.
	ErrNotCallSignal = errors.New("not a call signal")

	// ErrInvalidPayload means the text carries the prefix and a JSON object
	// that is missing required fields. It is hidden from chat and ignored.
	ErrInvalidPayload = errors.New("invalid call signal payload")
)

// Validate checks the fields a receiver needs before trusting the payload.
func (p Payload) Validate() error {
	switch {
	case p.Type == "":
		return fmt.Errorf("%w: missing type", ErrInvalidPayload)
	case !p.Type.valid():
		return fmt.Errorf("%w: unknown type %q", ErrInvalidPayload, p.Type)
	case p.RoomID == "":
		return fmt.Errorf("%w: missing roomId", ErrInvalidPayload)
	case p.CallType == "":
		return fmt.Errorf("%w: missing callType", ErrInvalidPayload)
	}
	return nil
}

// Encode renders p as chat text.
func Encode(p Payload) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal call signal: %w", err)
	}
	return Prefix + string(data), nil
}

// Decode parses chat text. Text without the prefix, or whose body is not a
// JSON object, returns ErrNotCallSignal and renders as ordinary chat.
func Decode(text string) (Payload, error) {
	body, ok := strings.CutPrefix(text, Prefix)
	if !ok {
		return Payload{}, ErrNotCallSignal
	}
	var p Payload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNotCallSignal, err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Hidden reports whether text must be kept out of normal chat rendering.
func Hidden(text string) bool {
	_, err := Decode(text)
	return err == nil || errors.Is(err, ErrInvalidPayload)
}

// DirectRoomID derives the room of a one-to-one call. Both sides compute the same id.
func DirectRoomID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return "dm-" + strings.Join(ids, "-")
}

// GroupRoomID derives the room of a group call.
func GroupRoomID(groupID string) string {
	return "group-" + groupID
}
