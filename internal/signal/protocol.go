package signal

import (
	"encoding/json"

	"github.com/studydash/callengine/internal/domain"
)

// Client -> server events.
const (
	EventAuth       = "auth"
	EventJoinRoom   = "join-room"
	EventSendSignal = "send-signal"
)

// Server -> client events.
const (
	EventRoomParticipants = "room-participants"
	EventUserJoined       = "user-joined"
	EventReturnSignal     = "return-signal"
	EventUserLeft         = "user-left"
	EventRoomFull         = "room-full"
	EventError            = "error"
)

// Error codes carried by EventError.
const (
	CodeAuthFailed  = "auth_failed"
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
	CodeNotInRoom   = "not_in_room"
)

// Frame is the WebSocket message envelope.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals data into a Frame.
func NewFrame(event string, data any) (Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Data: raw}, nil
}

type AuthData struct {
	Token string `json:"token"`
}

type JoinRoomData struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

type SendSignalData struct {
	To     string        `json:"to"`
	Signal domain.Signal `json:"signal"`
}

type RoomParticipantsData struct {
	ExistingParticipants []domain.RoomMember `json:"existingParticipants"`
}

type ReturnSignalData struct {
	From   string        `json:"from"`
	Signal domain.Signal `json:"signal"`
}

type UserLeftData struct {
	SocketID string `json:"socketId"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
