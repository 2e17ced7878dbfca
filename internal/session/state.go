package session

import (
	"errors"
	"fmt"

	"github.com/studydash/callengine/internal/domain"
	"github.com/studydash/callengine/internal/media"
)

// State is the call session state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

var (
	// ErrNotInCall is returned by device operations when no local media is held.
	ErrNotInCall = errors.New("not in a call")

	// ErrAlreadyJoined is returned by Join unless the session is idle.
	ErrAlreadyJoined = errors.New("call already active")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// DeviceToggleError reports a toggle or flip on a track kind the local stream lacks.
type DeviceToggleError struct {
	Kind domain.TrackKind
}

func (e *DeviceToggleError) Error() string {
	if e.Kind == domain.TrackKindAudio {
		return "no microphone available"
	}
	return "no camera available"
}

// Snapshot is a copy of the session state for display.
type Snapshot struct {
	State  State
	RoomID string
	// Status is the user-visible message for the error state or a reconnect in progress.
	Status   string
	Err      error
	Warnings []string

	IsMuted     bool
	IsCameraOff bool
	FacingMode  media.FacingMode
	HasAudio    bool
	HasVideo    bool

	Participants []domain.Participant
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s room=%q peers=%d muted=%t cameraOff=%t", s.State, s.RoomID, len(s.Participants), s.IsMuted, s.IsCameraOff)
}
