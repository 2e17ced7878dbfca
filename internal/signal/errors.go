package signal

import "fmt"

// Kind classifies a signaling failure.
type Kind string

const (
	KindAuthRejected         Kind = "auth-rejected"
	KindNamespaceUnavailable Kind = "namespace-unavailable"
	KindRoomFull             Kind = "room-full"
	KindNetwork              Kind = "network"
)

// Error is a signaling channel failure.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("signaling: %s", e.Kind)
	}
	return fmt.Sprintf("signaling: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Terminal reports whether reconnecting cannot help.
func (e *Error) Terminal() bool {
	return e.Kind == KindAuthRejected || e.Kind == KindRoomFull
}

// Message is the user-facing text for the failure.
func (e *Error) Message() string {
	switch e.Kind {
	case KindAuthRejected:
		return "Your session token was rejected. Sign in again to join the call."
	case KindNamespaceUnavailable:
		return "The call service is unavailable."
	case KindRoomFull:
		return "This call is full."
	default:
		return "Could not reach the call service. Check your connection."
	}
}
