package media

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
)

// Reason classifies why no local media could be obtained.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission-denied"
	ReasonNotFound         Reason = "not-found"
	ReasonDeviceBusy       Reason = "device-busy"
	ReasonOverconstrained  Reason = "overconstrained"
	ReasonGeneric          Reason = "generic"
)

var (
	// ErrNoDevices is returned by a back-end that has no capture devices at all.
	ErrNoDevices = errors.New("no capture devices")

	// ErrOverconstrained is returned when no device satisfies an exact constraint.
	ErrOverconstrained = errors.New("constraints cannot be satisfied")
)

// Error reports that neither audio nor video could be captured.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media unavailable: %s", e.Reason)
	}
	return fmt.Sprintf("media unavailable: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the user-facing text for the reason.
func (e *Error) Message() string {
	switch e.Reason {
	case ReasonPermissionDenied:
		return "Camera and microphone access was denied."
	case ReasonNotFound:
		return "No camera or microphone was found."
	case ReasonDeviceBusy:
		return "Camera or microphone is in use by another application."
	case ReasonOverconstrained:
		return "Camera or microphone does not support the requested settings."
	default:
		return "Could not access camera or microphone."
	}
}

// Classify maps a capture error to a Reason.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ReasonGeneric
	case errors.Is(err, os.ErrPermission), errors.Is(err, syscall.EACCES), errors.Is(err, syscall.EPERM):
		return ReasonPermissionDenied
	case errors.Is(err, syscall.EBUSY):
		return ReasonDeviceBusy
	case errors.Is(err, ErrOverconstrained):
		return ReasonOverconstrained
	case errors.Is(err, ErrNoDevices), errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENODEV):
		return ReasonNotFound
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "not allowed"), strings.Contains(msg, "denied"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "busy"), strings.Contains(msg, "in use"), strings.Contains(msg, "not readable"):
		return ReasonDeviceBusy
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no such device"):
		return ReasonNotFound
	case strings.Contains(msg, "constraint"):
		return ReasonOverconstrained
	}
	return ReasonGeneric
}

func newError(err error) *Error {
	return &Error{Reason: Classify(err), Err: err}
}
