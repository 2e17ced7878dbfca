package media

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/studydash/callengine/internal/domain"
)

// FacingMode selects the front or rear camera.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Opposite returns the other facing mode.
func (f FacingMode) Opposite() FacingMode {
	if f == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// LocalTrack is a captured track shared by every peer connection of a call.
type LocalTrack struct {
	id      string
	kind    domain.TrackKind
	local   webrtc.TrackLocal
	release func()

	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewLocalTrack wraps a pion track. local may be nil for tracks that are
// never sent (tests, receive-only back-ends). release runs once on Stop.
func NewLocalTrack(kind domain.TrackKind, local webrtc.TrackLocal, release func()) *LocalTrack {
	id := uuid.NewString()
	if local != nil && local.ID() != "" {
		id = local.ID()
	}
	t := &LocalTrack{id: id, kind: kind, local: local, release: release}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string              { return t.id }
func (t *LocalTrack) Kind() domain.TrackKind  { return t.kind }
func (t *LocalTrack) Enabled() bool           { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *LocalTrack) Stopped() bool           { return t.stopped.Load() }

// TrackLocal returns the pion track to attach to a peer connection.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.local }

// Stop releases the capture device. It is safe to call more than once.
func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.stopped.Store(true)
		if t.release != nil {
			t.release()
		}
	})
}
