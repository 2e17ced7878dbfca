//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Backend reports no capture devices. Camera and microphone drivers are only
// wired on linux.
type Backend struct {
	log zerolog.Logger
}

// NewDevices creates the capture back-end.
func NewDevices(log zerolog.Logger) (*Backend, error) {
	log.Warn().Msg("local capture is not supported on this platform")
	return &Backend{log: log}, nil
}

// RegisterCodecs registers pion's default codecs.
func (b *Backend) RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func (b *Backend) Enumerate(_ context.Context) (DeviceInfo, error) {
	return DeviceInfo{}, nil
}

func (b *Backend) Open(_ context.Context, _ Constraints) ([]*LocalTrack, error) {
	return nil, ErrNoDevices
}
