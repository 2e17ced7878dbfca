// Package media acquires local audio and video with graceful degradation.
package media

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
)

const (
	WarningMicrophoneUnavailable = "microphone unavailable"
	WarningCameraUnavailable     = "camera unavailable"
)

// DeviceInfo reports which kinds of capture devices are present.
type DeviceInfo struct {
	Audio bool
	Video bool
}

// AudioConstraints are the processing flags requested for the microphone.
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// VideoConstraints describe the requested camera. Width and Height are ideal values.
type VideoConstraints struct {
	Width      int
	Height     int
	FacingMode FacingMode
	// ExactFacing fails the request instead of falling back to another camera.
	ExactFacing bool
}

// Constraints selects the kinds to capture. A nil field means the kind is not requested.
type Constraints struct {
	Audio *AudioConstraints
	Video *VideoConstraints
}

// Devices is a capture back-end.
type Devices interface {
	Enumerate(ctx context.Context) (DeviceInfo, error)
	// Open captures every requested kind or fails as a unit.
	Open(ctx context.Context, c Constraints) ([]*LocalTrack, error)
}

// DefaultAudio is the microphone profile used for calls.
func DefaultAudio() *AudioConstraints {
	return &AudioConstraints{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// DefaultVideo is the camera profile used for calls.
func DefaultVideo(facing FacingMode) *VideoConstraints {
	return &VideoConstraints{Width: 1280, Height: 720, FacingMode: facing}
}

// Result is a successful acquisition. Warnings lists non-fatal degradations.
type Result struct {
	Stream   *Stream
	Warnings []string
}

// Acquirer runs the capture fallback tiers.
type Acquirer struct {
	devices Devices
	log     zerolog.Logger
}

// NewAcquirer creates an Acquirer over a back-end.
func NewAcquirer(devices Devices, log zerolog.Logger) *Acquirer {
	return &Acquirer{devices: devices, log: log}
}

// Acquire tries audio+video, then video-only, then audio-only. It fails with
// *Error only when no track at all can be captured.
func (a *Acquirer) Acquire(ctx context.Context) (*Result, error) {
	present := DeviceInfo{Audio: true, Video: true}
	if info, err := a.devices.Enumerate(ctx); err != nil {
		a.log.Warn().Err(err).Msg("device enumeration failed, assuming audio and video")
	} else {
		present = info
	}

	var lastErr error
	try := func(label string, c Constraints) *Stream {
		tracks, err := a.devices.Open(ctx, c)
		if err != nil {
			a.log.Warn().Err(err).Str("tier", label).Msg("capture failed")
			lastErr = err
			return nil
		}
		if len(tracks) == 0 {
			lastErr = fmt.Errorf("%s: %w", label, ErrNoDevices)
			return nil
		}
		a.log.Info().Str("tier", label).Int("tracks", len(tracks)).Msg("local media captured")
		s := NewStream()
		for _, t := range tracks {
			s.AddTrack(t)
		}
		return s
	}

	if present.Audio && present.Video {
		if s := try("audio+video", Constraints{Audio: DefaultAudio(), Video: DefaultVideo(FacingUser)}); s != nil {
			return &Result{Stream: s}, nil
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if present.Video {
		if s := try("video-only", Constraints{Video: DefaultVideo(FacingUser)}); s != nil {
			return &Result{Stream: s, Warnings: []string{WarningMicrophoneUnavailable}}, nil
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if present.Audio {
		if s := try("audio-only", Constraints{Audio: DefaultAudio()}); s != nil {
			return &Result{Stream: s, Warnings: []string{WarningCameraUnavailable}}, nil
		}
	}

	if lastErr == nil {
		lastErr = ErrNoDevices
	}
	return nil, newError(lastErr)
}

// OpenCamera opens a single video track with the given facing mode. With exact
// set, a back-end that cannot honor the facing mode fails with ErrOverconstrained.
func (a *Acquirer) OpenCamera(ctx context.Context, facing FacingMode, exact bool) (*LocalTrack, error) {
	v := DefaultVideo(facing)
	v.ExactFacing = exact
	tracks, err := a.devices.Open(ctx, Constraints{Video: v})
	if err != nil {
		return nil, newError(err)
	}
	var video *LocalTrack
	for _, t := range tracks {
		if t.Kind() == domain.TrackKindVideo && video == nil {
			video = t
			continue
		}
		t.Stop()
	}
	if video == nil {
		return nil, newError(fmt.Errorf("open camera: %w", ErrNoDevices))
	}
	return video, nil
}
