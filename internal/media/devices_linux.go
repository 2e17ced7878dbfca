//go:build linux

package media

import (
	"context"
	"fmt"
	"image"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
)

// Backend captures from V4L2 cameras and malgo microphones through pion/mediadevices.
type Backend struct {
	log      zerolog.Logger
	selector *mediadevices.CodecSelector
}

// NewDevices creates the capture back-end with VP8 and Opus encoders.
func NewDevices(log zerolog.Logger) (*Backend, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &Backend{
		log: log,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

// RegisterCodecs registers the encoders' codecs on a peer connection's media engine.
func (b *Backend) RegisterCodecs(m *webrtc.MediaEngine) error {
	b.selector.Populate(m)
	return nil
}

// Enumerate reports which capture kinds are present.
func (b *Backend) Enumerate(_ context.Context) (DeviceInfo, error) {
	var info DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		b.log.Debug().Str("kind", kindName(d.Kind)).Str("label", d.Label).Msg("media device")
		switch d.Kind {
		case mediadevices.AudioInput:
			info.Audio = true
		case mediadevices.VideoInput:
			info.Video = true
		}
	}
	return info, nil
}

// Open captures the requested kinds. The malgo driver exposes no echo
// cancellation or gain controls, so AudioConstraints are advisory here.
func (b *Backend) Open(ctx context.Context, c Constraints) ([]*LocalTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: b.selector}
	if c.Video != nil {
		deviceID, err := b.cameraFor(c.Video)
		if err != nil {
			return nil, err
		}
		v := *c.Video
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.Int(v.Width)
			mc.Height = prop.Int(v.Height)
			if deviceID != "" {
				mc.DeviceID = prop.StringExact(deviceID)
			}
		}
	}
	if c.Audio != nil {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, fmt.Errorf("get user media: %w", err)
	}

	var out []*LocalTrack
	for _, tr := range stream.GetTracks() {
		tr := tr
		kind := domain.TrackKindAudio
		if tr.Kind() == webrtc.RTPCodecTypeVideo {
			kind = domain.TrackKindVideo
		}
		tr.OnEnded(func(err error) {
			if err != nil {
				b.log.Warn().Err(err).Str("kind", string(kind)).Msg("local track ended")
			}
		})
		lt := NewLocalTrack(kind, tr, func() { _ = tr.Close() })
		gate(tr, lt)
		out = append(out, lt)
	}
	return out, nil
}

// cameraFor picks a camera for the facing mode. Labels are matched first, then
// position: the first camera faces the user, the second the environment.
// An empty id lets the driver pick any camera.
func (b *Backend) cameraFor(v *VideoConstraints) (string, error) {
	var cams []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cams = append(cams, d)
		}
	}

	keywords := map[FacingMode][]string{
		FacingUser:        {"front", "user", "integrated"},
		FacingEnvironment: {"back", "rear", "environment"},
	}
	for _, cam := range cams {
		label := strings.ToLower(cam.Label)
		for _, k := range keywords[v.FacingMode] {
			if strings.Contains(label, k) {
				return cam.DeviceID, nil
			}
		}
	}

	idx := 0
	if v.FacingMode == FacingEnvironment {
		idx = 1
	}
	if idx < len(cams) {
		return cams[idx].DeviceID, nil
	}
	if v.ExactFacing {
		return "", fmt.Errorf("no %s-facing camera: %w", v.FacingMode, ErrOverconstrained)
	}
	return "", nil
}

// gate makes a disabled track send black frames or silence instead of capture.
func gate(tr mediadevices.Track, lt *LocalTrack) {
	switch t := tr.(type) {
	case *mediadevices.VideoTrack:
		t.Transform(func(r video.Reader) video.Reader {
			return video.ReaderFunc(func() (image.Image, func(), error) {
				img, release, err := r.Read()
				if err != nil || lt.Enabled() {
					return img, release, err
				}
				return blackFrame(img.Bounds()), release, nil
			})
		})
	case *mediadevices.AudioTrack:
		t.Transform(func(r audio.Reader) audio.Reader {
			return audio.ReaderFunc(func() (wave.Audio, func(), error) {
				chunk, release, err := r.Read()
				if err != nil || lt.Enabled() {
					return chunk, release, err
				}
				return wave.NewInt16Interleaved(chunk.ChunkInfo()), release, nil
			})
		})
	}
}

func blackFrame(bounds image.Rectangle) image.Image {
	img := image.NewYCbCr(bounds, image.YCbCrSubsampleRatio420)
	for i := range img.Y {
		img.Y[i] = 16
	}
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	return img
}

func kindName(k mediadevices.MediaDeviceType) string {
	switch k {
	case mediadevices.AudioInput:
		return "audioinput"
	case mediadevices.VideoInput:
		return "videoinput"
	default:
		return "other"
	}
}
