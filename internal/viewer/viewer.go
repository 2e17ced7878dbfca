// Package viewer writes one remote participant's video to a stream that a
// player can read: H264 as Annex-B, VP8 as IVF.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
	"github.com/studydash/callengine/internal/session"
	"github.com/studydash/callengine/internal/webrtc"
)

// ErrUnsupportedCodec is returned for tracks that are neither H264 nor VP8.
var ErrUnsupportedCodec = errors.New("unsupported video codec")

// Viewer renders a remote video track to out. The container is fixed by the
// first track rendered; later tracks must use the same codec.
type Viewer struct {
	out io.Writer
	log zerolog.Logger

	mu    sync.Mutex
	codec string
	ivf   *ivfwriter.IVFWriter
}

// New creates a Viewer writing to out.
func New(out io.Writer, log zerolog.Logger) *Viewer {
	return &Viewer{out: out, log: log}
}

// Render copies track to the output until the track ends or ctx is done.
func (v *Viewer) Render(ctx context.Context, track domain.RemoteTrack) error {
	codec := strings.ToLower(track.MimeType())
	write, err := v.writerFor(codec)
	if err != nil {
		return err
	}
	v.log.Info().Str("track", track.ID()).Str("codec", codec).Msg("rendering")

	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read rtp: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := write(pkt); err != nil {
			return err
		}
	}
}

func (v *Viewer) writerFor(codec string) (func(*rtp.Packet) error, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.codec != "" && v.codec != codec {
		return nil, fmt.Errorf("%w: %s after %s", ErrUnsupportedCodec, codec, v.codec)
	}
	switch codec {
	case "video/h264":
		v.codec = codec
		d := webrtc.NewH264Depacketizer()
		return func(pkt *rtp.Packet) error {
			buf := d.AppendAnnexB(nil, pkt.SequenceNumber, pkt.Payload)
			if len(buf) == 0 {
				return nil
			}
			v.mu.Lock()
			defer v.mu.Unlock()
			if _, err := v.out.Write(buf); err != nil {
				return fmt.Errorf("write h264: %w", err)
			}
			return nil
		}, nil

	case "video/vp8":
		if v.ivf == nil {
			w, err := ivfwriter.NewWith(v.out)
			if err != nil {
				return nil, fmt.Errorf("ivf writer: %w", err)
			}
			v.ivf = w
		}
		v.codec = codec
		return func(pkt *rtp.Packet) error {
			v.mu.Lock()
			defer v.mu.Unlock()
			return v.ivf.WriteRTP(pkt)
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, codec)
}

// Follow renders the first participant that has video, switching when that
// participant leaves, until snapshots is closed or ctx is done.
func (v *Viewer) Follow(ctx context.Context, snapshots <-chan session.Snapshot) {
	var (
		current string
		stop    context.CancelFunc = func() {}
	)
	defer func() { stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			track := pick(snap.Participants)
			id := ""
			if track != nil {
				id = track.ID()
			}
			if id == current {
				continue
			}
			stop()
			stop = func() {}
			current = id
			if track == nil {
				continue
			}
			rctx, cancel := context.WithCancel(ctx)
			stop = cancel
			go func() {
				if err := v.Render(rctx, track); err != nil && !errors.Is(err, context.Canceled) {
					v.log.Warn().Err(err).Msg("render stopped")
				}
			}()
		}
	}
}

func pick(parts []domain.Participant) domain.RemoteTrack {
	for _, p := range parts {
		if t := p.Stream.VideoTrack(); t != nil {
			return t
		}
	}
	return nil
}

// Close finishes the output container.
func (v *Viewer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ivf != nil {
		return v.ivf.Close()
	}
	return nil
}
