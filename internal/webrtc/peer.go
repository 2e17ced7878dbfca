// Package webrtc implements the peer connection port on pion/webrtc.
package webrtc

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
)

// DefaultSTUN is the only ICE server used. No TURN is provisioned.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// ErrNotSendable is returned when a track has no pion representation.
var ErrNotSendable = errors.New("track cannot be sent")

// sendable is implemented by local tracks backed by a pion track.
type sendable interface {
	TrackLocal() pion.TrackLocal
}

// Config configures the factory.
type Config struct {
	STUNURLs []string
	// RegisterCodecs registers the codecs of the capture encoders. Nil registers pion's defaults.
	RegisterCodecs func(m *pion.MediaEngine) error
	// DisconnectedTimeout is how long ICE may stay disconnected before failing.
	DisconnectedTimeout time.Duration
}

// Factory creates pion peer connections.
type Factory struct {
	cfg Config
	log zerolog.Logger
}

// NewFactory creates a Factory.
func NewFactory(cfg Config, log zerolog.Logger) *Factory {
	if len(cfg.STUNURLs) == 0 {
		cfg.STUNURLs = []string{DefaultSTUN}
	}
	if cfg.DisconnectedTimeout <= 0 {
		cfg.DisconnectedTimeout = 5 * time.Second
	}
	return &Factory{cfg: cfg, log: log}
}

// NewPeerConnection builds a connection with its own media engine and the
// default interceptors (NACK, RTCP reports, TWCC).
func (f *Factory) NewPeerConnection() (domain.PeerConnection, error) {
	m := &pion.MediaEngine{}
	if f.cfg.RegisterCodecs != nil {
		if err := f.cfg.RegisterCodecs(m); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := pion.SettingEngine{}
	se.SetICETimeouts(f.cfg.DisconnectedTimeout, 6*f.cfg.DisconnectedTimeout, 2*time.Second)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
		pion.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   []pion.ICEServer{{URLs: f.cfg.STUNURLs}},
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{pc: pc, log: f.log}
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("ICE connection state")
	})
	return p, nil
}

// Peer wraps a pion PeerConnection.
type Peer struct {
	pc  *pion.PeerConnection
	log zerolog.Logger

	mu      sync.Mutex
	senders []domain.TrackSender
}

// AddTrack attaches a local track and drains RTCP for its sender.
func (p *Peer) AddTrack(track domain.Track) (domain.TrackSender, error) {
	local, err := trackLocal(track)
	if err != nil {
		return nil, err
	}
	rtpSender, err := p.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
	}
	go drainRTCP(rtpSender)

	s := &sender{kind: track.Kind(), rtp: rtpSender}
	p.mu.Lock()
	p.senders = append(p.senders, s)
	p.mu.Unlock()
	return s, nil
}

// Senders returns the senders created by AddTrack.
func (p *Peer) Senders() []domain.TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TrackSender(nil), p.senders...)
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP offer set")
	return offer.SDP, nil
}

// CreateAnswer creates an SDP answer and sets it as the local description.
func (p *Peer) CreateAnswer() (string, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	p.log.Debug().Msg("local SDP answer set")
	return answer.SDP, nil
}

// SetRemoteDescription applies a remote offer or answer.
func (p *Peer) SetRemoteDescription(kind domain.SignalType, sdp string) error {
	var t pion.SDPType
	switch kind {
	case domain.SignalOffer:
		t = pion.SDPTypeOffer
	case domain.SignalAnswer:
		t = pion.SDPTypeAnswer
	default:
		return fmt.Errorf("set remote description: unexpected type %q", kind)
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: t, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.log.Debug().Str("type", string(kind)).Msg("remote SDP set")
	return nil
}

func (p *Peer) HasRemoteDescription() bool {
	return p.pc.RemoteDescription() != nil
}

// AddICECandidate applies a remote candidate.
func (p *Peer) AddICECandidate(c domain.ICECandidate) error {
	init := pion.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// OnICECandidate forwards locally gathered candidates. Loopback candidates
// and the end-of-gathering marker are dropped.
func (p *Peer) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		init := c.ToJSON()
		if isLoopback(init.Candidate) {
			return
		}
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

// OnTrack reports inbound tracks.
func (p *Peer) OnTrack(fn func(domain.RemoteTrack)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.log.Info().Str("kind", track.Kind().String()).Str("codec", codec.MimeType).Msg("remote track")
		fn(&remoteTrack{t: track})
	})
}

// OnConnectionStateChange reports aggregate connection state.
func (p *Peer) OnConnectionStateChange(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug().Str("state", state.String()).Msg("peer connection state")
		fn(connectionState(state))
	})
}

func (p *Peer) Close() error {
	return p.pc.Close()
}

func connectionState(s pion.PeerConnectionState) domain.ConnectionState {
	switch s {
	case pion.PeerConnectionStateConnecting:
		return domain.ConnectionStateConnecting
	case pion.PeerConnectionStateConnected:
		return domain.ConnectionStateConnected
	case pion.PeerConnectionStateDisconnected:
		return domain.ConnectionStateDisconnected
	case pion.PeerConnectionStateFailed:
		return domain.ConnectionStateFailed
	case pion.PeerConnectionStateClosed:
		return domain.ConnectionStateClosed
	default:
		return domain.ConnectionStateNew
	}
}

func trackLocal(track domain.Track) (pion.TrackLocal, error) {
	s, ok := track.(sendable)
	if !ok || s.TrackLocal() == nil {
		return nil, fmt.Errorf("%s track %s: %w", track.Kind(), track.ID(), ErrNotSendable)
	}
	return s.TrackLocal(), nil
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep working.
func drainRTCP(s *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

type sender struct {
	kind domain.TrackKind
	rtp  *pion.RTPSender
}

func (s *sender) Kind() domain.TrackKind { return s.kind }

// ReplaceTrack swaps the outbound track without renegotiation.
func (s *sender) ReplaceTrack(track domain.Track) error {
	local, err := trackLocal(track)
	if err != nil {
		return err
	}
	if err := s.rtp.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace %s track: %w", s.kind, err)
	}
	return nil
}

type remoteTrack struct {
	t *pion.TrackRemote
}

func (r *remoteTrack) ID() string       { return r.t.ID() }
func (r *remoteTrack) StreamID() string { return r.t.StreamID() }
func (r *remoteTrack) MimeType() string { return r.t.Codec().MimeType }

func (r *remoteTrack) Kind() domain.TrackKind {
	if r.t.Kind() == pion.RTPCodecTypeVideo {
		return domain.TrackKindVideo
	}
	return domain.TrackKindAudio
}

func (r *remoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.t.ReadRTP()
	return pkt, err
}

func isLoopback(candidate string) bool {
	return strings.Contains(candidate, "127.0.0.1") || strings.Contains(candidate, "::1 ")
}
