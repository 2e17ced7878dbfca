package mesh

import (
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"github.com/studydash/callengine/internal/domain"
)

type fakeTrack struct {
	id      string
	kind    domain.TrackKind
	enabled bool
}

func (t *fakeTrack) ID() string              { return t.id }
func (t *fakeTrack) Kind() domain.TrackKind  { return t.kind }
func (t *fakeTrack) Enabled() bool           { return t.enabled }
func (t *fakeTrack) SetEnabled(enabled bool) { t.enabled = enabled }
func (t *fakeTrack) Stop()                   {}

type fakeMedia struct{ tracks []domain.Track }

func (m *fakeMedia) Tracks() []domain.Track { return m.tracks }

func newMedia() *fakeMedia {
	return &fakeMedia{tracks: []domain.Track{
		&fakeTrack{id: "mic", kind: domain.TrackKindAudio, enabled: true},
		&fakeTrack{id: "cam", kind: domain.TrackKindVideo, enabled: true},
	}}
}

type fakeSender struct {
	kind     domain.TrackKind
	track    domain.Track
	replaced []domain.Track
	err      error
}

func (s *fakeSender) Kind() domain.TrackKind { return s.kind }
func (s *fakeSender) ReplaceTrack(t domain.Track) error {
	if s.err != nil {
		return s.err
	}
	s.replaced = append(s.replaced, t)
	s.track = t
	return nil
}

type fakePC struct {
	id        int
	calls     []string
	senders   []domain.TrackSender
	remoteSet bool
	applied   []domain.ICECandidate
	closed    bool

	rejectCandidate string
	offerErr        error

	onCandidate func(domain.ICECandidate)
	onTrack     func(domain.RemoteTrack)
	onState     func(domain.ConnectionState)
}

func (p *fakePC) AddTrack(t domain.Track) (domain.TrackSender, error) {
	p.calls = append(p.calls, "add-track:"+t.ID())
	s := &fakeSender{kind: t.Kind(), track: t}
	p.senders = append(p.senders, s)
	return s, nil
}
func (p *fakePC) Senders() []domain.TrackSender { return p.senders }
func (p *fakePC) CreateOffer() (string, error) {
	p.calls = append(p.calls, "create-offer")
	if p.offerErr != nil {
		return "", p.offerErr
	}
	return fmt.Sprintf("offer-%d", p.id), nil
}
func (p *fakePC) CreateAnswer() (string, error) {
	p.calls = append(p.calls, "create-answer")
	return fmt.Sprintf("answer-%d", p.id), nil
}
func (p *fakePC) SetRemoteDescription(kind domain.SignalType, sdp string) error {
	p.calls = append(p.calls, "set-remote:"+string(kind))
	p.remoteSet = true
	return nil
}
func (p *fakePC) HasRemoteDescription() bool { return p.remoteSet }
func (p *fakePC) AddICECandidate(c domain.ICECandidate) error {
	p.calls = append(p.calls, "add-candidate:"+c.Candidate)
	if c.Candidate == p.rejectCandidate {
		return errors.New("malformed candidate")
	}
	p.applied = append(p.applied, c)
	return nil
}
func (p *fakePC) OnICECandidate(fn func(domain.ICECandidate))             { p.onCandidate = fn }
func (p *fakePC) OnTrack(fn func(domain.RemoteTrack))                     { p.onTrack = fn }
func (p *fakePC) OnConnectionStateChange(fn func(domain.ConnectionState)) { p.onState = fn }
func (p *fakePC) Close() error {
	p.closed = true
	return nil
}

type fakeFactory struct {
	created []*fakePC
	err     error
	prepare func(*fakePC)
}

func (f *fakeFactory) NewPeerConnection() (domain.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	pc := &fakePC{id: len(f.created) + 1}
	if f.prepare != nil {
		f.prepare(pc)
	}
	f.created = append(f.created, pc)
	return pc, nil
}

type sent struct {
	to  string
	sig domain.Signal
}

type fakeSignaler struct {
	sent []sent
	err  error
}

func (s *fakeSignaler) SendSignal(to string, sig domain.Signal) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sent{to: to, sig: sig})
	return nil
}

type fakeRemoteTrack struct {
	id, stream string
	kind       domain.TrackKind
}

func (t *fakeRemoteTrack) ID() string                    { return t.id }
func (t *fakeRemoteTrack) StreamID() string              { return t.stream }
func (t *fakeRemoteTrack) Kind() domain.TrackKind        { return t.kind }
func (t *fakeRemoteTrack) MimeType() string              { return "video/H264" }
func (t *fakeRemoteTrack) ReadRTP() (*rtp.Packet, error) { return nil, errors.New("eof") }

func candidate(s string) domain.Signal {
	return domain.Signal{Type: domain.SignalCandidate, Candidate: &domain.ICECandidate{Candidate: s}}
}
