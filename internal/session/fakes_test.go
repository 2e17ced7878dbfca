package session

import (
	"context"
	"errors"
	"sync"

	"github.com/studydash/callengine/internal/domain"
	"github.com/studydash/callengine/internal/media"
)

type fakeMedia struct {
	mu      sync.Mutex
	acquire func(ctx context.Context) (*media.Result, error)
	open    func(facing media.FacingMode, exact bool) (*media.LocalTrack, error)
	opens   []media.FacingMode
}

func (m *fakeMedia) Acquire(ctx context.Context) (*media.Result, error) {
	return m.acquire(ctx)
}

func (m *fakeMedia) OpenCamera(_ context.Context, facing media.FacingMode, exact bool) (*media.LocalTrack, error) {
	m.mu.Lock()
	m.opens = append(m.opens, facing)
	m.mu.Unlock()
	return m.open(facing, exact)
}

func avResult() (*media.Result, *media.LocalTrack, *media.LocalTrack) {
	a := media.NewLocalTrack(domain.TrackKindAudio, nil, nil)
	v := media.NewLocalTrack(domain.TrackKindVideo, nil, nil)
	return &media.Result{Stream: media.NewStream(a, v)}, a, v
}

type fakeSignaler struct {
	h domain.Handler

	mu      sync.Mutex
	started bool
	closed  bool
	joins   []string
	sent    []domain.Signal
}

func (s *fakeSignaler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *fakeSignaler) JoinRoom(roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, roomID+"/"+userID)
	return nil
}

func (s *fakeSignaler) SendSignal(_ string, sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sig)
	return nil
}

func (s *fakeSignaler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSignaler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSignaler) joined() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.joins...)
}

type signalers struct {
	mu  sync.Mutex
	all []*fakeSignaler
}

func (r *signalers) new(h domain.Handler) domain.Signaler {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &fakeSignaler{h: h}
	r.all = append(r.all, s)
	return s
}

func (r *signalers) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.all)
}

func (r *signalers) get(i int) *fakeSignaler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[i]
}

type fakeSender struct {
	mu       sync.Mutex
	kind     domain.TrackKind
	replaced []domain.Track
}

func (s *fakeSender) Kind() domain.TrackKind { return s.kind }
func (s *fakeSender) ReplaceTrack(t domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replaced = append(s.replaced, t)
	return nil
}
func (s *fakeSender) replacements() []domain.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Track(nil), s.replaced...)
}

type fakePC struct {
	mu      sync.Mutex
	senders []domain.TrackSender
	remote  bool
	closed  bool
}

func (p *fakePC) AddTrack(t domain.Track) (domain.TrackSender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &fakeSender{kind: t.Kind()}
	p.senders = append(p.senders, s)
	return s, nil
}
func (p *fakePC) Senders() []domain.TrackSender {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.TrackSender(nil), p.senders...)
}
func (p *fakePC) CreateOffer() (string, error)  { return "offer", nil }
func (p *fakePC) CreateAnswer() (string, error) { return "answer", nil }
func (p *fakePC) SetRemoteDescription(domain.SignalType, string) error {
	p.remote = true
	return nil
}
func (p *fakePC) HasRemoteDescription() bool                           { return p.remote }
func (p *fakePC) AddICECandidate(domain.ICECandidate) error            { return nil }
func (p *fakePC) OnICECandidate(func(domain.ICECandidate))             {}
func (p *fakePC) OnTrack(func(domain.RemoteTrack))                     {}
func (p *fakePC) OnConnectionStateChange(func(domain.ConnectionState)) {}
func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
func (p *fakePC) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakePC
}

func (f *fakeFactory) NewPeerConnection() (domain.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := &fakePC{}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func (f *fakeFactory) get(i int) *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

var errCamera = errors.New("camera busy")
