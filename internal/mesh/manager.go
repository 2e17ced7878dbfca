// Package mesh negotiates one peer connection per remote participant.
//
// A Manager is not safe for concurrent use. Every method must be called from
// the owner's event loop, and callbacks raised by peer connections are routed
// back onto that loop through the post function.
package mesh

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
)

// Options configures a Manager.
type Options struct {
	Factory  domain.PeerFactory
	Signaler domain.SignalSender
	// Post schedules fn on the owner's event loop. It must not block.
	Post func(fn func())
	// OnChange runs on the loop whenever the participant list or a stream changes.
	OnChange func()
	Logger   zerolog.Logger
}

type peer struct {
	socketID string
	pc       domain.PeerConnection
	stream   *domain.RemoteStream
}

// Manager owns the peer connections, pending candidate queues and the
// socket-to-user mapping of one call.
type Manager struct {
	factory  domain.PeerFactory
	signaler domain.SignalSender
	post     func(func())
	onChange func()
	log      zerolog.Logger

	local domain.LocalMedia

	peers   map[string]*peer
	pending map[string][]domain.ICECandidate
	userIDs map[string]string
	// removed holds sockets that left; their late candidates are dropped.
	removed map[string]struct{}
}

// New creates an empty Manager.
func New(opts Options) *Manager {
	post := opts.Post
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Manager{
		factory:  opts.Factory,
		signaler: opts.Signaler,
		post:     post,
		onChange: opts.OnChange,
		log:      opts.Logger,
		peers:    make(map[string]*peer),
		pending:  make(map[string][]domain.ICECandidate),
		userIDs:  make(map[string]string),
		removed:  make(map[string]struct{}),
	}
}

// SetLocalMedia sets the stream whose tracks are attached to new connections.
func (m *Manager) SetLocalMedia(local domain.LocalMedia) {
	m.local = local
}

// SeedMembers records socket-to-user mappings without creating connections.
func (m *Manager) SeedMembers(members []domain.RoomMember) {
	for _, mem := range members {
		if mem.SocketID != "" && mem.UserID != "" {
			m.userIDs[mem.SocketID] = mem.UserID
		}
	}
}

// CreatePeer returns the connection for socketID, creating it if needed.
// A new connection gets every local track attached before negotiation; an
// initiator then sends an offer. Calling it again for the same socket returns
// the existing connection and sends nothing.
func (m *Manager) CreatePeer(socketID, userID string, initiator bool) (domain.PeerConnection, error) {
	if userID != "" {
		m.userIDs[socketID] = userID
	}
	if p, ok := m.peers[socketID]; ok {
		return p.pc, nil
	}
	if m.local == nil {
		return nil, domain.ErrLocalStreamUnavailable
	}
	if m.signaler == nil {
		return nil, domain.ErrSignalingChannelUnavailable
	}

	pc, err := m.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("peer %s: %w", socketID, err)
	}
	p := &peer{socketID: socketID, pc: pc}
	m.peers[socketID] = p
	delete(m.removed, socketID)

	log := m.log.With().Str("socket", socketID).Logger()
	for _, t := range m.local.Tracks() {
		if _, err := pc.AddTrack(t); err != nil {
			log.Warn().Err(err).Str("kind", string(t.Kind())).Msg("attach local track")
		}
	}

	pc.OnICECandidate(func(c domain.ICECandidate) {
		m.post(func() {
			if !m.current(p) {
				return
			}
			if err := m.signaler.SendSignal(socketID, domain.Signal{Type: domain.SignalCandidate, Candidate: &c}); err != nil {
				log.Debug().Err(err).Msg("send candidate")
			}
		})
	})
	pc.OnTrack(func(rt domain.RemoteTrack) {
		m.post(func() {
			if !m.current(p) {
				return
			}
			p.addRemoteTrack(rt)
			m.changed()
		})
	})
	pc.OnConnectionStateChange(func(state domain.ConnectionState) {
		m.post(func() {
			if !m.current(p) {
				return
			}
			log.Info().Str("state", string(state)).Msg("connection state")
			if state.Terminal() {
				m.RemovePeer(socketID)
			}
		})
	})

	log.Info().Bool("initiator", initiator).Msg("peer created")
	m.changed()

	if initiator {
		sdp, err := pc.CreateOffer()
		if err != nil {
			log.Warn().Err(err).Msg("create offer")
			m.RemovePeer(socketID)
			return nil, fmt.Errorf("peer %s: %w", socketID, err)
		}
		if err := m.signaler.SendSignal(socketID, domain.Signal{Type: domain.SignalOffer, SDP: sdp}); err != nil {
			return pc, fmt.Errorf("send offer to %s: %w", socketID, err)
		}
	}
	return pc, nil
}

// HandleSignal applies an SDP or ICE message received from socketID.
// Errors are scoped to that peer; a rejected candidate is logged and dropped.
func (m *Manager) HandleSignal(from string, sig domain.Signal) error {
	log := m.log.With().Str("socket", from).Str("type", string(sig.Type)).Logger()

	switch sig.Type {
	case domain.SignalOffer:
		pc, err := m.CreatePeer(from, "", false)
		if err != nil {
			return err
		}
		if err := pc.SetRemoteDescription(domain.SignalOffer, sig.SDP); err != nil {
			log.Warn().Err(err).Msg("apply offer")
			return fmt.Errorf("peer %s: %w", from, err)
		}
		m.flush(from, pc)
		answer, err := pc.CreateAnswer()
		if err != nil {
			log.Warn().Err(err).Msg("create answer")
			return fmt.Errorf("peer %s: %w", from, err)
		}
		if err := m.signaler.SendSignal(from, domain.Signal{Type: domain.SignalAnswer, SDP: answer}); err != nil {
			return fmt.Errorf("send answer to %s: %w", from, err)
		}

	case domain.SignalAnswer:
		p, ok := m.peers[from]
		if !ok {
			log.Debug().Msg("answer for unknown peer")
			return nil
		}
		if err := p.pc.SetRemoteDescription(domain.SignalAnswer, sig.SDP); err != nil {
			log.Warn().Err(err).Msg("apply answer")
			return fmt.Errorf("peer %s: %w", from, err)
		}
		m.flush(from, p.pc)

	case domain.SignalCandidate:
		if sig.Candidate == nil {
			return nil
		}
		p, ok := m.peers[from]
		if ok && p.pc.HasRemoteDescription() {
			if err := p.pc.AddICECandidate(*sig.Candidate); err != nil {
				log.Debug().Err(err).Msg("candidate rejected")
			}
			return nil
		}
		if _, gone := m.removed[from]; gone {
			log.Debug().Msg("candidate from departed peer")
			return nil
		}
		m.pending[from] = append(m.pending[from], *sig.Candidate)

	default:
		log.Debug().Msg("unknown signal type")
	}
	return nil
}

// flush applies queued candidates in arrival order and clears the queue.
func (m *Manager) flush(socketID string, pc domain.PeerConnection) {
	queue := m.pending[socketID]
	delete(m.pending, socketID)
	for _, c := range queue {
		if err := pc.AddICECandidate(c); err != nil {
			m.log.Debug().Err(err).Str("socket", socketID).Msg("queued candidate rejected")
		}
	}
}

// RemovePeer closes the connection to socketID and forgets its queue, mapping
// and stream. Other peers are untouched. Unknown sockets are a no-op.
func (m *Manager) RemovePeer(socketID string) {
	p, ok := m.peers[socketID]
	delete(m.peers, socketID)
	delete(m.pending, socketID)
	delete(m.userIDs, socketID)
	m.removed[socketID] = struct{}{}
	if !ok {
		return
	}
	if err := p.pc.Close(); err != nil {
		m.log.Debug().Err(err).Str("socket", socketID).Msg("close peer")
	}
	m.log.Info().Str("socket", socketID).Msg("peer removed")
	m.changed()
}

// ReplaceTrack swaps the outbound track of the given kind on every connection.
func (m *Manager) ReplaceTrack(kind domain.TrackKind, track domain.Track) error {
	var errs []error
	for _, id := range m.socketIDs() {
		for _, s := range m.peers[id].pc.Senders() {
			if s.Kind() != kind {
				continue
			}
			if err := s.ReplaceTrack(track); err != nil {
				errs = append(errs, fmt.Errorf("peer %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Participants returns a snapshot of the remote participants ordered by socket id.
func (m *Manager) Participants() []domain.Participant {
	ids := m.socketIDs()
	out := make([]domain.Participant, 0, len(ids))
	for _, id := range ids {
		p := m.peers[id]
		part := domain.Participant{SocketID: id, UserID: m.userIDs[id]}
		if p.stream != nil {
			part.Stream = &domain.RemoteStream{ID: p.stream.ID, Tracks: append([]domain.RemoteTrack(nil), p.stream.Tracks...)}
		}
		out = append(out, part)
	}
	return out
}

// PendingCandidates returns the queued candidates for socketID.
func (m *Manager) PendingCandidates(socketID string) []domain.ICECandidate {
	return append([]domain.ICECandidate(nil), m.pending[socketID]...)
}

// UserID returns the user behind a socket, if known.
func (m *Manager) UserID(socketID string) string {
	return m.userIDs[socketID]
}

// Len returns the number of live connections.
func (m *Manager) Len() int { return len(m.peers) }

// CloseAll closes every connection and clears all state.
func (m *Manager) CloseAll() {
	had := len(m.peers) > 0
	for _, id := range m.socketIDs() {
		if err := m.peers[id].pc.Close(); err != nil {
			m.log.Debug().Err(err).Str("socket", id).Msg("close peer")
		}
	}
	m.peers = make(map[string]*peer)
	m.pending = make(map[string][]domain.ICECandidate)
	m.userIDs = make(map[string]string)
	m.removed = make(map[string]struct{})
	if had {
		m.changed()
	}
}

func (m *Manager) current(p *peer) bool {
	return m.peers[p.socketID] == p
}

func (m *Manager) changed() {
	if m.onChange != nil {
		m.onChange()
	}
}

func (m *Manager) socketIDs() []string {
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// addRemoteTrack groups tracks by stream id. A track from a different stream
// replaces the previous stream.
func (p *peer) addRemoteTrack(rt domain.RemoteTrack) {
	if p.stream == nil || p.stream.ID != rt.StreamID() {
		p.stream = &domain.RemoteStream{ID: rt.StreamID()}
	}
	for i, t := range p.stream.Tracks {
		if t.ID() == rt.ID() {
			p.stream.Tracks[i] = rt
			return
		}
	}
	p.stream.Tracks = append(p.stream.Tracks, rt)
}
