// Package relay is the signaling relay: it authenticates sockets, keeps
// room rosters and forwards SDP and ICE messages between members. It holds
// no call state beyond who is in which room.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
	"github.com/studydash/callengine/internal/signal"
)

var (
	// ErrRoomFull is returned when a room is at capacity.
	ErrRoomFull = errors.New("room is full")

	// ErrNotInRoom is returned when a socket relays outside its room.
	ErrNotInRoom = errors.New("peer not in room")
)

type room struct {
	id string
	// members in join order
	members []*socket
}

func (r *room) index(id string) int {
	for i, m := range r.members {
		if m.id == id {
			return i
		}
	}
	return -1
}

// Hub tracks rooms and routes frames between their members.
type Hub struct {
	max    int
	roster Roster
	log    zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates a hub admitting at most maxParticipants per room. A nil
// roster keeps membership in memory only.
func NewHub(maxParticipants int, roster Roster, log zerolog.Logger) *Hub {
	if roster == nil {
		roster = nopRoster{}
	}
	return &Hub{max: maxParticipants, roster: roster, log: log, rooms: make(map[string]*room)}
}

// join adds s to roomID, leaving its previous room first, and returns the
// members that were already there.
func (h *Hub) join(s *socket, roomID string) ([]domain.RoomMember, error) {
	h.mu.Lock()
	r := h.rooms[roomID]
	if s.room == roomID && r != nil {
		existing := make([]domain.RoomMember, 0, len(r.members))
		for _, m := range r.members {
			if m != s {
				existing = append(existing, domain.RoomMember{SocketID: m.id, UserID: m.userID})
			}
		}
		h.mu.Unlock()
		return existing, nil
	}
	if r != nil && len(r.members) >= h.max {
		h.mu.Unlock()
		return nil, ErrRoomFull
	}
	prev := h.leaveLocked(s)
	if r == nil {
		r = &room{id: roomID}
		h.rooms[roomID] = r
	}
	existing := make([]domain.RoomMember, 0, len(r.members))
	for _, m := range r.members {
		existing = append(existing, domain.RoomMember{SocketID: m.id, UserID: m.userID})
		m.emit(signal.EventUserJoined, domain.RoomMember{SocketID: s.id, UserID: s.userID})
	}
	r.members = append(r.members, s)
	s.room = roomID
	size := len(r.members)
	h.mu.Unlock()

	if prev != "" {
		h.rosterRemove(prev, s.id)
	}
	if err := h.roster.Add(context.Background(), roomID, s.id); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("roster add")
	}
	h.log.Info().Str("room", roomID).Str("socket", s.id).Str("user", s.userID).Int("size", size).Msg("joined")
	return existing, nil
}

// leave removes s from its room and tells the remaining members.
// Roster updates for one socket run on its own goroutine, outside the
// lock, so they reach the mirror in order.
func (h *Hub) leave(s *socket) {
	h.mu.Lock()
	prev := h.leaveLocked(s)
	h.mu.Unlock()
	if prev != "" {
		h.rosterRemove(prev, s.id)
	}
}

// leaveLocked detaches s and returns the room it left, if any.
func (h *Hub) leaveLocked(s *socket) string {
	if s.room == "" {
		return ""
	}
	roomID := s.room
	s.room = ""
	r := h.rooms[roomID]
	if r == nil {
		return roomID
	}
	if i := r.index(s.id); i >= 0 {
		r.members = append(r.members[:i], r.members[i+1:]...)
	}
	for _, m := range r.members {
		m.emit(signal.EventUserLeft, signal.UserLeftData{SocketID: s.id})
	}
	if len(r.members) == 0 {
		delete(h.rooms, roomID)
		h.log.Debug().Str("room", roomID).Msg("room dissolved")
	}
	h.log.Info().Str("room", roomID).Str("socket", s.id).Msg("left")
	return roomID
}

func (h *Hub) rosterRemove(roomID, socketID string) {
	if err := h.roster.Remove(context.Background(), roomID, socketID); err != nil {
		h.log.Warn().Err(err).Str("room", roomID).Msg("roster remove")
	}
}

// relay forwards sig from s to the member to of the same room.
func (h *Hub) relay(s *socket, to string, sig domain.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[s.room]
	if r == nil {
		return ErrNotInRoom
	}
	i := r.index(to)
	if i < 0 || to == s.id {
		return ErrNotInRoom
	}
	r.members[i].emit(signal.EventReturnSignal, signal.ReturnSignalData{From: s.id, Signal: sig})
	return nil
}

// Members lists the members of roomID in join order.
func (h *Hub) Members(roomID string) []domain.RoomMember {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.rooms[roomID]
	if r == nil {
		return nil
	}
	out := make([]domain.RoomMember, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, domain.RoomMember{SocketID: m.id, UserID: m.userID})
	}
	return out
}

// Rooms is the number of open rooms.
func (h *Hub) Rooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
