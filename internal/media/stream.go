package media

import (
	"sync"

	"github.com/google/uuid"

	"github.com/studydash/callengine/internal/domain"
)

// Stream is the local media stream. Its tracks are shared by reference with
// every peer connection.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []domain.Track
}

// NewStream creates a stream holding tracks.
func NewStream(tracks ...domain.Track) *Stream {
	return &Stream{id: uuid.NewString(), tracks: append([]domain.Track(nil), tracks...)}
}

func (s *Stream) ID() string { return s.id }

// Tracks returns a snapshot of every track.
func (s *Stream) Tracks() []domain.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []domain.Track { return s.byKind(domain.TrackKindAudio) }
func (s *Stream) VideoTracks() []domain.Track { return s.byKind(domain.TrackKindVideo) }

func (s *Stream) byKind(kind domain.TrackKind) []domain.Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// AddTrack appends a track.
func (s *Stream) AddTrack(t domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// ReplaceTrack swaps old for replacement in place, keeping track order.
// If old is not in the stream the replacement is appended.
func (s *Stream) ReplaceTrack(old, replacement domain.Track) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if old != nil && t.ID() == old.ID() {
			s.tracks[i] = replacement
			return
		}
	}
	s.tracks = append(s.tracks, replacement)
}

// Stop stops every track.
func (s *Stream) Stop() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
