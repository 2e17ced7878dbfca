package domain

import "github.com/pion/rtp"

// TrackKind is the media kind of a track.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Track is a local capture track. The same Track value is attached to every
// peer connection of a call, so SetEnabled is observed by all peers at once.
type Track interface {
	ID() string
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// LocalMedia exposes the tracks of the local stream.
type LocalMedia interface {
	Tracks() []Track
}

// RemoteTrack is an inbound track received from a peer.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() TrackKind
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// RemoteStream groups the remote tracks that share a stream id.
type RemoteStream struct {
	ID     string
	Tracks []RemoteTrack
}

// VideoTrack returns the first video track of the stream, if any.
func (s *RemoteStream) VideoTrack() RemoteTrack {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks {
		if t.Kind() == TrackKindVideo {
			return t
		}
	}
	return nil
}

// Participant is one remote peer of the call.
type Participant struct {
	SocketID string
	UserID   string
	Stream   *RemoteStream
}
