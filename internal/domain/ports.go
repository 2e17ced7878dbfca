package domain

import "errors"

var (
	// ErrLocalStreamUnavailable is returned when a peer is created before local media is ready.
	ErrLocalStreamUnavailable = errors.New("local stream unavailable")

	// ErrSignalingChannelUnavailable is returned when a signal is sent with no active channel.
	ErrSignalingChannelUnavailable = errors.New("signaling channel unavailable")
)

// Signaler manages the call-scoped signaling channel.
type Signaler interface {
	// Start dials in the background. Results are reported through the Handler.
	Start()
	JoinRoom(roomID, userID string) error
	SendSignal(to string, signal Signal) error
	Close()
}

// Handler receives signaling events.
type Handler interface {
	OnConnect()
	OnRoomParticipants(existing []RoomMember)
	OnUserJoined(member RoomMember)
	OnReturnSignal(from string, signal Signal)
	OnUserLeft(socketID string)
	OnRoomFull()
	OnDisconnect(err error)
	OnConnectError(err error)
}

// SignalSender is the part of Signaler the peer manager needs.
type SignalSender interface {
	SendSignal(to string, signal Signal) error
}

// ConnectionState is the aggregate state of a peer connection.
type ConnectionState string

const (
	ConnectionStateNew          ConnectionState = "new"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
	ConnectionStateClosed       ConnectionState = "closed"
)

// Terminal reports whether a peer in this state should be torn down.
func (s ConnectionState) Terminal() bool {
	return s == ConnectionStateFailed || s == ConnectionStateClosed || s == ConnectionStateDisconnected
}

// TrackSender is the outbound half of a media track on one connection.
type TrackSender interface {
	Kind() TrackKind
	ReplaceTrack(track Track) error
}

// PeerConnection is one negotiated connection to a remote participant.
type PeerConnection interface {
	AddTrack(track Track) (TrackSender, error)
	Senders() []TrackSender

	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (string, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (string, error)
	SetRemoteDescription(kind SignalType, sdp string) error
	HasRemoteDescription() bool
	AddICECandidate(candidate ICECandidate) error

	OnICECandidate(fn func(candidate ICECandidate))
	OnTrack(fn func(track RemoteTrack))
	OnConnectionStateChange(fn func(state ConnectionState))

	Close() error
}

// PeerFactory creates peer connections configured for the call.
type PeerFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
