// Package intent maps call actions onto call-signal chat messages and
// rebuilds call presence from the messages it sees.
package intent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/callsignal"
	"github.com/studydash/callengine/internal/chat"
	"github.com/studydash/callengine/internal/events"
)

// Sender delivers chat text to a target.
type Sender interface {
	Send(ctx context.Context, target chat.Target, text string, kind chat.Kind) (chat.Message, error)
}

// Realtime is a Sender whose connection may be down.
type Realtime interface {
	Sender
	Connected() bool
}

// ErrNoTransport is returned when neither transport can carry a signal.
var ErrNoTransport = errors.New("no chat transport available")

// EventKind identifies an Event.
type EventKind string

const (
	// EventIncomingCall asks the user to answer or decline a direct call.
	EventIncomingCall EventKind = "incoming-call"
	// EventCallClosed means the other party declined or ended a direct call.
	EventCallClosed EventKind = "call-closed"
	// EventGroupCallStarted means a group has a live call to join.
	EventGroupCallStarted EventKind = "group-call-started"
	// EventGroupCallEnded means a group's live call ended.
	EventGroupCallEnded EventKind = "group-call-ended"
)

// Event is published for live call signals.
type Event struct {
	Kind   EventKind
	Target chat.Target
	// ReplyTo is where answers to a direct call signal go. It is Target,
	// unless the signal was addressed to our own user id, in which case
	// conversations are keyed by peer and the reply goes to the sender.
	ReplyTo chat.Target
	Payload callsignal.Payload
	// Notice is the user-visible text for EventCallClosed.
	Notice string
}

// ActiveCall marks a running group call.
type ActiveCall struct {
	RoomID    string
	CallType  callsignal.CallType
	StartedBy string
	StartedAt time.Time
}

// Config wires a Coordinator.
type Config struct {
	UserID   string
	UserName string
	Realtime Realtime
	// REST is used while the realtime connection is down.
	REST   Sender
	Logger zerolog.Logger
	Now    func() time.Time
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	cfg    Config
	log    zerolog.Logger
	events *events.Bus[Event]

	mu     sync.Mutex
	active map[string]ActiveCall
}

// New creates a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		cfg:    cfg,
		log:    cfg.Logger,
		events: events.NewBus[Event](events.DefaultBuffer),
		active: make(map[string]ActiveCall),
	}
}

// Subscribe streams events raised by live messages.
func (c *Coordinator) Subscribe() (<-chan Event, func()) {
	return c.events.Subscribe()
}

// Close ends every subscription.
func (c *Coordinator) Close() {
	c.events.Close()
}

// SendSignal encodes p and sends it to target, over the realtime connection
// when it is up and over REST otherwise. A realtime send that loses its
// connection is retried over REST. Sender fields and the timestamp are
// filled in when empty.
func (c *Coordinator) SendSignal(ctx context.Context, target chat.Target, p callsignal.Payload) error {
	if p.FromUserID == "" {
		p.FromUserID = c.cfg.UserID
	}
	if p.FromUserName == "" {
		p.FromUserName = c.cfg.UserName
	}
	if p.ToConversationID == "" {
		p.ToConversationID = target.ID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.cfg.Now().UTC()
	}
	text, err := callsignal.Encode(p)
	if err != nil {
		return err
	}

	via := "rest"
	var sender Sender = c.cfg.REST
	if c.cfg.Realtime != nil && c.cfg.Realtime.Connected() {
		via, sender = "realtime", c.cfg.Realtime
	}
	if sender == nil {
		return ErrNoTransport
	}
	_, err = sender.Send(ctx, target, text, chat.KindCallSignal)
	if err != nil && via == "realtime" && c.cfg.REST != nil && errors.Is(err, chat.ErrNotConnected) {
		c.log.Info().Err(err).Str("type", string(p.Type)).Msg("realtime send lost, retrying over rest")
		via = "rest"
		_, err = c.cfg.REST.Send(ctx, target, text, chat.KindCallSignal)
	}
	if err != nil {
		return fmt.Errorf("send %s over %s: %w", p.Type, via, err)
	}
	c.log.Debug().Str("type", string(p.Type)).Str("room", p.RoomID).Str("via", via).Msg("call signal sent")
	return nil
}

// StartDirectCall invites peerUserID and returns the room to join.
func (c *Coordinator) StartDirectCall(ctx context.Context, conversationID, peerUserID string, ct callsignal.CallType) (string, error) {
	roomID := callsignal.DirectRoomID(c.cfg.UserID, peerUserID)
	err := c.SendSignal(ctx, chat.Direct(conversationID), callsignal.Payload{
		Type: callsignal.TypeInvite, RoomID: roomID, CallType: ct,
	})
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// DeclineCall answers an incoming-call event with decline, on the
// conversation the invite came from.
func (c *Coordinator) DeclineCall(ctx context.Context, invite Event) error {
	return c.SendSignal(ctx, invite.ReplyTo, callsignal.Payload{
		Type: callsignal.TypeDecline, RoomID: invite.Payload.RoomID, CallType: invite.Payload.CallType,
	})
}

// EndDirectCall tells the other party the call is over.
func (c *Coordinator) EndDirectCall(ctx context.Context, conversationID, roomID string, ct callsignal.CallType) error {
	return c.SendSignal(ctx, chat.Direct(conversationID), callsignal.Payload{
		Type: callsignal.TypeEnd, RoomID: roomID, CallType: ct,
	})
}

// StartGroupCall advertises a group call and returns its room. If the group
// already has a live call, that call's room is returned and nothing is sent.
func (c *Coordinator) StartGroupCall(ctx context.Context, groupID string, ct callsignal.CallType) (string, error) {
	if a, ok := c.ActiveCall(groupID); ok {
		return a.RoomID, nil
	}
	p := callsignal.Payload{
		Type:      callsignal.TypeGroupStart,
		RoomID:    callsignal.GroupRoomID(groupID),
		CallType:  ct,
		CreatedAt: c.cfg.Now().UTC(),
	}
	if err := c.SendSignal(ctx, chat.Group(groupID), p); err != nil {
		return "", err
	}
	c.setActive(groupID, ActiveCall{RoomID: p.RoomID, CallType: ct, StartedBy: c.cfg.UserID, StartedAt: p.CreatedAt})
	return p.RoomID, nil
}

// JoinGroupCall returns the room of groupID's call. An advertised room id
// wins over the derived one.
func (c *Coordinator) JoinGroupCall(groupID string) string {
	if a, ok := c.ActiveCall(groupID); ok {
		return a.RoomID
	}
	return callsignal.GroupRoomID(groupID)
}

// EndGroupCall announces the end of groupID's call and clears its marker.
func (c *Coordinator) EndGroupCall(ctx context.Context, groupID string) error {
	roomID := c.JoinGroupCall(groupID)
	ct := callsignal.CallTypeVideo
	if a, ok := c.ActiveCall(groupID); ok {
		ct = a.CallType
	}
	if err := c.SendSignal(ctx, chat.Group(groupID), callsignal.Payload{
		Type: callsignal.TypeGroupEnd, RoomID: roomID, CallType: ct,
	}); err != nil {
		return err
	}
	c.clearActive(groupID)
	return nil
}

// ActiveCall returns the live call marker of groupID.
func (c *Coordinator) ActiveCall(groupID string) (ActiveCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.active[groupID]
	return a, ok
}

func (c *Coordinator) setActive(groupID string, a ActiveCall) {
	c.mu.Lock()
	c.active[groupID] = a
	c.mu.Unlock()
}

func (c *Coordinator) clearActive(groupID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[groupID]; !ok {
		return false
	}
	delete(c.active, groupID)
	return true
}

// Ingest inspects one chat message and reports whether it is a call signal
// that must not render as chat. Markers are updated for every message;
// prompts and notices are only raised when live is set, so replayed
// history does not ring.
func (c *Coordinator) Ingest(msg chat.Message, live bool) bool {
	p, err := callsignal.Decode(msg.BodyText)
	if err != nil {
		if errors.Is(err, callsignal.ErrInvalidPayload) {
			c.log.Warn().Err(err).Str("message", msg.ID).Msg("ignoring malformed call signal")
			return true
		}
		return false
	}

	fromSelf := p.FromUserID == c.cfg.UserID
	name := p.FromUserName
	if name == "" {
		name = p.FromUserID
	}

	switch p.Type {
	case callsignal.TypeGroupStart:
		if !msg.IsGroup() {
			return true
		}
		started := p.CreatedAt
		if started.IsZero() {
			started = msg.CreatedAt
		}
		c.setActive(msg.GroupID, ActiveCall{RoomID: p.RoomID, CallType: p.CallType, StartedBy: p.FromUserID, StartedAt: started})
		if live && !fromSelf {
			c.events.Publish(Event{Kind: EventGroupCallStarted, Target: msg.Target, Payload: p})
		}

	case callsignal.TypeGroupEnd:
		if !msg.IsGroup() {
			return true
		}
		if c.clearActive(msg.GroupID) && live && !fromSelf {
			c.events.Publish(Event{Kind: EventGroupCallEnded, Target: msg.Target, Payload: p})
		}

	case callsignal.TypeInvite:
		if live && !fromSelf && !msg.IsGroup() {
			c.events.Publish(Event{Kind: EventIncomingCall, Target: msg.Target, ReplyTo: c.replyTarget(msg, p), Payload: p})
		}

	case callsignal.TypeDecline, callsignal.TypeEnd:
		if live && !fromSelf && !msg.IsGroup() {
			verb := "ended"
			if p.Type == callsignal.TypeDecline {
				verb = "declined"
			}
			c.events.Publish(Event{
				Kind:    EventCallClosed,
				Target:  msg.Target,
				ReplyTo: c.replyTarget(msg, p),
				Payload: p,
				Notice:  fmt.Sprintf("%s %s the call", name, verb),
			})
		}
	}
	return true
}

// replyTarget is the direct conversation to answer msg on.
func (c *Coordinator) replyTarget(msg chat.Message, p callsignal.Payload) chat.Target {
	if msg.ConversationID != "" && msg.ConversationID != c.cfg.UserID {
		return msg.Target
	}
	from := p.FromUserID
	if from == "" {
		from = msg.SenderID
	}
	return chat.Direct(from)
}

// Visible replays history through Ingest and returns the messages that
// render as ordinary chat, in order.
func (c *Coordinator) Visible(history []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(history))
	for _, m := range history {
		if !c.Ingest(m, false) {
			out = append(out, m)
		}
	}
	return out
}
