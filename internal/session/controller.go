// Package session drives a call: media, signaling and the peer mesh.
//
// All session state is owned by one event-loop goroutine. Public methods hand
// work to the loop and wait for it; callbacks from the signaling client and
// the peer connections are posted to the loop. Blocking work (capture,
// dialing, reopening the camera) runs elsewhere and posts its result back
// tagged with the generation it was started under, so results that arrive
// after Leave are discarded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
	"github.com/studydash/callengine/internal/events"
	"github.com/studydash/callengine/internal/media"
	"github.com/studydash/callengine/internal/mesh"
	"github.com/studydash/callengine/internal/signal"
)

// MediaSource captures local media. *media.Acquirer implements it.
type MediaSource interface {
	Acquire(ctx context.Context) (*media.Result, error)
	OpenCamera(ctx context.Context, facing media.FacingMode, exact bool) (*media.LocalTrack, error)
}

// Config wires a Controller.
type Config struct {
	UserID string
	Media  MediaSource
	// NewSignaler builds the signaling channel for one call attempt.
	NewSignaler func(h domain.Handler) domain.Signaler
	Peers       domain.PeerFactory
	Logger      zerolog.Logger
}

// Controller is the call session state machine.
type Controller struct {
	cfg    Config
	log    zerolog.Logger
	events *events.Bus[Snapshot]

	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once

	// Owned by the loop.
	gen           uint64
	state         State
	roomID        string
	status        string
	err           error
	warnings      []string
	stream        *media.Stream
	muted         bool
	cameraOff     bool
	facing        media.FacingMode
	signaler      domain.Signaler
	mesh          *mesh.Manager
	cancelAcquire context.CancelFunc
}

// New creates a Controller and starts its loop.
func New(cfg Config) *Controller {
	c := &Controller{
		cfg:    cfg,
		log:    cfg.Logger,
		events: events.NewBus[Snapshot](events.DefaultBuffer),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		state:  StateIdle,
		facing: media.FacingUser,
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
		}
		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			fn := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			fn()
		}
	}
}

// post schedules fn on the loop. It never blocks.
func (c *Controller) post(fn func()) {
	c.mu.Lock()
	c.queue = append(c.queue, fn)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(fn func()) error {
	finished := make(chan struct{})
	c.post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Subscribe streams a Snapshot after every change.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	return c.events.Subscribe()
}

// Snapshot returns the current state.
func (c *Controller) Snapshot() Snapshot {
	var s Snapshot
	if err := c.call(func() { s = c.snapshot() }); err != nil {
		return Snapshot{State: StateIdle}
	}
	return s
}

// LocalStream returns the local stream, or nil outside a call.
func (c *Controller) LocalStream() *media.Stream {
	var s *media.Stream
	_ = c.call(func() { s = c.stream })
	return s
}

func (c *Controller) snapshot() Snapshot {
	s := Snapshot{
		State:       c.state,
		RoomID:      c.roomID,
		Status:      c.status,
		Err:         c.err,
		Warnings:    append([]string(nil), c.warnings...),
		IsMuted:     c.muted,
		IsCameraOff: c.cameraOff,
		FacingMode:  c.facing,
	}
	if c.stream != nil {
		s.HasAudio = len(c.stream.AudioTracks()) > 0
		s.HasVideo = len(c.stream.VideoTracks()) > 0
	}
	if c.mesh != nil {
		s.Participants = c.mesh.Participants()
	}
	return s
}

func (c *Controller) publish() {
	c.events.Publish(c.snapshot())
}

// Join starts a call in roomID: acquire media, open the signaling channel,
// and join the room once the channel connects. It returns once the attempt
// has started; progress is reported through Subscribe.
func (c *Controller) Join(roomID string) error {
	var err error
	callErr := c.call(func() {
		if c.state != StateIdle {
			err = ErrAlreadyJoined
			return
		}
		c.gen++
		gen := c.gen
		c.state = StateConnecting
		c.roomID = roomID
		c.status, c.err, c.warnings = "", nil, nil

		ctx, cancel := context.WithCancel(context.Background())
		c.cancelAcquire = cancel
		c.log.Info().Str("room", roomID).Msg("joining")
		go func() {
			res, err := c.cfg.Media.Acquire(ctx)
			c.post(func() { c.onAcquired(gen, res, err) })
		}()
		c.publish()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

func (c *Controller) onAcquired(gen uint64, res *media.Result, err error) {
	if gen != c.gen {
		if res != nil {
			res.Stream.Stop()
		}
		return
	}
	c.cancelAcquire = nil
	if err != nil {
		msg := "Could not access camera or microphone."
		var me *media.Error
		if errors.As(err, &me) {
			msg = me.Message()
		}
		c.fail(msg, err)
		return
	}

	c.stream = res.Stream
	c.warnings = res.Warnings
	c.muted, c.cameraOff, c.facing = false, false, media.FacingUser

	h := &handler{c: c, gen: gen}
	c.signaler = c.cfg.NewSignaler(h)
	c.mesh = mesh.New(mesh.Options{
		Factory:  c.cfg.Peers,
		Signaler: c.signaler,
		Post:     c.post,
		OnChange: c.publish,
		Logger:   c.log.With().Str("room", c.roomID).Logger(),
	})
	c.mesh.SetLocalMedia(c.stream)
	c.signaler.Start()
	c.publish()
}

// fail moves to the error state. The channel and every connection are closed
// and capture stops; the caller must Leave before joining again.
func (c *Controller) fail(msg string, err error) {
	c.log.Warn().Err(err).Str("status", msg).Msg("call failed")
	c.teardown()
	c.state = StateError
	c.status = msg
	c.err = err
	c.publish()
}

// teardown releases the channel, connections and capture. The signaler
// reference is cleared first so its pending callbacks are ignored.
func (c *Controller) teardown() {
	if c.cancelAcquire != nil {
		c.cancelAcquire()
		c.cancelAcquire = nil
	}
	if s := c.signaler; s != nil {
		c.signaler = nil
		s.Close()
	}
	if c.mesh != nil {
		c.mesh.CloseAll()
	}
	if c.stream != nil {
		c.stream.Stop()
		c.stream = nil
	}
}

// Leave ends the call from any state. It is idempotent.
func (c *Controller) Leave() {
	_ = c.call(func() {
		c.gen++
		wasIdle := c.state == StateIdle && c.signaler == nil && c.stream == nil
		c.teardown()
		c.mesh = nil
		c.state = StateIdle
		c.roomID = ""
		c.status, c.err, c.warnings = "", nil, nil
		c.muted, c.cameraOff, c.facing = false, false, media.FacingUser
		if !wasIdle {
			c.log.Info().Msg("left call")
			c.publish()
		}
	})
}

// Close leaves the call and stops the loop.
func (c *Controller) Close() {
	c.Leave()
	c.once.Do(func() {
		close(c.quit)
		<-c.done
		c.events.Close()
	})
}

// ToggleMute flips the microphone. It returns the new muted flag.
func (c *Controller) ToggleMute() (bool, error) {
	var muted bool
	err := c.toggle(domain.TrackKindAudio, func() bool {
		c.muted = !c.muted
		muted = c.muted
		return !c.muted
	})
	return muted, err
}

// ToggleCamera flips the camera. It returns the new camera-off flag.
func (c *Controller) ToggleCamera() (bool, error) {
	var off bool
	err := c.toggle(domain.TrackKindVideo, func() bool {
		c.cameraOff = !c.cameraOff
		off = c.cameraOff
		return !c.cameraOff
	})
	return off, err
}

// toggle applies flip to the state and sets every track of kind to the
// enabled value it returns. The same tracks feed every peer.
func (c *Controller) toggle(kind domain.TrackKind, flip func() (enabled bool)) error {
	var err error
	callErr := c.call(func() {
		if c.stream == nil {
			err = ErrNotInCall
			return
		}
		var tracks []domain.Track
		if kind == domain.TrackKindAudio {
			tracks = c.stream.AudioTracks()
		} else {
			tracks = c.stream.VideoTracks()
		}
		if len(tracks) == 0 {
			err = &DeviceToggleError{Kind: kind}
			return
		}
		enabled := flip()
		for _, t := range tracks {
			t.SetEnabled(enabled)
		}
		c.publish()
	})
	if callErr != nil {
		return callErr
	}
	return err
}

// FlipCamera switches to the opposite facing camera and swaps it into every
// connection without renegotiation. On failure the current camera and facing
// mode are kept.
func (c *Controller) FlipCamera(ctx context.Context) error {
	var (
		gen    uint64
		old    domain.Track
		target media.FacingMode
		err    error
	)
	if callErr := c.call(func() {
		if c.stream == nil {
			err = ErrNotInCall
			return
		}
		videos := c.stream.VideoTracks()
		if len(videos) == 0 {
			err = &DeviceToggleError{Kind: domain.TrackKindVideo}
			return
		}
		gen, old, target = c.gen, videos[0], c.facing.Opposite()
	}); callErr != nil {
		return callErr
	}
	if err != nil {
		return err
	}

	track, err := c.cfg.Media.OpenCamera(ctx, target, true)
	if err != nil {
		c.log.Debug().Err(err).Str("facing", string(target)).Msg("exact facing camera unavailable")
		track, err = c.cfg.Media.OpenCamera(ctx, "", false)
	}
	if err != nil {
		return fmt.Errorf("flip camera: %w", err)
	}

	if callErr := c.call(func() {
		if gen != c.gen || c.stream == nil || !c.hasTrack(old) {
			err = ErrNotInCall
			return
		}
		track.SetEnabled(!c.cameraOff)
		if c.mesh != nil {
			if rerr := c.mesh.ReplaceTrack(domain.TrackKindVideo, track); rerr != nil {
				c.log.Warn().Err(rerr).Msg("replace video track")
			}
		}
		old.Stop()
		c.stream.ReplaceTrack(old, track)
		c.facing = target
		c.log.Info().Str("facing", string(target)).Msg("camera flipped")
		c.publish()
	}); callErr != nil {
		track.Stop()
		return callErr
	}
	if err != nil {
		track.Stop()
		return err
	}
	return nil
}

func (c *Controller) hasTrack(t domain.Track) bool {
	for _, cur := range c.stream.VideoTracks() {
		if cur.ID() == t.ID() {
			return true
		}
	}
	return false
}

func (c *Controller) onConnect() {
	c.mesh.CloseAll()
	c.state = StateConnected
	c.status, c.err = "", nil
	if err := c.signaler.JoinRoom(c.roomID, c.cfg.UserID); err != nil {
		c.log.Warn().Err(err).Msg("join room")
	}
	c.log.Info().Str("room", c.roomID).Msg("connected")
	c.publish()
}

func (c *Controller) onDisconnect(err error) {
	if c.state != StateConnected && c.state != StateConnecting {
		return
	}
	c.mesh.CloseAll()
	c.state = StateConnecting
	c.status = "Reconnecting..."
	c.err = err
	c.publish()
}

func (c *Controller) onConnectError(err error) {
	msg := (&signal.Error{Kind: signal.KindNetwork}).Message()
	var se *signal.Error
	if errors.As(err, &se) {
		msg = se.Message()
	}
	c.fail(msg, err)
}

func (c *Controller) onUserJoined(m domain.RoomMember) {
	if _, err := c.mesh.CreatePeer(m.SocketID, m.UserID, true); err != nil {
		if errors.Is(err, domain.ErrLocalStreamUnavailable) {
			c.fail("Local media is not ready.", err)
			return
		}
		c.log.Warn().Err(err).Str("socket", m.SocketID).Msg("create peer")
	}
}

func (c *Controller) onReturnSignal(from string, sig domain.Signal) {
	if err := c.mesh.HandleSignal(from, sig); err != nil {
		if errors.Is(err, domain.ErrLocalStreamUnavailable) {
			c.fail("Local media is not ready.", err)
			return
		}
		c.log.Warn().Err(err).Str("socket", from).Msg("handle signal")
	}
}

// handler binds signaling callbacks to the call attempt that created them.
type handler struct {
	c   *Controller
	gen uint64
}

func (h *handler) on(fn func()) {
	h.c.post(func() {
		if h.gen != h.c.gen || h.c.signaler == nil {
			return
		}
		fn()
	})
}

func (h *handler) OnConnect() { h.on(h.c.onConnect) }

func (h *handler) OnRoomParticipants(existing []domain.RoomMember) {
	h.on(func() {
		h.c.mesh.SeedMembers(existing)
		h.c.publish()
	})
}

func (h *handler) OnUserJoined(m domain.RoomMember) {
	h.on(func() { h.c.onUserJoined(m) })
}

func (h *handler) OnReturnSignal(from string, sig domain.Signal) {
	h.on(func() { h.c.onReturnSignal(from, sig) })
}

func (h *handler) OnUserLeft(socketID string) {
	h.on(func() { h.c.mesh.RemovePeer(socketID) })
}

func (h *handler) OnRoomFull() {
	h.on(func() {
		h.c.fail((&signal.Error{Kind: signal.KindRoomFull}).Message(), &signal.Error{Kind: signal.KindRoomFull})
	})
}

func (h *handler) OnDisconnect(err error) {
	h.on(func() { h.c.onDisconnect(err) })
}

func (h *handler) OnConnectError(err error) {
	h.on(func() { h.c.onConnectError(err) })
}
