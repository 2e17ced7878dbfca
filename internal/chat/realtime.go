package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/events"
)

const writeWait = 5 * time.Second

var (
	// ErrNotConnected is returned by Send while the realtime connection is down.
	ErrNotConnected = errors.New("chat: not connected")

	// ErrAuthFailed is returned by Connect when the server rejects the token.
	ErrAuthFailed = errors.New("chat: authentication failed")
)

// RealtimeOptions configures a Realtime client.
type RealtimeOptions struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8081/ws.
	URL   string
	Token string

	PingInterval time.Duration
	PongWait     time.Duration
}

// Realtime is the WebSocket chat client.
type Realtime struct {
	opts    RealtimeOptions
	log     zerolog.Logger
	dialer  *websocket.Dialer
	pending *Pending
	inbox   *events.Bus[Message]

	mu   sync.Mutex
	conn *websocket.Conn
	user AuthSuccessPayload
}

// NewRealtime creates a client. Call Connect to dial.
func NewRealtime(opts RealtimeOptions, log zerolog.Logger) *Realtime {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval * 2
	}
	return &Realtime{
		opts:    opts,
		log:     log,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		pending: NewPending(),
		inbox:   events.NewBus[Message](64),
	}
}

// Connect dials, authenticates and starts reading. It returns once the server
// has confirmed the token.
func (r *Realtime) Connect(ctx context.Context) error {
	conn, _, err := r.dialer.DialContext(ctx, r.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial chat: %w", err)
	}
	if err := writeFrame(conn, EventAuth, AuthPayload{Token: r.opts.Token}); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	}
	var f Frame
	if err := conn.ReadJSON(&f); err != nil {
		conn.Close()
		return fmt.Errorf("read auth reply: %w", err)
	}
	switch f.Type {
	case EventAuthSuccess:
	case EventError:
		var e ErrorPayload
		_ = json.Unmarshal(f.Payload, &e)
		conn.Close()
		return fmt.Errorf("%w: %s", ErrAuthFailed, e.Message)
	default:
		conn.Close()
		return fmt.Errorf("unexpected reply %q to auth", f.Type)
	}

	var user AuthSuccessPayload
	_ = json.Unmarshal(f.Payload, &user)

	r.mu.Lock()
	r.conn = conn
	r.user = user
	r.mu.Unlock()
	r.log.Info().Str("user", user.UserID).Msg("chat connected")

	stop := make(chan struct{})
	go r.pingLoop(conn, stop)
	go func() {
		err := r.readLoop(conn)
		close(stop)
		r.drop(conn)
		failed := r.pending.FailAll()
		r.log.Info().Err(err).Int("failedSends", failed).Msg("chat disconnected")
	}()
	return nil
}

// Connected reports whether the connection is up.
func (r *Realtime) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Messages streams every message.new that is not an echo of one of our sends.
func (r *Realtime) Messages() (<-chan Message, func()) {
	return r.inbox.Subscribe()
}

// Send writes a message and waits for the server to echo it back. It fails
// with ErrNotConnected if the connection is down or drops before the echo.
func (r *Realtime) Send(ctx context.Context, target Target, text string, kind Kind) (Message, error) {
	if err := target.validate(); err != nil {
		return Message{}, err
	}
	tempID := uuid.NewString()
	echo := r.pending.Add(tempID)

	r.mu.Lock()
	conn := r.conn
	var err error
	if conn == nil {
		err = ErrNotConnected
	} else {
		err = writeFrame(conn, EventMessageSend, SendPayload{Target: target, BodyText: text, Kind: kind, TempID: tempID})
	}
	r.mu.Unlock()
	if err != nil {
		r.pending.Cancel(tempID)
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	select {
	case m, ok := <-echo:
		if !ok {
			return Message{}, fmt.Errorf("send message: connection lost: %w", ErrNotConnected)
		}
		return m, nil
	case <-ctx.Done():
		r.pending.Cancel(tempID)
		return Message{}, ctx.Err()
	}
}

// Close shuts the connection down.
func (r *Realtime) Close() {
	r.mu.Lock()
	if r.conn != nil {
		_ = r.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		r.conn.Close()
		r.conn = nil
	}
	r.mu.Unlock()
	r.inbox.Close()
}

func (r *Realtime) drop(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	conn.Close()
}

func writeFrame(conn *websocket.Conn, eventType string, payload any) error {
	f, err := newFrame(eventType, payload)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

func (r *Realtime) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))

		switch f.Type {
		case EventMessageNew:
			var m Message
			if err := json.Unmarshal(f.Payload, &m); err != nil {
				r.log.Warn().Err(err).Msg("decode message.new")
				continue
			}
			if r.pending.Resolve(m) {
				continue
			}
			r.inbox.Publish(m)
		case EventError:
			var e ErrorPayload
			_ = json.Unmarshal(f.Payload, &e)
			r.log.Warn().Str("code", e.Code).Str("message", e.Message).Msg("chat server error")
		default:
			r.log.Debug().Str("type", f.Type).Msg("unhandled chat event")
		}
	}
}

func (r *Realtime) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			r.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
