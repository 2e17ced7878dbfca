// Package signal is the client of the call-scoped signaling channel.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/studydash/callengine/internal/domain"
)

// DefaultNamespace is the path of the signaling endpoint.
const DefaultNamespace = "/video-call"

const writeWait = 5 * time.Second

// Options configures a Client.
type Options struct {
	// URL is the server base, e.g. ws://localhost:8080. http and https are accepted.
	URL       string
	Namespace string
	Token     string

	// ReconnectAttempts bounds consecutive retries after a drop or a failed dial.
	// OnConnectError fires once, when a terminal error arrives or retries run out.
	ReconnectAttempts int
	// ReconnectDelay is multiplied by the attempt number.
	ReconnectDelay time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
}

func (o *Options) setDefaults() {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.ReconnectAttempts < 0 {
		o.ReconnectAttempts = 0
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = o.PingInterval * 2
	}
}

// Client manages the WebSocket connection to the signaling server.
// Handler callbacks run on the client's goroutine.
type Client struct {
	opts    Options
	handler domain.Handler
	log     zerolog.Logger
	dialer  *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	conn *websocket.Conn

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// NewClient creates a signaling client. Call Start to connect.
func NewClient(opts Options, handler domain.Handler, log zerolog.Logger) *Client {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:    opts,
		handler: handler,
		log:     log,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Start connects in the background and keeps reconnecting until Close or a terminal error.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go func() {
			defer close(c.done)
			c.run()
		}()
	})
}

// Done is closed when the connection goroutine exits.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts down the connection. Handler callbacks stop once Close returns
// and the in-flight callback, if any, finishes.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	})
}

func (c *Client) closed() bool {
	return c.ctx.Err() != nil
}

// JoinRoom announces this client in a room.
func (c *Client) JoinRoom(roomID, userID string) error {
	return c.send(EventJoinRoom, JoinRoomData{RoomID: roomID, UserID: userID})
}

// SendSignal relays an SDP or ICE message to one socket.
func (c *Client) SendSignal(to string, sig domain.Signal) error {
	return c.send(EventSendSignal, SendSignalData{To: to, Signal: sig})
}

func (c *Client) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	msg, err := json.Marshal(Frame{Event: event, Data: raw})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("send %s: %w", event, domain.ErrSignalingChannelUnavailable)
	}
	c.log.Debug().Str("event", event).RawJSON("data", raw).Msg(">>>")
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path.Join("/", u.Path, c.opts.Namespace)
	q := u.Query()
	if c.opts.Token != "" {
		q.Set("token", c.opts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run() {
	failures := 0
	for {
		if c.closed() {
			return
		}

		err := c.connectAndServe()
		if c.closed() {
			return
		}

		var se *Error
		if !errors.As(err, &se) {
			se = &Error{Kind: KindNetwork, Err: err}
		}
		if se.Kind == KindRoomFull {
			c.Close()
			return
		}
		if se.Terminal() {
			c.handler.OnConnectError(se)
			c.Close()
			return
		}

		var dropped errConnected
		if errors.As(err, &dropped) {
			failures = 0
		}
		failures++
		if failures > c.opts.ReconnectAttempts {
			c.log.Warn().Int("attempts", c.opts.ReconnectAttempts).Msg("giving up reconnecting")
			c.handler.OnConnectError(se)
			c.Close()
			return
		}

		delay := time.Duration(failures) * c.opts.ReconnectDelay
		c.log.Info().Err(se).Int("attempt", failures).Dur("delay", delay).Msg("reconnecting")
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// errConnected tags errors that ended an established connection.
type errConnected struct{ err error }

func (e errConnected) Error() string { return e.err.Error() }
func (e errConnected) Unwrap() error { return e.err }

// connectAndServe dials, authenticates and reads until the connection ends.
// Drops are reported with OnDisconnect. Dial failures are left to run, which
// reports only the final one.
func (c *Client) connectAndServe() error {
	endpoint, err := c.endpoint()
	if err != nil {
		return &Error{Kind: KindNetwork, Err: err}
	}

	c.log.Info().Str("url", c.opts.URL).Str("namespace", c.opts.Namespace).Msg("connecting")
	conn, resp, err := c.dialer.DialContext(c.ctx, endpoint, nil)
	if err != nil {
		se := classifyDial(resp, err)
		c.log.Warn().Err(se).Msg("dial failed")
		return se
	}

	c.mu.Lock()
	if c.closed() {
		c.mu.Unlock()
		conn.Close()
		return c.ctx.Err()
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(EventAuth, AuthData{Token: c.opts.Token}); err != nil {
		c.dropConn(conn)
		return &Error{Kind: KindNetwork, Err: err}
	}

	c.log.Info().Msg("connected")
	c.handler.OnConnect()

	stop := make(chan struct{})
	go c.pingLoop(conn, stop)
	err = c.readLoop(conn)
	close(stop)
	c.dropConn(conn)

	var se *Error
	if errors.As(err, &se) && se.Terminal() {
		return se
	}
	if !c.closed() {
		c.log.Warn().Err(err).Msg("disconnected")
		c.handler.OnDisconnect(&Error{Kind: KindNetwork, Err: err})
	}
	return errConnected{err}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
}

func classifyDial(resp *http.Response, err error) *Error {
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return &Error{Kind: KindAuthRejected, Err: err}
		case http.StatusNotFound:
			return &Error{Kind: KindNamespaceUnavailable, Err: err}
		}
		return &Error{Kind: KindNetwork, Err: fmt.Errorf("%w: http %d", err, resp.StatusCode)}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("unmarshal frame")
			continue
		}
		c.log.Debug().Str("event", f.Event).RawJSON("data", orNull(f.Data)).Msg("<<<")

		if c.closed() {
			return c.ctx.Err()
		}
		if err := c.dispatch(f); err != nil {
			return err
		}
	}
}

func orNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// dispatch routes one inbound frame. A non-nil error ends the connection.
func (c *Client) dispatch(f Frame) error {
	switch f.Event {
	case EventRoomParticipants:
		var d RoomParticipantsData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn().Err(err).Msg("decode room-participants")
			return nil
		}
		c.handler.OnRoomParticipants(d.ExistingParticipants)

	case EventUserJoined:
		var d domain.RoomMember
		if err := json.Unmarshal(f.Data, &d); err != nil || d.SocketID == "" {
			c.log.Warn().Err(err).Msg("decode user-joined")
			return nil
		}
		c.handler.OnUserJoined(d)

	case EventReturnSignal:
		var d ReturnSignalData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.From == "" {
			c.log.Warn().Err(err).Msg("decode return-signal")
			return nil
		}
		c.handler.OnReturnSignal(d.From, d.Signal)

	case EventUserLeft:
		var d UserLeftData
		if err := json.Unmarshal(f.Data, &d); err != nil {
			c.log.Warn().Err(err).Msg("decode user-left")
			return nil
		}
		c.handler.OnUserLeft(d.SocketID)

	case EventRoomFull:
		c.log.Warn().Msg("room full")
		c.handler.OnRoomFull()
		return &Error{Kind: KindRoomFull}

	case EventError:
		var d ErrorData
		_ = json.Unmarshal(f.Data, &d)
		c.log.Warn().Str("code", d.Code).Str("message", d.Message).Msg("server error")
		if d.Code == CodeAuthFailed {
			return &Error{Kind: KindAuthRejected, Err: errors.New(d.Message)}
		}

	default:
		c.log.Debug().Str("event", f.Event).Msg("unhandled event")
	}
	return nil
}

func (c *Client) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
