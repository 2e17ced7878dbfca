package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/studydash/callengine/internal/signal"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
	maxMessage = 64 << 10
)

// socket is one signaling connection.
type socket struct {
	id      string
	userID  string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	log     zerolog.Logger

	// room is guarded by Hub.mu.
	room string

	closeOnce sync.Once
	closed    chan struct{}
}

func newSocket(id string, conn *websocket.Conn, limiter *rate.Limiter, log zerolog.Logger) *socket {
	return &socket{
		id:      id,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		limiter: limiter,
		log:     log,
		closed:  make(chan struct{}),
	}
}

// emit queues a frame. A slow reader drops frames rather than blocking the hub.
func (s *socket) emit(event string, data any) {
	f, err := signal.NewFrame(event, data)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("marshal frame")
		return
	}
	msg, err := json.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal frame")
		return
	}
	select {
	case <-s.closed:
	case s.send <- msg:
	default:
		s.log.Warn().Str("event", event).Msg("send buffer full, dropping frame")
	}
}

func (s *socket) emitError(code, message string) {
	s.emit(signal.EventError, signal.ErrorData{Code: code, Message: message})
}

// close stops the write pump after it flushes what is queued.
func (s *socket) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

func (s *socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-s.closed:
			for {
				select {
				case msg := <-s.send:
					_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						return
					}
				default:
					_ = s.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames until the connection ends, then leaves the room.
func (s *socket) readPump(srv *Server) {
	defer func() {
		srv.hub.leave(s)
		s.close()
	}()

	s.conn.SetReadLimit(maxMessage)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f signal.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !srv.handleFrame(s, f) {
			return
		}
	}
}

var errAuthRequired = errors.New("authentication required")
