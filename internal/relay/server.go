package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/studydash/callengine/internal/signal"
)

// Options configures a Server.
type Options struct {
	Namespace       string
	MaxParticipants int
	Tokens          *TokenService
	Roster          Roster
	AllowedOrigins  []string
	// Development serves POST /api/auth/login, which issues a token for any user id.
	Development bool
	// SignalsPerSec and SignalBurst limit send-signal per socket.
	SignalsPerSec float64
	SignalBurst   int
	// AuthTimeout bounds the wait for the auth frame when no token is in the query.
	AuthTimeout time.Duration
	Logger      zerolog.Logger
}

// Server is the relay's HTTP surface.
type Server struct {
	opts     Options
	hub      *Hub
	engine   *gin.Engine
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Namespace == "" {
		opts.Namespace = signal.DefaultNamespace
	}
	if opts.MaxParticipants < 2 {
		opts.MaxParticipants = 4
	}
	if opts.SignalsPerSec <= 0 {
		opts.SignalsPerSec = 50
	}
	if opts.SignalBurst <= 0 {
		opts.SignalBurst = 200
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Second
	}

	s := &Server{
		opts: opts,
		hub:  NewHub(opts.MaxParticipants, opts.Roster, opts.Logger.With().Str("component", "hub").Logger()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin checking is handled by middleware
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: opts.Logger,
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), OriginFilter(opts.AllowedOrigins))
	r.GET("/health", s.health)
	if opts.Development {
		r.POST("/api/auth/login", s.login)
	}
	r.GET(opts.Namespace, s.handleSocket)
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// Hub returns the room registry.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// OriginFilter rejects browser requests from origins not in allowed. An
// empty list allows every origin; requests without an Origin header pass.
func OriginFilter(allowed []string) gin.HandlerFunc {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(set) == 0 || origin == "" {
			c.Next()
			return
		}
		if _, ok := set[origin]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": gin.H{"code": "forbidden_origin", "message": "origin not allowed"}})
			return
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.hub.Rooms()})
}

type loginRequest struct {
	UserID   string `json:"user_id" binding:"required"`
	Username string `json:"username"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"code": signal.CodeBadRequest, "message": "user_id is required"}})
		return
	}
	token, expiresAt, err := s.opts.Tokens.Issue(req.UserID, req.Username)
	if err != nil {
		s.log.Error().Err(err).Msg("issue token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "internal", "message": "failed to generate token"}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"token": token, "expires_at": expiresAt}})
}

func (s *Server) handleSocket(c *gin.Context) {
	var userID string
	if token := c.Query("token"); token != "" {
		claims, err := s.opts.Tokens.Validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"code": signal.CodeAuthFailed, "message": "invalid token"}})
			return
		}
		userID = claims.UserID
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	id := uuid.NewString()
	sock := newSocket(id, conn,
		rate.NewLimiter(rate.Limit(s.opts.SignalsPerSec), s.opts.SignalBurst),
		s.log.With().Str("socket", id).Logger())
	sock.userID = userID
	if userID == "" {
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.AuthTimeout))
	}
	s.log.Info().Str("socket", id).Str("user", userID).Msg("socket connected")

	go sock.writePump()
	go sock.readPump(s)
}

// handleFrame processes one inbound frame. It returns false to close the socket.
func (s *Server) handleFrame(sock *socket, f signal.Frame) bool {
	if f.Event == signal.EventAuth {
		var d signal.AuthData
		_ = json.Unmarshal(f.Data, &d)
		claims, err := s.opts.Tokens.Validate(d.Token)
		if err != nil || (sock.userID != "" && claims.UserID != sock.userID) {
			sock.log.Warn().Err(err).Msg("auth failed")
			sock.emitError(signal.CodeAuthFailed, "invalid token")
			return false
		}
		if sock.userID == "" {
			sock.userID = claims.UserID
		}
		return true
	}
	if sock.userID == "" {
		sock.emitError(signal.CodeAuthFailed, errAuthRequired.Error())
		return false
	}

	switch f.Event {
	case signal.EventJoinRoom:
		var d signal.JoinRoomData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.RoomID == "" {
			sock.emitError(signal.CodeBadRequest, "roomId is required")
			return true
		}
		if d.UserID != "" && d.UserID != sock.userID {
			sock.log.Warn().Str("claimed", d.UserID).Str("user", sock.userID).Msg("join with foreign user id, using token user")
		}
		existing, err := s.hub.join(sock, d.RoomID)
		if errors.Is(err, ErrRoomFull) {
			sock.log.Info().Str("room", d.RoomID).Msg("room full")
			sock.emit(signal.EventRoomFull, struct{}{})
			return true
		}
		sock.emit(signal.EventRoomParticipants, signal.RoomParticipantsData{ExistingParticipants: existing})

	case signal.EventSendSignal:
		if !sock.limiter.Allow() {
			sock.emitError(signal.CodeRateLimited, "too many signals")
			return true
		}
		var d signal.SendSignalData
		if err := json.Unmarshal(f.Data, &d); err != nil || d.To == "" {
			sock.emitError(signal.CodeBadRequest, "to is required")
			return true
		}
		if err := s.hub.relay(sock, d.To, d.Signal); err != nil {
			sock.emitError(signal.CodeNotInRoom, err.Error())
		}

	default:
		sock.log.Debug().Str("event", f.Event).Msg("unknown event")
	}
	return true
}
