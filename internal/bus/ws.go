package bus

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrUnauthenticated marks a handshake rejected before any room join.
var ErrUnauthenticated = errors.New("bus: unauthenticated")

// ServerOptions tune the websocket endpoint.
type ServerOptions struct {
	JWTSecret    string
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// Server accepts websocket connections, authenticates the bearer token at
// handshake, and joins each connection to its own agent room plus the
// global leaderboard room.
type Server struct {
	hub      *Hub
	opts     ServerOptions
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer constructs the websocket server over a hub.
func NewServer(hub *Hub, opts ServerOptions, logger zerolog.Logger) *Server {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	return &Server{
		hub:  hub,
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger.With().Str("component", "ws_server").Logger(),
	}
}

// Handler returns the http handler for the realtime endpoint.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID, err := s.authenticate(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("rejecting handshake")
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn().Err(err).Msg("websocket upgrade failed")
			return
		}

		sub := s.hub.Subscribe(AgentRoom(agentID), LeaderboardRoom)
		s.logger.Info().Int64("agent_id", agentID).Str("remote", r.RemoteAddr).Msg("subscriber connected")

		go s.writePump(conn, sub, agentID)
		go s.readPump(conn, sub, agentID)
	}
}

// authenticate extracts and validates the bearer token. The agent identity
// comes from the token's subject claim.
func (s *Server) authenticate(r *http.Request) (int64, error) {
	token := bearerToken(r)
	if token == "" {
		return 0, fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	}
	if s.opts.JWTSecret == "" {
		return 0, fmt.Errorf("%w: no secret configured", ErrUnauthenticated)
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.opts.JWTSecret), nil
	})
	if err != nil || !parsed.Valid {
		return 0, fmt.Errorf("%w: invalid token", ErrUnauthenticated)
	}

	subject, err := parsed.Claims.GetSubject()
	if err != nil || subject == "" {
		return 0, fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	agentID, err := strconv.ParseInt(subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: subject is not an agent id", ErrUnauthenticated)
	}
	return agentID, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Browser websocket clients cannot set headers; allow a query fallback.
	return r.URL.Query().Get("token")
}

func (s *Server) writePump(conn *websocket.Conn, sub *Subscriber, agentID int64) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case env, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteJSON(env); err != nil {
				s.logger.Debug().Err(err).Int64("agent_id", agentID).Msg("write failed, dropping subscriber")
				s.hub.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.Unsubscribe(sub)
				return
			}
		}
	}
}

// readPump discards inbound frames and detects the peer going away. The
// read deadline is refreshed on every pong, so a peer that stops answering
// the ping ticker is dropped once the deadline lapses.
func (s *Server) readPump(conn *websocket.Conn, sub *Subscriber, agentID int64) {
	defer func() {
		s.hub.Unsubscribe(sub)
		conn.Close()
		s.logger.Info().Int64("agent_id", agentID).Msg("subscriber disconnected")
	}()

	pongWait := s.opts.PingInterval + s.opts.WriteTimeout
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
