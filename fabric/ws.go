package fabric

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyonlabs/chorus"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 45 * time.Second
	maxFrameSize = 64 * 1024
)

// TokenHash returns the hex SHA-256 digest of a bearer token. Tokens
// are stored hashed; the plaintext only travels on the wire.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Server upgrades websocket clients, authenticates them by token, and
// bridges frames between connections and the Hub.
type Server struct {
	hub      *Hub
	store    chorus.ChatStore
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a structured logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a websocket server over a hub and its store.
func NewServer(hub *Hub, store chorus.ChatStore, opts ...ServerOption) *Server {
	s := &Server{
		hub:   hub,
		store: store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP handles GET /ws?token=... upgrade requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	user, err := s.store.UserByToken(r.Context(), TokenHash(token))
	if err != nil {
		if errors.Is(err, chorus.ErrNotFound) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		http.Error(w, "auth lookup failed", http.StatusInternalServerError)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", "error", err)
		return
	}
	s.serve(ws, user)
}

// serve runs one authenticated connection until it closes.
func (s *Server) serve(ws *websocket.Conn, user chorus.User) {
	c := newConn(user.ID, user.Username, func() { ws.Close() })
	s.hub.register(c)
	defer s.hub.unregister(c)

	go s.writeLoop(ws, c)

	if err := s.sendConnected(c, user); err != nil {
		s.logger.Warn("connected frame failed", "username", user.Username, "error", err)
		return
	}
	s.readLoop(ws, c, user)
}

// sendConnected queues the single handshake frame carrying the user's
// identity, their rooms, and the full user roster.
func (s *Server) sendConnected(c *conn, user chorus.User) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rooms, err := s.store.RoomsFor(ctx, user.ID)
	if err != nil {
		return err
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	s.hub.enqueue(c, OutFrame{
		Type:  FrameConnected,
		User:  &user,
		Rooms: rooms,
		Users: users,
	}.encode())
	return nil
}

// writeLoop drains the connection's send queue onto the socket with a
// write deadline, pinging on idle.
func (s *Server) writeLoop(ws *websocket.Conn, c *conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(time.Second))
			return
		case frame := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.hub.unregister(c)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.unregister(c)
				return
			}
		}
	}
}

// readLoop decodes inbound frames and dispatches them until the socket
// closes.
func (s *Server) readLoop(ws *websocket.Conn, c *conn, user chorus.User) {
	ws.SetReadLimit(maxFrameSize)
	ws.SetReadDeadline(time.Now().Add(pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var in InFrame
		if err := json.Unmarshal(data, &in); err != nil {
			s.hub.enqueue(c, OutFrame{Type: FrameError, Error: "malformed frame"}.encode())
			continue
		}
		s.handleFrame(c, user, in)
	}
}

// handleFrame processes one decoded client frame. Membership failures
// are a silent drop: the client learns nothing about rooms it is not
// part of.
func (s *Server) handleFrame(c *conn, user chorus.User, in InFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	switch in.Type {
	case FrameMessage:
		if in.RoomID == "" || in.Content == "" {
			s.hub.enqueue(c, OutFrame{Type: FrameError, Error: "message requires room_id and content"}.encode())
			return
		}
		ok, err := s.store.IsMember(ctx, in.RoomID, user.ID)
		if err != nil || !ok {
			return
		}
		if _, err := s.hub.PostMessage(ctx, in.RoomID, user, in.Content); err != nil {
			s.logger.Warn("post failed", "room", in.RoomID, "error", err)
			s.hub.enqueue(c, OutFrame{Type: FrameError, Error: "message not delivered"}.encode())
		}

	case FrameHistory:
		if in.RoomID == "" {
			s.hub.enqueue(c, OutFrame{Type: FrameError, Error: "history requires room_id"}.encode())
			return
		}
		ok, err := s.store.IsMember(ctx, in.RoomID, user.ID)
		if err != nil || !ok {
			return
		}
		msgs, hasMore, err := s.store.History(ctx, in.RoomID, in.BeforeID, in.Limit)
		if err != nil {
			s.logger.Warn("history failed", "room", in.RoomID, "error", err)
			s.hub.enqueue(c, OutFrame{Type: FrameError, Error: "history unavailable"}.encode())
			return
		}
		s.hub.enqueue(c, OutFrame{
			Type:     FrameHistory,
			RoomID:   in.RoomID,
			Messages: msgs,
			HasMore:  hasMore,
		}.encode())

	case FrameTyping:
		if in.RoomID == "" {
			return
		}
		ok, err := s.store.IsMember(ctx, in.RoomID, user.ID)
		if err != nil || !ok {
			return
		}
		s.hub.broadcastTyping(ctx, in.RoomID, user.Username)

	default:
		s.hub.enqueue(c, OutFrame{Type: FrameError, Error: "unknown frame type"}.encode())
	}
}

// bearerToken extracts a token from an Authorization: Bearer header.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}
