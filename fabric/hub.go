package fabric

import (
	"context"
	"log/slog"
	"sync"

	"github.com/halcyonlabs/chorus"
)

// sendBuffer is the per-connection outbound queue. A consumer that
// falls this far behind is disconnected rather than allowed to stall
// the hub.
const sendBuffer = 64

// FanoutFunc receives every persisted chat message for downstream
// ingestion. Called on its own goroutine; it must never block a reply.
type FanoutFunc func(m chorus.ChatMessage)

// conn is one live client connection inside the hub. The transport
// (websocket) drains send; the hub only ever enqueues. send is never
// closed, so concurrent enqueues cannot panic; done signals teardown.
type conn struct {
	userID   string
	username string
	send     chan []byte
	done     chan struct{}
	closeFn  func()
	once     sync.Once
}

func newConn(userID, username string, closeFn func()) *conn {
	return &conn{
		userID:   userID,
		username: username,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		closeFn:  closeFn,
	}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		if c.closeFn != nil {
			c.closeFn()
		}
	})
}

// Hub tracks open connections and routes frames to room members. A
// user is online iff at least one of their connections is open.
type Hub struct {
	store  chorus.ChatStore
	fanout FanoutFunc

	mu    sync.RWMutex
	conns map[*conn]bool
	// byUser counts connections per user for presence edges.
	byUser map[string]int

	logger *slog.Logger
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithFanout installs the downstream message hook.
func WithFanout(fn FanoutFunc) HubOption {
	return func(h *Hub) { h.fanout = fn }
}

// WithHubLogger sets a structured logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

// NewHub creates a Hub over a chat store.
func NewHub(store chorus.ChatStore, opts ...HubOption) *Hub {
	h := &Hub{
		store:  store,
		conns:  make(map[*conn]bool),
		byUser: make(map[string]int),
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// register adds a connection and broadcasts the online edge when it is
// the user's first.
func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c] = true
	h.byUser[c.userID]++
	first := h.byUser[c.userID] == 1
	h.mu.Unlock()

	if first {
		h.broadcastPresence(c.userID, c.username, true, c)
	}
	h.logger.Debug("connection registered", "username", c.username)
}

// unregister removes a connection and broadcasts the offline edge on
// the user's last disconnect.
func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if !h.conns[c] {
		h.mu.Unlock()
		return
	}
	delete(h.conns, c)
	h.byUser[c.userID]--
	last := h.byUser[c.userID] == 0
	if last {
		delete(h.byUser, c.userID)
	}
	h.mu.Unlock()

	c.close()
	if last {
		h.broadcastPresence(c.userID, c.username, false, nil)
	}
	h.logger.Debug("connection unregistered", "username", c.username)
}

// Online reports whether a user has at least one open connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byUser[userID] > 0
}

// enqueue delivers a frame to one connection, disconnecting it when
// the buffer is full (slow consumer).
func (h *Hub) enqueue(c *conn, frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		h.logger.Warn("slow consumer dropped", "username", c.username)
		h.unregister(c)
	}
}

// broadcastPresence tells every other connection about an online edge.
func (h *Hub) broadcastPresence(userID, username string, online bool, except *conn) {
	frame := OutFrame{Type: FramePresence, Username: username, Online: online}.encode()
	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if c != except && c.userID != userID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		h.enqueue(c, frame)
	}
}

// broadcastToRoom delivers a frame to every open connection belonging
// to a member of the room.
func (h *Hub) broadcastToRoom(ctx context.Context, roomID string, frame []byte) error {
	members, err := h.store.MembersOf(ctx, roomID)
	if err != nil {
		return err
	}
	memberSet := make(map[string]bool, len(members))
	for _, id := range members {
		memberSet[id] = true
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if memberSet[c.userID] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.enqueue(c, frame)
	}
	return nil
}

// PostMessage persists a message and broadcasts it to room members.
// The caller must already have validated membership. Fan-out to the
// knowledge graph is best effort and never blocks the reply.
func (h *Hub) PostMessage(ctx context.Context, roomID string, user chorus.User, content string) (chorus.ChatMessage, error) {
	m := chorus.ChatMessage{
		RoomID:    roomID,
		UserID:    user.ID,
		Username:  user.Username,
		Content:   content,
		CreatedAt: chorus.NowUnix(),
	}
	id, err := h.store.InsertChatMessage(ctx, m)
	if err != nil {
		return chorus.ChatMessage{}, err
	}
	m.ID = id

	frame := OutFrame{Type: FrameMessage, RoomID: roomID, Message: &m}.encode()
	if err := h.broadcastToRoom(ctx, roomID, frame); err != nil {
		h.logger.Warn("broadcast failed", "room", roomID, "error", err)
	}
	if h.fanout != nil {
		go h.fanout(m)
	}
	return m, nil
}

// broadcastTyping tells room members someone is typing.
func (h *Hub) broadcastTyping(ctx context.Context, roomID, username string) {
	frame := OutFrame{Type: FrameTyping, RoomID: roomID, Username: username}.encode()
	if err := h.broadcastToRoom(ctx, roomID, frame); err != nil {
		h.logger.Warn("typing broadcast failed", "room", roomID, "error", err)
	}
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
