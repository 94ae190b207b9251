package fabric

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halcyonlabs/chorus"
)

// MessageHandler receives every chat message pushed to the client.
type MessageHandler func(room chorus.Room, m chorus.ChatMessage)

// Client is the daemon-side websocket client of the fabric. It dials
// fabricd with a bot token, keeps the room roster from the connected
// frame, pushes inbound messages to a handler, and implements the
// Broadcast side for replies.
type Client struct {
	endpoint string
	token    string

	mu    sync.Mutex
	ws    *websocket.Conn
	self  chorus.User
	rooms map[string]chorus.Room // by name

	logger *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets a structured logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a fabric client for endpoint ("ws://host:port/ws").
func NewClient(endpoint, token string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		token:    token,
		rooms:    make(map[string]chorus.Room),
		logger:   slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Dial connects and consumes the connected frame. It must be called
// before Listen or Broadcast.
func (c *Client) Dial(ctx context.Context) error {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return fmt.Errorf("fabric dial: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("fabric dial: %w", err)
	}

	var connected OutFrame
	ws.SetReadDeadline(time.Now().Add(writeTimeout))
	if err := ws.ReadJSON(&connected); err != nil {
		ws.Close()
		return fmt.Errorf("fabric dial: read connected frame: %w", err)
	}
	ws.SetReadDeadline(time.Time{})
	if connected.Type != FrameConnected || connected.User == nil {
		ws.Close()
		return fmt.Errorf("fabric dial: unexpected first frame %q", connected.Type)
	}

	c.mu.Lock()
	c.ws = ws
	c.self = *connected.User
	for _, r := range connected.Rooms {
		c.rooms[r.Name] = r
	}
	c.mu.Unlock()

	c.logger.Info("fabric connected",
		"username", connected.User.Username,
		"rooms", len(connected.Rooms))
	return nil
}

// Room returns the joined room with the given name.
func (c *Client) Room(name string) (chorus.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[name]
	return r, ok
}

// Self returns the authenticated bot identity.
func (c *Client) Self() chorus.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Listen reads frames until the connection drops or ctx ends. Message
// frames go to handler; presence and typing are ignored.
func (c *Client) Listen(ctx context.Context, handler MessageHandler) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("fabric listen: not connected")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-done:
		}
	}()

	for {
		var frame OutFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fabric listen: %w", err)
		}
		if frame.Type != FrameMessage || frame.Message == nil {
			continue
		}
		room, ok := c.roomByID(frame.Message.RoomID)
		if !ok {
			// A room joined after connect; keep a stub so channel
			// naming stays stable.
			room = chorus.Room{ID: frame.Message.RoomID, Name: frame.Message.RoomID}
		}
		handler(room, *frame.Message)
	}
}

// Broadcast posts content into the room named channel. Satisfies the
// dispatcher's Broadcaster contract.
func (c *Client) Broadcast(_ context.Context, channel, content string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("fabric broadcast: not connected")
	}
	room, ok := c.rooms[channel]
	if !ok {
		return fmt.Errorf("fabric broadcast: room %q: %w", channel, chorus.ErrNotFound)
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(InFrame{Type: FrameMessage, RoomID: room.ID, Content: content})
}

// Close tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	return err
}

func (c *Client) roomByID(id string) (chorus.Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.rooms {
		if r.ID == id {
			return r, true
		}
	}
	return chorus.Room{}, false
}
