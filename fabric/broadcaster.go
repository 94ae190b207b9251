package fabric

import (
	"context"
	"fmt"
	"sync"

	"github.com/halcyonlabs/chorus"
)

// DaemonBroadcaster delivers daemon replies into fabric rooms. The
// dispatcher addresses channels by room name; the broadcaster resolves
// names to room IDs, joining the daemon user on first delivery.
type DaemonBroadcaster struct {
	hub   *Hub
	store chorus.ChatStore
	user  chorus.User

	mu    sync.Mutex
	rooms map[string]string // room name -> id
}

// NewDaemonBroadcaster creates a broadcaster posting as user, which
// must already exist in the store.
func NewDaemonBroadcaster(hub *Hub, store chorus.ChatStore, user chorus.User) *DaemonBroadcaster {
	return &DaemonBroadcaster{
		hub:   hub,
		store: store,
		user:  user,
		rooms: make(map[string]string),
	}
}

// Broadcast posts content into the room named channel.
func (b *DaemonBroadcaster) Broadcast(ctx context.Context, channel, content string) error {
	roomID, err := b.resolve(ctx, channel)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	if _, err := b.hub.PostMessage(ctx, roomID, b.user, content); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// resolve maps a room name to its ID, caching hits and ensuring the
// daemon user is a member before the first post.
func (b *DaemonBroadcaster) resolve(ctx context.Context, name string) (string, error) {
	b.mu.Lock()
	id, ok := b.rooms[name]
	b.mu.Unlock()
	if ok {
		return id, nil
	}

	rooms, err := b.store.ListRooms(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range rooms {
		if r.Name == name {
			if err := b.store.Join(ctx, r.ID, b.user.ID); err != nil {
				return "", err
			}
			b.mu.Lock()
			b.rooms[name] = r.ID
			b.mu.Unlock()
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("room %q: %w", name, chorus.ErrNotFound)
}
