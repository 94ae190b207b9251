package chorus

import "context"

// HistoryMaxLimit caps one history page.
const HistoryMaxLimit = 200

// ChatStore persists the chat fabric's users, rooms, membership, and
// room messages. Implementations: store/sqlite.
type ChatStore interface {
	// Users. CreateUser fails on a duplicate username.
	CreateUser(ctx context.Context, u User) error
	UserByName(ctx context.Context, username string) (User, error)
	UserByToken(ctx context.Context, tokenHash string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)

	// Rooms. CreateRoom fails on a duplicate name; the creator is
	// joined automatically.
	CreateRoom(ctx context.Context, r Room) error
	RoomByID(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	RoomsFor(ctx context.Context, userID string) ([]Room, error)

	// Membership.
	Join(ctx context.Context, roomID, userID string) error
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	MembersOf(ctx context.Context, roomID string) ([]string, error)

	// Messages. History pages newest-first internally and returns
	// ascending order plus a has-more flag; limit is clamped to
	// HistoryMaxLimit.
	InsertChatMessage(ctx context.Context, m ChatMessage) (int64, error)
	History(ctx context.Context, roomID string, beforeID int64, limit int) ([]ChatMessage, bool, error)
}
