package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/halcyonlabs/chorus"
)

// CreateUser inserts a chat fabric account. Duplicate usernames fail.
func (s *Store) CreateUser(ctx context.Context, u chorus.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, display_name, is_bot, token_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.DisplayName, boolInt(u.IsBot), u.TokenHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.Username, err)
	}
	s.logger.Debug("sqlite: user created", "username", u.Username, "is_bot", u.IsBot)
	return nil
}

// UserByName looks an account up by unique username.
func (s *Store) UserByName(ctx context.Context, username string) (chorus.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, is_bot, token_hash, created_at
		 FROM users WHERE username = ?`, username))
}

// UserByToken looks an account up by its token hash.
func (s *Store) UserByToken(ctx context.Context, tokenHash string) (chorus.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, is_bot, token_hash, created_at
		 FROM users WHERE token_hash = ?`, tokenHash))
}

// ListUsers returns all accounts ordered by username.
func (s *Store) ListUsers(ctx context.Context) ([]chorus.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, display_name, is_bot, token_hash, created_at
		 FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	var users []chorus.User
	for rows.Next() {
		var u chorus.User
		var isBot int
		if err := rows.Scan(&u.ID, &u.Username, &u.DisplayName, &isBot, &u.TokenHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		u.IsBot = isBot != 0
		users = append(users, u)
	}
	return users, rows.Err()
}

// CreateRoom inserts a room and joins the creator, in one transaction.
func (s *Store) CreateRoom(ctx context.Context, r chorus.Room) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("create room begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, display_name, is_dm, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.DisplayName, boolInt(r.IsDM), r.CreatedBy, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("create room %s: %w", r.Name, err)
	}
	if r.CreatedBy != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
			r.ID, r.CreatedBy, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("create room join: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("create room commit: %w", err)
	}
	s.logger.Debug("sqlite: room created", "name", r.Name, "is_dm", r.IsDM)
	return nil
}

// RoomByID loads one room.
func (s *Store) RoomByID(ctx context.Context, id string) (chorus.Room, error) {
	var r chorus.Room
	var isDM int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, display_name, is_dm, created_by, created_at FROM rooms WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.DisplayName, &isDM, &r.CreatedBy, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return chorus.Room{}, chorus.ErrNotFound
	}
	if err != nil {
		return chorus.Room{}, fmt.Errorf("room by id: %w", err)
	}
	r.IsDM = isDM != 0
	return r, nil
}

// ListRooms returns all rooms ordered by name.
func (s *Store) ListRooms(ctx context.Context) ([]chorus.Room, error) {
	return s.queryRooms(ctx,
		`SELECT id, name, display_name, is_dm, created_by, created_at FROM rooms ORDER BY name`)
}

// RoomsFor returns rooms the user belongs to, ordered by name.
func (s *Store) RoomsFor(ctx context.Context, userID string) ([]chorus.Room, error) {
	return s.queryRooms(ctx,
		`SELECT r.id, r.name, r.display_name, r.is_dm, r.created_by, r.created_at
		 FROM rooms r JOIN room_members m ON m.room_id = r.id
		 WHERE m.user_id = ? ORDER BY r.name`, userID)
}

// Join adds a user to a room; already-joined is a no-op.
func (s *Store) Join(ctx context.Context, roomID, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (room_id, user_id, joined_at) VALUES (?, ?, ?)`,
		roomID, userID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	return nil
}

// IsMember reports room membership.
func (s *Store) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM room_members WHERE room_id = ? AND user_id = ?`,
		roomID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return n > 0, nil
}

// MembersOf returns the user ids joined to a room.
func (s *Store) MembersOf(ctx context.Context, roomID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM room_members WHERE room_id = ?`, roomID)
	if err != nil {
		return nil, fmt.Errorf("members of: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertChatMessage persists a room message and returns its id.
func (s *Store) InsertChatMessage(ctx context.Context, m chorus.ChatMessage) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages (room_id, user_id, username, content, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		m.RoomID, m.UserID, m.Username, m.Content, m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert chat message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert chat message id: %w", err)
	}
	return id, nil
}

// History pages room messages: newest-first internally, returned in
// ascending order, with a has-more flag. limit is clamped to
// chorus.HistoryMaxLimit.
func (s *Store) History(ctx context.Context, roomID string, beforeID int64, limit int) ([]chorus.ChatMessage, bool, error) {
	if limit <= 0 || limit > chorus.HistoryMaxLimit {
		limit = chorus.HistoryMaxLimit
	}
	query := `SELECT id, room_id, user_id, username, content, created_at
		 FROM chat_messages WHERE room_id = ?`
	args := []any{roomID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	// Fetch one extra row to learn whether more history exists.
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var msgs []chorus.ChatMessage
	for rows.Next() {
		var m chorus.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, false, fmt.Errorf("scan chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

func (s *Store) queryRooms(ctx context.Context, query string, args ...any) ([]chorus.Room, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()
	var out []chorus.Room
	for rows.Next() {
		var r chorus.Room
		var isDM int
		if err := rows.Scan(&r.ID, &r.Name, &r.DisplayName, &isDM, &r.CreatedBy, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		r.IsDM = isDM != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) scanUser(row *sql.Row) (chorus.User, error) {
	var u chorus.User
	var isBot int
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &isBot, &u.TokenHash, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return chorus.User{}, chorus.ErrNotFound
	}
	if err != nil {
		return chorus.User{}, fmt.Errorf("scan user: %w", err)
	}
	u.IsBot = isBot != 0
	return u, nil
}
