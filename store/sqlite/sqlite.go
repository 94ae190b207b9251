// Package sqlite implements the chorus ledger, claim store, active-mode
// registry, and chat store on a local SQLite file using the pure-Go
// driver. Zero CGO required. Full-text search uses an FTS5 virtual
// table kept in sync transactionally with every append.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/halcyonlabs/chorus"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store backs every persistence contract with one SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ chorus.Ledger = (*Store)(nil)
var _ chorus.ClaimStore = (*Store)(nil)
var _ chorus.ActiveModeStore = (*Store)(nil)
var _ chorus.ChatStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers opening independent
// connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		// sql.Open only fails when the driver is not registered; with
		// the blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			external_id TEXT UNIQUE,
			channel TEXT NOT NULL,
			author_id INTEGER,
			author_name TEXT NOT NULL,
			content TEXT NOT NULL,
			is_self INTEGER NOT NULL DEFAULT 0,
			is_bot INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			summary_id INTEGER,
			batch_id INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_summary ON messages(summary_id) WHERE summary_id IS NULL`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			text TEXT NOT NULL,
			start_id INTEGER NOT NULL,
			end_id INTEGER NOT NULL,
			message_count INTEGER NOT NULL,
			channels TEXT NOT NULL,
			time_start INTEGER NOT NULL,
			time_end INTEGER NOT NULL,
			kind TEXT NOT NULL DEFAULT 'rolling',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			channel_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			instance_id TEXT NOT NULL,
			claimed_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (channel_id, message_id)
		)`,
		`CREATE TABLE IF NOT EXISTS active_modes (
			channel_id TEXT PRIMARY KEY,
			entered_at INTEGER NOT NULL,
			last_activity INTEGER NOT NULL,
			instance_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			is_bot INTEGER NOT NULL DEFAULT 0,
			token_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			is_dm INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			joined_at INTEGER NOT NULL,
			PRIMARY KEY (room_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			username TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_room ON chat_messages(room_id, id)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// FTS5 full-text index over message bodies, kept in sync in the
	// same transaction as every append.
	_, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(message_id UNINDEXED, content, author_name, channel)`)
	if err != nil {
		return fmt.Errorf("create fts table: %w", err)
	}

	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// --- Ledger ---

// Append inserts a message and its FTS row in one transaction. A
// duplicate external_id leaves the ledger untouched and returns the
// existing row's id with inserted=false. An empty external_id is
// stored as NULL and never dedups.
func (s *Store) Append(ctx context.Context, m chorus.Message) (int64, bool, error) {
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("append begin: %w", err)
	}
	defer tx.Rollback()

	if m.ExternalID != "" {
		var existing int64
		err = tx.QueryRowContext(ctx,
			`SELECT id FROM messages WHERE external_id = ?`, m.ExternalID).Scan(&existing)
		if err == nil {
			return existing, false, nil
		}
		if err != sql.ErrNoRows {
			return 0, false, fmt.Errorf("append dedup check: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (external_id, channel, author_id, author_name, content, is_self, is_bot, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		nullIfEmpty(m.ExternalID), m.Channel, m.AuthorID, m.AuthorName, m.Content,
		boolInt(m.IsSelf), boolInt(m.IsBot), m.CreatedAt)
	if err != nil {
		return 0, false, fmt.Errorf("append insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("append id: %w", err)
	}

	// Keep FTS index in sync.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages_fts(message_id, content, author_name, channel) VALUES (?, ?, ?, ?)`,
		id, m.Content, m.AuthorName, m.Channel); err != nil {
		return 0, false, fmt.Errorf("append fts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("append commit: %w", err)
	}
	s.logger.Debug("sqlite: append ok",
		"id", id, "channel", m.Channel, "duration", time.Since(start))
	return id, true, nil
}

// GetRange returns messages in ascending id order. Channel matches by
// prefix; zero bounds are unbounded.
func (s *Store) GetRange(ctx context.Context, q chorus.RangeQuery) ([]chorus.Message, error) {
	start := time.Now()
	var (
		where []string
		args  []any
	)
	if q.Channel != "" {
		where = append(where, "channel LIKE ?")
		args = append(args, q.Channel+"%")
	}
	if q.BeforeID > 0 {
		where = append(where, "id < ?")
		args = append(args, q.BeforeID)
	}
	if q.SinceTS > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, q.SinceTS)
	}
	query := `SELECT ` + messageCols + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	s.logger.Debug("sqlite: get range ok", "returned", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// Search runs ranked full-text search using SQLite FTS5. Results are
// sorted by relevance (FTS5 rank is negative, closer to 0 = better).
func (s *Store) Search(ctx context.Context, query string, limit int) ([]chorus.ScoredMessage, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+prefixCols("m")+`, f.rank
		 FROM messages_fts f
		 JOIN messages m ON m.id = f.message_id
		 WHERE messages_fts MATCH ?
		 ORDER BY f.rank LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []chorus.ScoredMessage
	for rows.Next() {
		var m chorus.Message
		var rank float64
		if err := scanMessageRow(rows, &m, &rank); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		results = append(results, chorus.ScoredMessage{Message: m, Relevance: normalizeRank(rank)})
	}
	s.logger.Debug("sqlite: search ok", "returned", len(results), "duration", time.Since(start))
	return results, rows.Err()
}

// normalizeRank maps an FTS5 bm25 rank (negative, unbounded) onto
// (0, 1]. score/(1+score) keeps the ordering and saturates toward 1
// for very strong matches.
func normalizeRank(rank float64) float64 {
	score := -rank
	if score <= 0 {
		return 0
	}
	return score / (1 + score)
}

// CountUnsummarized counts messages not yet folded into a summary.
func (s *Store) CountUnsummarized(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE summary_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsummarized: %w", err)
	}
	return n, nil
}

// GetUnsummarized returns the most recent unsummarized messages in
// chronological order.
func (s *Store) GetUnsummarized(ctx context.Context, limit int) ([]chorus.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE summary_id IS NULL
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get unsummarized: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// MarkSummarized stamps every unsummarized message in [startID, endID]
// with the summary id.
func (s *Store) MarkSummarized(ctx context.Context, startID, endID, summaryID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET summary_id = ? WHERE id BETWEEN ? AND ? AND summary_id IS NULL`,
		summaryID, startID, endID)
	if err != nil {
		return fmt.Errorf("mark summarized: %w", err)
	}
	return nil
}

// InsertSummary stores a summary record and returns its id.
func (s *Store) InsertSummary(ctx context.Context, sum chorus.Summary) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries (text, start_id, end_id, message_count, channels, time_start, time_end, kind, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sum.Text, sum.StartID, sum.EndID, sum.MessageCount,
		strings.Join(sum.Channels, ","), sum.TimeStart, sum.TimeEnd, sum.Kind, sum.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert summary id: %w", err)
	}
	return id, nil
}

// RecentSummaries returns the newest summaries, most recent first.
func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]chorus.Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, start_id, end_id, message_count, channels, time_start, time_end, kind, created_at
		 FROM summaries ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	defer rows.Close()

	var out []chorus.Summary
	for rows.Next() {
		var sum chorus.Summary
		var channels string
		if err := rows.Scan(&sum.ID, &sum.Text, &sum.StartID, &sum.EndID, &sum.MessageCount,
			&channels, &sum.TimeStart, &sum.TimeEnd, &sum.Kind, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		if channels != "" {
			sum.Channels = strings.Split(channels, ",")
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// CountUningested counts messages not yet shipped to the graph.
func (s *Store) CountUningested(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE batch_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count uningested: %w", err)
	}
	return n, nil
}

// GetUningested returns the oldest messages not yet shipped to the
// graph, in chronological order.
func (s *Store) GetUningested(ctx context.Context, limit int) ([]chorus.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageCols+` FROM messages WHERE batch_id IS NULL
		 ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("get uningested: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkIngested stamps messages in [startID, endID] with a graph batch.
func (s *Store) MarkIngested(ctx context.Context, startID, endID, batchID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET batch_id = ? WHERE id BETWEEN ? AND ? AND batch_id IS NULL`,
		batchID, startID, endID)
	if err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}
	return nil
}

// Prune deletes already-summarized messages older than the cutoff,
// together with their FTS rows.
func (s *Store) Prune(ctx context.Context, olderThan int64) (int, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("prune begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages_fts WHERE message_id IN
		   (SELECT id FROM messages WHERE created_at < ? AND summary_id IS NOT NULL)`,
		olderThan); err != nil {
		return 0, fmt.Errorf("prune fts: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE created_at < ? AND summary_id IS NOT NULL`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("prune commit: %w", err)
	}
	s.logger.Debug("sqlite: prune ok", "removed", n, "duration", time.Since(start))
	return int(n), nil
}

// --- row helpers ---

const messageCols = `id, external_id, channel, author_id, author_name, content, is_self, is_bot, created_at, summary_id, batch_id`

func prefixCols(p string) string {
	parts := strings.Split(messageCols, ", ")
	for i := range parts {
		parts[i] = p + "." + parts[i]
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(r rowScanner, m *chorus.Message, extra ...any) error {
	var isSelf, isBot int
	var extID sql.NullString
	var summaryID, batchID sql.NullInt64
	dest := []any{&m.ID, &extID, &m.Channel, &m.AuthorID, &m.AuthorName,
		&m.Content, &isSelf, &isBot, &m.CreatedAt, &summaryID, &batchID}
	dest = append(dest, extra...)
	if err := r.Scan(dest...); err != nil {
		return err
	}
	m.ExternalID = extID.String
	m.IsSelf = isSelf != 0
	m.IsBot = isBot != 0
	if summaryID.Valid {
		m.SummaryID = &summaryID.Int64
	}
	if batchID.Valid {
		m.BatchID = &batchID.Int64
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]chorus.Message, error) {
	var msgs []chorus.Message
	for rows.Next() {
		var m chorus.Message
		if err := scanMessageRow(rows, &m); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func reverseMessages(msgs []chorus.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
