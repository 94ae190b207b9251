// Package postgres implements the chorus ledger on PostgreSQL with
// tsvector full-text search over message bodies.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyonlabs/chorus"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements chorus.Ledger backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var (
	_ chorus.Ledger          = (*Store)(nil)
	_ chorus.ClaimStore      = (*Store)(nil)
	_ chorus.ActiveModeStore = (*Store)(nil)
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables and indexes. Safe to call multiple
// times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			external_id TEXT UNIQUE,
			channel TEXT NOT NULL,
			author_id BIGINT NOT NULL DEFAULT 0,
			author_name TEXT NOT NULL,
			content TEXT NOT NULL,
			is_self BOOLEAN NOT NULL DEFAULT FALSE,
			is_bot BOOLEAN NOT NULL DEFAULT FALSE,
			created_at BIGINT NOT NULL,
			summary_id BIGINT,
			batch_id BIGINT
		)`,
		`CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages (channel, id)`,
		`CREATE INDEX IF NOT EXISTS messages_fts_idx ON messages USING gin(to_tsvector('english', content))`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id BIGSERIAL PRIMARY KEY,
			text TEXT NOT NULL,
			start_id BIGINT NOT NULL,
			end_id BIGINT NOT NULL,
			message_count INTEGER NOT NULL,
			channels TEXT NOT NULL DEFAULT '',
			time_start BIGINT NOT NULL,
			time_end BIGINT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'rolling',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS claims (
			channel_id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			instance_id TEXT NOT NULL,
			claimed_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (channel_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS claims_expires_idx ON claims (expires_at)`,
		`CREATE TABLE IF NOT EXISTS active_modes (
			channel_id TEXT PRIMARY KEY,
			entered_at BIGINT NOT NULL,
			last_activity BIGINT NOT NULL,
			instance_id TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres init: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is caller-owned.
func (s *Store) Close() error { return nil }

// Append inserts a message. ON CONFLICT on external_id makes the
// duplicate path a single round trip. An empty external_id is stored
// as NULL and never dedups.
func (s *Store) Append(ctx context.Context, m chorus.Message) (int64, bool, error) {
	start := time.Now()
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (external_id, channel, author_id, author_name, content, is_self, is_bot, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (external_id) DO NOTHING
		 RETURNING id`,
		nullIfEmpty(m.ExternalID), m.Channel, m.AuthorID, m.AuthorName, m.Content,
		m.IsSelf, m.IsBot, m.CreatedAt).Scan(&id)
	if err == nil {
		s.logger.Debug("postgres: append ok", "id", id, "channel", m.Channel, "duration", time.Since(start))
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("append: %w", err)
	}
	// Conflict: fetch the existing row's id.
	err = s.pool.QueryRow(ctx,
		`SELECT id FROM messages WHERE external_id = $1`, m.ExternalID).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("append dedup lookup: %w", err)
	}
	return id, false, nil
}

// GetRange returns messages in ascending id order.
func (s *Store) GetRange(ctx context.Context, q chorus.RangeQuery) ([]chorus.Message, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.Channel != "" {
		where = append(where, "channel LIKE "+arg(q.Channel+"%"))
	}
	if q.BeforeID > 0 {
		where = append(where, "id < "+arg(q.BeforeID))
	}
	if q.SinceTS > 0 {
		where = append(where, "created_at >= "+arg(q.SinceTS))
	}
	query := `SELECT ` + messageCols + ` FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get range: %w", err)
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Search runs ranked full-text search using websearch_to_tsquery, so
// the query syntax is the familiar quoted-phrase/OR/minus web style.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]chorus.ScoredMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+`,
		        ts_rank(to_tsvector('english', content), websearch_to_tsquery('english', $1)) AS score
		 FROM messages
		 WHERE to_tsvector('english', content) @@ websearch_to_tsquery('english', $1)
		 ORDER BY score DESC LIMIT $2`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []chorus.ScoredMessage
	for rows.Next() {
		var m chorus.Message
		var score float32
		if err := scanMessageRow(rows, &m, &score); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		// ts_rank sums lexeme weights and can exceed 1 on dense
		// matches; relevance is reported in [0, 1].
		rel := float64(score)
		if rel > 1 {
			rel = 1
		}
		results = append(results, chorus.ScoredMessage{Message: m, Relevance: rel})
	}
	return results, rows.Err()
}

func (s *Store) CountUnsummarized(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE summary_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsummarized: %w", err)
	}
	return n, nil
}

func (s *Store) GetUnsummarized(ctx context.Context, limit int) ([]chorus.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM (
		   SELECT `+messageCols+` FROM messages WHERE summary_id IS NULL
		   ORDER BY id DESC LIMIT $1
		 ) recent ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("get unsummarized: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) MarkSummarized(ctx context.Context, startID, endID, summaryID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET summary_id = $1 WHERE id BETWEEN $2 AND $3 AND summary_id IS NULL`,
		summaryID, startID, endID)
	if err != nil {
		return fmt.Errorf("mark summarized: %w", err)
	}
	return nil
}

func (s *Store) InsertSummary(ctx context.Context, sum chorus.Summary) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO summaries (text, start_id, end_id, message_count, channels, time_start, time_end, kind, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`,
		sum.Text, sum.StartID, sum.EndID, sum.MessageCount,
		strings.Join(sum.Channels, ","), sum.TimeStart, sum.TimeEnd, sum.Kind, sum.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert summary: %w", err)
	}
	return id, nil
}

func (s *Store) RecentSummaries(ctx context.Context, limit int) ([]chorus.Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, text, start_id, end_id, message_count, channels, time_start, time_end, kind, created_at
		 FROM summaries ORDER BY id DESC LIMIT $1`, limit)
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

func (s *Store) CountUningested(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE batch_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count uningested: %w", err)
	}
	return n, nil
}

func (s *Store) GetUningested(ctx context.Context, limit int) ([]chorus.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageCols+` FROM messages WHERE batch_id IS NULL
		 ORDER BY id ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("get uningested: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *Store) MarkIngested(ctx context.Context, startID, endID, batchID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE messages SET batch_id = $1 WHERE id BETWEEN $2 AND $3 AND batch_id IS NULL`,
		batchID, startID, endID)
	if err != nil {
		return fmt.Errorf("mark ingested: %w", err)
	}
	return nil
}

func (s *Store) Prune(ctx context.Context, olderThan int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM messages WHERE created_at < $1 AND summary_id IS NOT NULL`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

const messageCols = `id, external_id, channel, author_id, author_name, content, is_self, is_bot, created_at, summary_id, batch_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(r rowScanner, m *chorus.Message, extra ...any) error {
	var extID *string
	dest := []any{&m.ID, &extID, &m.Channel, &m.AuthorID, &m.AuthorName,
		&m.Content, &m.IsSelf, &m.IsBot, &m.CreatedAt, &m.SummaryID, &m.BatchID}
	dest = append(dest, extra...)
	if err := r.Scan(dest...); err != nil {
		return err
	}
	if extID != nil {
		m.ExternalID = *extID
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func scanMessages(rows pgx.Rows) ([]chorus.Message, error) {
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
