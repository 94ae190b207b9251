package postgres

import (
	"context"
	"fmt"
	"time"
)

// Enter puts channel into active mode, refreshing it when already
// present.
func (s *Store) Enter(ctx context.Context, channel, instance string) error {
	now := time.Now().Unix()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO active_modes (channel_id, entered_at, last_activity, instance_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (channel_id) DO UPDATE SET last_activity = EXCLUDED.last_activity, instance_id = EXCLUDED.instance_id`,
		channel, now, now, instance)
	if err != nil {
		return fmt.Errorf("active enter: %w", err)
	}
	s.logger.Debug("postgres: active mode entered", "channel", channel, "instance", instance)
	return nil
}

// Touch bumps last_activity; a channel not in active mode stays out.
func (s *Store) Touch(ctx context.Context, channel string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE active_modes SET last_activity = $1 WHERE channel_id = $2`,
		time.Now().Unix(), channel)
	if err != nil {
		return fmt.Errorf("active touch: %w", err)
	}
	return nil
}

// Exit leaves active mode explicitly. Exiting an inactive channel is a
// no-op.
func (s *Store) Exit(ctx context.Context, channel string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM active_modes WHERE channel_id = $1`, channel)
	if err != nil {
		return fmt.Errorf("active exit: %w", err)
	}
	return nil
}

// IsActive reports whether channel has activity within timeout.
func (s *Store) IsActive(ctx context.Context, channel string, timeout time.Duration) (bool, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM active_modes WHERE channel_id = $1 AND last_activity > $2`,
		channel, cutoff).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("active check: %w", err)
	}
	return n > 0, nil
}

// ListActive returns channels with activity within timeout.
func (s *Store) ListActive(ctx context.Context, timeout time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	rows, err := s.pool.Query(ctx,
		`SELECT channel_id FROM active_modes WHERE last_activity > $1 ORDER BY channel_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("active list: %w", err)
	}
	defer rows.Close()
	var channels []string
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, fmt.Errorf("scan active channel: %w", err)
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Reap evicts channels idle longer than timeout and returns how many.
func (s *Store) Reap(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-timeout).Unix()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM active_modes WHERE last_activity <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("active reap: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
