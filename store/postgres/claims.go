package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// TryClaim transactionally deletes expired rows then inserts the
// claim. A unique-constraint violation means another instance holds a
// live claim; that is a normal false, not an error.
func (s *Store) TryClaim(ctx context.Context, channel string, messageID int64, instance string, ttl time.Duration) (bool, error) {
	start := time.Now()
	now := time.Now().Unix()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("try claim begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM claims WHERE expires_at <= $1`, now); err != nil {
		return false, fmt.Errorf("try claim expire: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO claims (channel_id, message_id, instance_id, claimed_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		channel, messageID, instance, now, now+int64(ttl.Seconds()))
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Debug("postgres: claim contended",
				"channel", channel, "message_id", messageID, "duration", time.Since(start))
			return false, nil
		}
		return false, fmt.Errorf("try claim insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("try claim commit: %w", err)
	}
	s.logger.Debug("postgres: claim taken",
		"channel", channel, "message_id", messageID, "instance", instance,
		"duration", time.Since(start))
	return true, nil
}

// Release deletes the claim only when instance owns it.
func (s *Store) Release(ctx context.Context, channel string, messageID int64, instance string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM claims WHERE channel_id = $1 AND message_id = $2 AND instance_id = $3`,
		channel, messageID, instance)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// SweepExpired removes dead claims and returns how many.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM claims WHERE expires_at <= $1`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// isUniqueViolation matches SQLSTATE 23505 (unique_violation).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
