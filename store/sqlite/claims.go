package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TryClaim transactionally deletes expired rows then inserts the
// claim. A unique-constraint violation means another instance holds a
// live claim; that is a normal false, not an error.
func (s *Store) TryClaim(ctx context.Context, channel string, messageID int64, instance string, ttl time.Duration) (bool, error) {
	start := time.Now()
	now := time.Now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("try claim begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM claims WHERE expires_at <= ?`, now); err != nil {
		return false, fmt.Errorf("try claim expire: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO claims (channel_id, message_id, instance_id, claimed_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		channel, messageID, instance, now, now+int64(ttl.Seconds()))
	if err != nil {
		if isUniqueViolation(err) {
			s.logger.Debug("sqlite: claim contended",
				"channel", channel, "message_id", messageID, "duration", time.Since(start))
			return false, nil
		}
		return false, fmt.Errorf("try claim insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("try claim commit: %w", err)
	}
	s.logger.Debug("sqlite: claim taken",
		"channel", channel, "message_id", messageID, "instance", instance,
		"duration", time.Since(start))
	return true, nil
}

// Release deletes the claim only when instance owns it.
func (s *Store) Release(ctx context.Context, channel string, messageID int64, instance string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE channel_id = ? AND message_id = ? AND instance_id = ?`,
		channel, messageID, instance)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// SweepExpired removes dead claims and returns how many.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM claims WHERE expires_at <= ?`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("sweep expired: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// isUniqueViolation matches the driver's constraint-violation message;
// modernc.org/sqlite does not export typed errors for it.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: claims")
}
