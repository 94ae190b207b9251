package chorus

import (
	"context"
	"log/slog"
	"time"
)

// DefaultClaimTTL bounds how long a reply claim stays live without
// being released. A crashed peer's claim expires on its own.
const DefaultClaimTTL = 30 * time.Second

// ClaimStore grants at most one live claim per (channel, message)
// across all peer instances. Implementations delete expired rows and
// insert in one transaction so the uniqueness check races nowhere.
type ClaimStore interface {
	// TryClaim attempts to take the claim. false means another
	// instance holds a non-expired claim, a normal signal rather than an
	// error.
	TryClaim(ctx context.Context, channel string, messageID int64, instance string, ttl time.Duration) (bool, error)

	// Release deletes the claim only if instance owns it.
	Release(ctx context.Context, channel string, messageID int64, instance string) error

	// SweepExpired removes dead claims and returns how many.
	SweepExpired(ctx context.Context) (int, error)
}

// ClaimSweeper periodically clears expired claims. TryClaim already
// cleans opportunistically; the sweeper keeps the table small when the
// bus is quiet.
type ClaimSweeper struct {
	store    ClaimStore
	interval time.Duration
	logger   *slog.Logger
}

// SweepOption configures a ClaimSweeper.
type SweepOption func(*ClaimSweeper)

// WithSweepInterval sets the sweep period. Default: 1s (≤1 Hz).
func WithSweepInterval(d time.Duration) SweepOption {
	return func(s *ClaimSweeper) { s.interval = d }
}

// WithSweepLogger sets a structured logger for sweep results.
func WithSweepLogger(l *slog.Logger) SweepOption {
	return func(s *ClaimSweeper) { s.logger = l }
}

// NewClaimSweeper creates a sweeper over store.
func NewClaimSweeper(store ClaimStore, opts ...SweepOption) *ClaimSweeper {
	s := &ClaimSweeper{store: store, interval: time.Second, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start runs the sweep loop. Blocks until ctx is cancelled; returns nil
// on clean shutdown.
func (s *ClaimSweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.store.SweepExpired(ctx)
			if err != nil {
				s.logger.Warn("claim sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Debug("claim sweep", "expired", n)
			}
		}
	}
}
