package chorus

import (
	"context"
	"log/slog"
	"time"
)

// DefaultActiveModeTimeout evicts a channel from active mode after this
// much inactivity.
const DefaultActiveModeTimeout = 10 * time.Minute

// ActiveModeStore persists per-channel engagement state so restarts
// recover the active set. Presence of a row means the channel is in
// active mode.
type ActiveModeStore interface {
	// Enter puts channel into active mode (or refreshes it).
	Enter(ctx context.Context, channel, instance string) error

	// Touch bumps last_activity; no-op when the channel is not active.
	Touch(ctx context.Context, channel string) error

	// Exit leaves active mode explicitly.
	Exit(ctx context.Context, channel string) error

	// IsActive reports whether channel is active within timeout.
	IsActive(ctx context.Context, channel string, timeout time.Duration) (bool, error)

	// ListActive returns channels whose last_activity is within
	// timeout of now.
	ListActive(ctx context.Context, timeout time.Duration) ([]string, error)

	// Reap evicts channels idle longer than timeout; returns how many.
	Reap(ctx context.Context, timeout time.Duration) (int, error)
}

// ActiveModeReaper evicts stale active modes on a fixed cadence.
type ActiveModeReaper struct {
	store    ActiveModeStore
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// ReaperOption configures an ActiveModeReaper.
type ReaperOption func(*ActiveModeReaper)

// WithReapTimeout sets the inactivity timeout. Default: 10 minutes.
func WithReapTimeout(d time.Duration) ReaperOption {
	return func(r *ActiveModeReaper) { r.timeout = d }
}

// WithReapInterval sets how often the reaper runs. Default: 1 minute.
func WithReapInterval(d time.Duration) ReaperOption {
	return func(r *ActiveModeReaper) { r.interval = d }
}

// WithReapLogger sets a structured logger for evictions.
func WithReapLogger(l *slog.Logger) ReaperOption {
	return func(r *ActiveModeReaper) { r.logger = l }
}

// NewActiveModeReaper creates a reaper over store.
func NewActiveModeReaper(store ActiveModeStore, opts ...ReaperOption) *ActiveModeReaper {
	r := &ActiveModeReaper{
		store:    store,
		timeout:  DefaultActiveModeTimeout,
		interval: time.Minute,
		logger:   nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start runs the reap loop. Blocks until ctx is cancelled; returns nil
// on clean shutdown.
func (r *ActiveModeReaper) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.store.Reap(ctx, r.timeout)
			if err != nil {
				r.logger.Warn("active mode reap failed", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("active mode reaped", "evicted", n, "timeout", r.timeout)
			}
		}
	}
}
