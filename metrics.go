package chorus

import "time"

// Metrics receives measurement events from the dispatch pipeline. The
// observer package provides an OTEL-backed implementation; components
// default to a no-op sink when none is configured.
type Metrics interface {
	// BatchFlushed fires when the debouncer hands a drained batch to
	// the dispatcher.
	BatchFlushed(channel string, size int)
	// ClaimWon and ClaimLost report the outcome of the reply claim.
	ClaimWon(channel string)
	ClaimLost(channel string)
	// TurnCompleted fires after a reply was delivered; elapsed covers
	// claim through broadcast.
	TurnCompleted(channel string, elapsed time.Duration)
	// TurnSkipped fires when a claimed batch produced no reply.
	TurnSkipped(channel string)
	// ReplySent reports one delivered reply and its chunk count.
	ReplySent(channel string, chunks int)
	// WorkerInvoked reports one completed worker run.
	WorkerInvoked(session string, elapsed time.Duration)
	// SessionRestarted fires when a session hit a bound and was
	// re-seeded. reason is one of max_context, max_turns, max_idle.
	SessionRestarted(session, reason string)
	// RecallCompleted reports one layer fan-out.
	RecallCompleted(elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) BatchFlushed(string, int)            {}
func (nopMetrics) ClaimWon(string)                     {}
func (nopMetrics) ClaimLost(string)                    {}
func (nopMetrics) TurnCompleted(string, time.Duration) {}
func (nopMetrics) TurnSkipped(string)                  {}
func (nopMetrics) ReplySent(string, int)               {}
func (nopMetrics) WorkerInvoked(string, time.Duration) {}
func (nopMetrics) SessionRestarted(string, string)     {}
func (nopMetrics) RecallCompleted(time.Duration)       {}

var _ Metrics = nopMetrics{}
