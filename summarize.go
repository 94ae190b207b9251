package chorus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Summarizer defaults.
const (
	DefaultSummarizeInterval  = 10 * time.Minute
	DefaultSummarizeThreshold = 40
	DefaultSummarizeBatch     = 60
)

// SummaryHook is called after each summarization pass, success or
// failure. Use it to route notifications without coupling the
// Summarizer to a destination.
type SummaryHook func(s Summary, err error)

// Summarizer periodically folds the unsummarized message backlog into
// Summary records via a worker invocation, keeping the ambient-recall
// health block out of the critical band.
type Summarizer struct {
	ledger    Ledger
	invoker   *Invoker
	interval  time.Duration
	threshold int
	batch     int
	onSummary SummaryHook
	logger    *slog.Logger
}

// SummarizerOption configures a Summarizer.
type SummarizerOption func(*Summarizer)

// WithSummarizeInterval sets the polling interval. Default: 10 minutes.
func WithSummarizeInterval(d time.Duration) SummarizerOption {
	return func(s *Summarizer) { s.interval = d }
}

// WithSummarizeThreshold sets how many unsummarized messages must
// accumulate before a pass runs.
func WithSummarizeThreshold(n int) SummarizerOption {
	return func(s *Summarizer) { s.threshold = n }
}

// WithSummarizeBatch caps how many messages one pass condenses.
func WithSummarizeBatch(n int) SummarizerOption {
	return func(s *Summarizer) { s.batch = n }
}

// WithOnSummary registers a hook called after each pass.
func WithOnSummary(hook SummaryHook) SummarizerOption {
	return func(s *Summarizer) { s.onSummary = hook }
}

// WithSummarizeLogger sets a structured logger.
func WithSummarizeLogger(l *slog.Logger) SummarizerOption {
	return func(s *Summarizer) { s.logger = l }
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(ledger Ledger, invoker *Invoker, opts ...SummarizerOption) *Summarizer {
	s := &Summarizer{
		ledger:    ledger,
		invoker:   invoker,
		interval:  DefaultSummarizeInterval,
		threshold: DefaultSummarizeThreshold,
		batch:     DefaultSummarizeBatch,
		logger:    nopLogger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start begins the polling loop. Blocks until ctx is cancelled.
// Returns nil on clean shutdown.
func (s *Summarizer) Start(ctx context.Context) error {
	for {
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error("summarization pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.interval):
		}
	}
}

// RunOnce performs a single pass: skip when the backlog is below the
// threshold, otherwise condense one batch and mark it summarized.
// Returns true when a summary was written.
func (s *Summarizer) RunOnce(ctx context.Context) (bool, error) {
	count, err := s.ledger.CountUnsummarized(ctx)
	if err != nil {
		return false, fmt.Errorf("summarize count: %w", err)
	}
	if count < s.threshold {
		return false, nil
	}

	msgs, err := s.ledger.GetUnsummarized(ctx, s.batch)
	if err != nil {
		return false, fmt.Errorf("summarize fetch: %w", err)
	}
	if len(msgs) == 0 {
		return false, nil
	}

	started := time.Now()
	text, err := s.invoker.InvokeWithRetry(ctx, summaryPrompt(msgs), InvokeOptions{
		SessionKey: "reflect:summarize",
	}, halvePrompt, 2)
	if err != nil {
		if s.onSummary != nil {
			s.onSummary(Summary{}, err)
		}
		return false, fmt.Errorf("summarize invoke: %w", err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return false, fmt.Errorf("summarize invoke: empty summary")
	}

	summary := Summary{
		Text:         text,
		StartID:      msgs[0].ID,
		EndID:        msgs[len(msgs)-1].ID,
		MessageCount: len(msgs),
		Channels:     distinctChannels(msgs),
		TimeStart:    msgs[0].CreatedAt,
		TimeEnd:      msgs[len(msgs)-1].CreatedAt,
		Kind:         "rolling",
		CreatedAt:    NowUnix(),
	}
	id, err := s.ledger.InsertSummary(ctx, summary)
	if err != nil {
		return false, fmt.Errorf("summarize insert: %w", err)
	}
	summary.ID = id
	if err := s.ledger.MarkSummarized(ctx, summary.StartID, summary.EndID, id); err != nil {
		return false, fmt.Errorf("summarize mark: %w", err)
	}

	s.logger.Info("summarization pass complete",
		"messages", len(msgs),
		"summary_id", id,
		"remaining", count-len(msgs),
		"duration", time.Since(started))
	if s.onSummary != nil {
		s.onSummary(summary, nil)
	}
	return true, nil
}

func summaryPrompt(msgs []Message) string {
	var b strings.Builder
	b.WriteString("Condense the following conversation excerpt into a short factual summary. ")
	b.WriteString("Keep names, decisions, and open threads. Omit greetings and filler.\n\n")
	for _, m := range msgs {
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.Channel, m.AuthorName, m.Content))
	}
	return b.String()
}

func distinctChannels(msgs []Message) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range msgs {
		if !seen[m.Channel] {
			seen[m.Channel] = true
			out = append(out, m.Channel)
		}
	}
	return out
}
