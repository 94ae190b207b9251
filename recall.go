package chorus

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory-health thresholds over the unsummarized backlog.
const (
	healthCriticalAbove    = 200
	healthRecommendedAbove = 100
)

// Startup preset limits.
const (
	startupSummaryLimit  = 5
	startupSummaryChars  = 500
	startupTurnLimit     = 50
	startupTurnBodyChars = 1000
)

// DefaultRecallLimit is the per-layer result cap when the caller gives none.
const DefaultRecallLimit = 5

// ClockBlock situates a recall bundle in time. Note is set during the
// late-night window (23:00–04:59) so prompts can acknowledge the hour.
type ClockBlock struct {
	Unix    int64  `json:"unix"`
	Display string `json:"display"`
	Note    string `json:"note,omitempty"`
}

// MemoryHealth is a qualitative read on the summarisation backlog.
type MemoryHealth struct {
	Status            string `json:"status"` // healthy | recommended | critical
	UnsummarizedCount int    `json:"unsummarized_count"`
	Message           string `json:"message,omitempty"`
}

// RecallBundle is the aggregated response of all memory layers to one
// query, plus ambient context. Summaries and UnsummarizedTurns are only
// populated for the startup preset.
type RecallBundle struct {
	Clock             ClockBlock     `json:"clock"`
	UnsummarizedCount int            `json:"unsummarized_count"`
	MemoryHealth      MemoryHealth   `json:"memory_health"`
	Results           []SearchResult `json:"results"`
	Summaries         []Summary      `json:"summaries,omitempty"`
	UnsummarizedTurns []Message      `json:"unsummarized_turns,omitempty"`
}

// Recaller fans a single query out to every registered memory layer
// and folds the answers into one relevance-ordered bundle.
type Recaller struct {
	layers  map[string]Layer
	ledger  Ledger
	now     func() time.Time
	tracer  Tracer
	metrics Metrics
	logger  *slog.Logger
}

// RecallOption configures a Recaller.
type RecallOption func(*Recaller)

// WithRecallLogger sets a structured logger.
func WithRecallLogger(l *slog.Logger) RecallOption {
	return func(r *Recaller) { r.logger = l }
}

// WithRecallTracer traces per-layer searches.
func WithRecallTracer(tr Tracer) RecallOption {
	return func(r *Recaller) { r.tracer = tr }
}

// WithRecallMetrics records fan-out latency.
func WithRecallMetrics(m Metrics) RecallOption {
	return func(r *Recaller) {
		if m != nil {
			r.metrics = m
		}
	}
}

// withRecallClock overrides the time source. Tests only.
func withRecallClock(now func() time.Time) RecallOption {
	return func(r *Recaller) { r.now = now }
}

// NewRecaller builds a Recaller over the given layers, keyed by layer
// name (LayerRaw, LayerAnchors, ...). The ledger supplies backlog
// counts and the startup preset data.
func NewRecaller(layers map[string]Layer, ledger Ledger, opts ...RecallOption) *Recaller {
	r := &Recaller{
		layers:  layers,
		ledger:  ledger,
		now:     time.Now,
		metrics: nopMetrics{},
		logger:  nopLogger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Recall runs the ambient-recall algorithm for a context string.
// "startup" (any case) is a preset, not a query: no layer search runs,
// and the recent-summaries and unsummarized-turns blocks are filled
// instead. A failing layer is logged and skipped; recall degrades, it
// does not fail.
func (r *Recaller) Recall(ctx context.Context, query string, limitPerLayer int) (*RecallBundle, error) {
	if limitPerLayer <= 0 {
		limitPerLayer = DefaultRecallLimit
	}
	started := time.Now()

	bundle := &RecallBundle{Clock: r.clock()}

	count, err := r.ledger.CountUnsummarized(ctx)
	if err != nil {
		r.logger.Warn("recall: unsummarized count failed", "error", err)
	}
	bundle.UnsummarizedCount = count
	bundle.MemoryHealth = healthFor(count)

	if strings.EqualFold(query, "startup") {
		if err := r.fillStartup(ctx, bundle); err != nil {
			return nil, err
		}
		r.logger.Debug("recall startup preset",
			"summaries", len(bundle.Summaries),
			"turns", len(bundle.UnsummarizedTurns),
			"duration", time.Since(started))
		return bundle, nil
	}

	bundle.Results = r.fanOut(ctx, query, limitPerLayer)
	r.metrics.RecallCompleted(time.Since(started))
	r.logger.Debug("recall complete",
		"query_len", len(query),
		"results", len(bundle.Results),
		"duration", time.Since(started))
	return bundle, nil
}

// fanOut searches every layer in parallel and merges the hits, stable-
// sorted by descending relevance so equal scores keep layer order.
func (r *Recaller) fanOut(ctx context.Context, query string, limit int) []SearchResult {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []SearchResult
	)
	for name, layer := range r.layers {
		wg.Add(1)
		go func(name string, layer Layer) {
			defer wg.Done()
			layerCtx, span := startSpan(r.tracer, ctx, "recall.layer", StringAttr("layer", name))
			defer span.End()
			hits, err := layer.Search(layerCtx, query, limit)
			if err != nil {
				r.logger.Warn("recall: layer search failed", "layer", name, "error", err)
				span.Error(err)
				return
			}
			span.SetAttr(IntAttr("hits", len(hits)))
			mu.Lock()
			results = append(results, hits...)
			mu.Unlock()
		}(name, layer)
	}
	wg.Wait()

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Relevance > results[j].Relevance
	})
	return results
}

// fillStartup loads the startup preset: recent summaries plus the tail
// of the unsummarized backlog, both truncated for prompt budgets.
func (r *Recaller) fillStartup(ctx context.Context, bundle *RecallBundle) error {
	summaries, err := r.ledger.RecentSummaries(ctx, startupSummaryLimit)
	if err != nil {
		return err
	}
	for i := range summaries {
		summaries[i].Text = truncate(summaries[i].Text, startupSummaryChars)
	}
	bundle.Summaries = summaries

	turns, err := r.ledger.GetUnsummarized(ctx, startupTurnLimit)
	if err != nil {
		return err
	}
	for i := range turns {
		turns[i].Content = truncate(turns[i].Content, startupTurnBodyChars)
	}
	bundle.UnsummarizedTurns = turns
	return nil
}

func (r *Recaller) clock() ClockBlock {
	now := r.now()
	c := ClockBlock{
		Unix:    now.Unix(),
		Display: now.Format("Monday, January 2 2006 at 15:04 MST"),
	}
	if h := now.Hour(); h >= 23 || h < 5 {
		c.Note = "late night, most humans are asleep"
	}
	return c
}

func healthFor(unsummarized int) MemoryHealth {
	h := MemoryHealth{UnsummarizedCount: unsummarized}
	switch {
	case unsummarized > healthCriticalAbove:
		h.Status = "critical"
		h.Message = "summarization badly behind; context quality degrading"
	case unsummarized > healthRecommendedAbove:
		h.Status = "recommended"
		h.Message = "summarization recommended soon"
	default:
		h.Status = "healthy"
	}
	return h
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:runeBoundary(s, n)]
}
