package chorus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"
)

// recallLedger scripts the summary-tracking side of the Ledger.
type recallLedger struct {
	nopLedger
	unsummarized int
	summaries    []Summary
	turns        []Message
	countErr     error
}

func (l *recallLedger) CountUnsummarized(_ context.Context) (int, error) {
	return l.unsummarized, l.countErr
}

func (l *recallLedger) RecentSummaries(_ context.Context, limit int) ([]Summary, error) {
	if limit < len(l.summaries) {
		return l.summaries[:limit], nil
	}
	return l.summaries, nil
}

func (l *recallLedger) GetUnsummarized(_ context.Context, limit int) ([]Message, error) {
	if limit < len(l.turns) {
		return l.turns[:limit], nil
	}
	return l.turns, nil
}

func TestRecall_FanOutMergesAndSorts(t *testing.T) {
	layers := map[string]Layer{
		LayerAnchors: &stubLayer{hits: []SearchResult{
			{Content: "anchor hit", Source: LayerAnchors, Relevance: 0.5},
		}},
		LayerGraph: &stubLayer{hits: []SearchResult{
			{Content: "graph hit", Source: LayerGraph, Relevance: 0.9},
			{Content: "weak graph hit", Source: LayerGraph, Relevance: 0.1},
		}},
	}
	r := NewRecaller(layers, &recallLedger{})

	bundle, err := r.Recall(context.Background(), "what does ana drink", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(bundle.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(bundle.Results))
	}
	for i := 1; i < len(bundle.Results); i++ {
		if bundle.Results[i].Relevance > bundle.Results[i-1].Relevance {
			t.Errorf("results not sorted: %v before %v",
				bundle.Results[i-1].Relevance, bundle.Results[i].Relevance)
		}
	}
	if bundle.Results[0].Content != "graph hit" {
		t.Errorf("top result = %q, want the 0.9 graph hit", bundle.Results[0].Content)
	}
}

func TestRecall_RecordsFanOutMetric(t *testing.T) {
	metrics := newCountingMetrics()
	layers := map[string]Layer{LayerAnchors: &stubLayer{}}
	r := NewRecaller(layers, &recallLedger{}, WithRecallMetrics(metrics))

	if _, err := r.Recall(context.Background(), "anything", 5); err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if got := metrics.count("recall_completed"); got != 1 {
		t.Errorf("recall_completed = %d, want 1", got)
	}
}

func TestRecall_FailingLayerDegrades(t *testing.T) {
	layers := map[string]Layer{
		LayerAnchors: &stubLayer{hits: []SearchResult{
			{Content: "anchor hit", Source: LayerAnchors, Relevance: 0.5},
		}},
		LayerGraph: &stubLayer{err: errors.New("engine down")},
	}
	r := NewRecaller(layers, &recallLedger{})

	bundle, err := r.Recall(context.Background(), "anything", 5)
	if err != nil {
		t.Fatalf("Recall failed instead of degrading: %v", err)
	}
	if len(bundle.Results) != 1 || bundle.Results[0].Content != "anchor hit" {
		t.Errorf("results = %+v, want only the healthy layer's hit", bundle.Results)
	}
}

func TestRecall_StartupPresetSkipsLayerSearch(t *testing.T) {
	layer := &stubLayer{hits: []SearchResult{{Content: "should not appear", Relevance: 1}}}
	ledger := &recallLedger{
		unsummarized: 7,
		summaries: []Summary{
			{ID: 1, Text: strings.Repeat("s", 800)},
			{ID: 2, Text: "short summary"},
		},
		turns: []Message{
			{ID: 10, AuthorName: "ana", Content: strings.Repeat("m", 1500)},
		},
	}
	r := NewRecaller(map[string]Layer{LayerAnchors: layer}, ledger)

	bundle, err := r.Recall(context.Background(), "STARTUP", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(bundle.Results) != 0 {
		t.Errorf("startup preset ran layer search: %+v", bundle.Results)
	}
	if len(bundle.Summaries) != 2 {
		t.Fatalf("got %d summaries, want 2", len(bundle.Summaries))
	}
	if len(bundle.Summaries[0].Text) != startupSummaryChars {
		t.Errorf("summary not truncated: %d chars", len(bundle.Summaries[0].Text))
	}
	if bundle.Summaries[1].Text != "short summary" {
		t.Errorf("short summary mangled: %q", bundle.Summaries[1].Text)
	}
	if len(bundle.UnsummarizedTurns) != 1 {
		t.Fatalf("got %d turns, want 1", len(bundle.UnsummarizedTurns))
	}
	if len(bundle.UnsummarizedTurns[0].Content) != startupTurnBodyChars {
		t.Errorf("turn body not truncated: %d chars", len(bundle.UnsummarizedTurns[0].Content))
	}
	if bundle.UnsummarizedCount != 7 {
		t.Errorf("UnsummarizedCount = %d, want 7", bundle.UnsummarizedCount)
	}
}

func TestTruncateKeepsValidUTF8(t *testing.T) {
	if got := truncate("short", 100); got != "short" {
		t.Fatalf("short input changed: %q", got)
	}
	s := strings.Repeat("é", 50) // 2-byte runes
	got := truncate(s, 25)       // odd cut, mid-rune for a byte slice
	if !utf8.ValidString(got) {
		t.Fatalf("truncated string is not valid UTF-8: %q", got)
	}
	if len(got) != 24 {
		t.Fatalf("got %d bytes, want 24", len(got))
	}
	if !strings.HasPrefix(s, got) {
		t.Fatal("truncation is not a prefix of the input")
	}
}

func TestRecall_MemoryHealthThresholds(t *testing.T) {
	tests := []struct {
		count int
		want  string
	}{
		{0, "healthy"},
		{100, "healthy"},
		{101, "recommended"},
		{200, "recommended"},
		{201, "critical"},
	}
	for _, tt := range tests {
		if got := healthFor(tt.count); got.Status != tt.want {
			t.Errorf("healthFor(%d) = %q, want %q", tt.count, got.Status, tt.want)
		}
	}
}

func TestRecall_ClockLateNightNote(t *testing.T) {
	tests := []struct {
		hour     int
		wantNote bool
	}{
		{23, true},
		{2, true},
		{4, true},
		{5, false},
		{12, false},
		{22, false},
	}
	for _, tt := range tests {
		at := time.Date(2026, 1, 5, tt.hour, 30, 0, 0, time.UTC)
		r := NewRecaller(nil, &recallLedger{}, withRecallClock(func() time.Time { return at }))
		c := r.clock()
		if (c.Note != "") != tt.wantNote {
			t.Errorf("hour %d: note = %q, wantNote %v", tt.hour, c.Note, tt.wantNote)
		}
		if c.Unix != at.Unix() {
			t.Errorf("hour %d: unix = %d, want %d", tt.hour, c.Unix, at.Unix())
		}
		if c.Display == "" {
			t.Errorf("hour %d: empty display", tt.hour)
		}
	}
}

func TestRecall_CountFailureIsNotFatal(t *testing.T) {
	ledger := &recallLedger{countErr: errors.New("db locked")}
	r := NewRecaller(map[string]Layer{}, ledger)

	bundle, err := r.Recall(context.Background(), "query", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if bundle.UnsummarizedCount != 0 {
		t.Errorf("UnsummarizedCount = %d, want 0", bundle.UnsummarizedCount)
	}
}
