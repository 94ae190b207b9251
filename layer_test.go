package chorus

import (
	"context"
	"testing"
)

// searchLedger scripts full-text hits and records raw-layer appends.
type searchLedger struct {
	nopLedger
	hits     []ScoredMessage
	appended []Message
}

func (l *searchLedger) Search(_ context.Context, _ string, _ int) ([]ScoredMessage, error) {
	return l.hits, nil
}

func (l *searchLedger) Append(_ context.Context, m Message) (int64, bool, error) {
	l.appended = append(l.appended, m)
	return int64(len(l.appended)), true, nil
}

func TestRawLayer_SearchMapsEpisodeMeta(t *testing.T) {
	ledger := &searchLedger{hits: []ScoredMessage{
		{Message: Message{ID: 42, Channel: "chat:lobby", AuthorName: "ana", Content: "tea time", CreatedAt: 1000}, Relevance: 0.8},
	}}
	l := NewRawLayer(ledger)

	results, err := l.Search(context.Background(), "tea", 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	r := results[0]
	if r.Source != LayerRaw || r.Relevance != 0.8 || r.Content != "tea time" {
		t.Errorf("result = %+v", r)
	}
	meta, ok := r.Meta.(EpisodeMeta)
	if !ok {
		t.Fatalf("meta type %T", r.Meta)
	}
	if meta.MessageID != 42 || meta.Channel != "chat:lobby" || meta.AuthorName != "ana" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestRawLayer_StoreDefaults(t *testing.T) {
	ledger := &searchLedger{}
	l := NewRawLayer(ledger)

	if err := l.Store(context.Background(), "remember this", nil); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(ledger.appended) != 1 {
		t.Fatalf("appended %d, want 1", len(ledger.appended))
	}
	m := ledger.appended[0]
	if m.Channel != "memory" {
		t.Errorf("channel = %q, want memory", m.Channel)
	}
	if m.ExternalID == "" {
		t.Error("no external id generated")
	}
	if m.Content != "remember this" {
		t.Errorf("content = %q", m.Content)
	}
}

func TestRawLayer_StoreHonoursMetadata(t *testing.T) {
	ledger := &searchLedger{}
	l := NewRawLayer(ledger)

	meta := map[string]string{"channel": "terminal", "author": "ana", "external_id": "ext-9"}
	if err := l.Store(context.Background(), "noted", meta); err != nil {
		t.Fatalf("Store: %v", err)
	}
	m := ledger.appended[0]
	if m.Channel != "terminal" || m.AuthorName != "ana" || m.ExternalID != "ext-9" {
		t.Errorf("appended = %+v", m)
	}
}

// stubEngine scripts edge and node search results.
type stubEngine struct {
	edges    []GraphEdge
	nodes    []GraphNode
	episodes []Episode
	triplets []Triplet
}

func (e *stubEngine) Ingest(_ context.Context, ep Episode) error {
	e.episodes = append(e.episodes, ep)
	return nil
}

func (e *stubEngine) SearchEdges(_ context.Context, _ string, limit int) ([]GraphEdge, error) {
	if limit < len(e.edges) {
		return e.edges[:limit], nil
	}
	return e.edges, nil
}

func (e *stubEngine) SearchNodes(_ context.Context, _ string, limit int) ([]GraphNode, error) {
	if limit < len(e.nodes) {
		return e.nodes[:limit], nil
	}
	return e.nodes, nil
}

func (e *stubEngine) Explore(_ context.Context, _ string, _ int) ([]GraphEdge, error) {
	return e.edges, nil
}

func (e *stubEngine) Timeline(_ context.Context, _, _ int64, _ int) ([]GraphEdge, error) {
	return e.edges, nil
}

func (e *stubEngine) DeleteEdge(_ context.Context, _ string) error { return nil }

func (e *stubEngine) AddTriplet(_ context.Context, t Triplet) (GraphEdge, error) {
	e.triplets = append(e.triplets, t)
	return GraphEdge{SourceName: t.Source, Relation: t.Relation, TargetName: t.Target, Group: t.Group}, nil
}

func (e *stubEngine) Ping(_ context.Context) error { return nil }

var _ GraphEngine = (*stubEngine)(nil)

func TestGraphLayer_SearchTopsUpWithNodes(t *testing.T) {
	engine := &stubEngine{
		edges: []GraphEdge{
			{UUID: "e1", SourceName: "ana", Relation: "drinks", TargetName: "tea", Fact: "ana drinks tea"},
		},
		nodes: []GraphNode{
			{UUID: "n1", Name: "ana", Summary: "resident tea drinker"},
			{UUID: "n2", Name: "ben"},
		},
	}
	l := NewGraphLayer(engine, "main")

	results, err := l.Search(context.Background(), "ana", 3)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	if results[0].Content != "ana drinks tea" {
		t.Errorf("first result = %q", results[0].Content)
	}
	if _, ok := results[0].Meta.(EdgeMeta); !ok {
		t.Errorf("first meta type %T, want EdgeMeta", results[0].Meta)
	}
	if results[1].Content != "resident tea drinker" {
		t.Errorf("node summary = %q", results[1].Content)
	}
	// A node with no summary falls back to its name.
	if results[2].Content != "ben" {
		t.Errorf("bare node = %q", results[2].Content)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Relevance >= results[i-1].Relevance {
			t.Errorf("rank scores not descending at %d", i)
		}
	}
}

func TestGraphLayer_SynthesisesFactFromParts(t *testing.T) {
	engine := &stubEngine{edges: []GraphEdge{
		{SourceName: "ana", Relation: "works with", TargetName: "ben"},
	}}
	l := NewGraphLayer(engine, "main")

	results, err := l.Search(context.Background(), "ana", 1)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Content != "ana works with ben" {
		t.Errorf("content = %q", results[0].Content)
	}
}

func TestGraphLayer_StoreIngestsEpisode(t *testing.T) {
	engine := &stubEngine{}
	l := NewGraphLayer(engine, "main")

	meta := map[string]string{"channel": "chat:lobby", "author": "ana"}
	if err := l.Store(context.Background(), "we decided on fridays", meta); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if len(engine.episodes) != 1 {
		t.Fatalf("ingested %d episodes, want 1", len(engine.episodes))
	}
	ep := engine.episodes[0]
	if ep.Body != "we decided on fridays" || ep.Channel != "chat:lobby" || ep.Source != "ana" {
		t.Errorf("episode = %+v", ep)
	}
}

func TestGraphLayer_AddTripletDefaultsGroup(t *testing.T) {
	engine := &stubEngine{}
	l := NewGraphLayer(engine, "main")

	edge, err := l.AddTriplet(context.Background(), Triplet{Source: "ana", Relation: "likes", Target: "tea"})
	if err != nil {
		t.Fatal(err)
	}
	if edge.Group != "main" {
		t.Errorf("group = %q, want main", edge.Group)
	}
}
