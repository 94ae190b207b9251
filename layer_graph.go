package chorus

import (
	"context"
	"fmt"
)

// GraphLayer is L3: entities and facts extracted from conversation,
// held in an external graph engine. Store ingests free-text episodes;
// extraction happens engine-side.
type GraphLayer struct {
	engine GraphEngine
	group  string
}

var _ Layer = (*GraphLayer)(nil)

// NewGraphLayer wraps a graph engine. group scopes all entities this
// daemon creates.
func NewGraphLayer(engine GraphEngine, group string) *GraphLayer {
	return &GraphLayer{engine: engine, group: group}
}

// Search returns fact edges ranked by the engine, topped up with
// entity summaries when the edge matches run short. Relevance is
// rank-based: the engine reports order, not distances.
func (l *GraphLayer) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	edges, err := l.engine.SearchEdges(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("graph search edges: %w", err)
	}
	results := make([]SearchResult, 0, limit)
	for i, e := range edges {
		fact := e.Fact
		if fact == "" {
			fact = e.SourceName + " " + e.Relation + " " + e.TargetName
		}
		results = append(results, SearchResult{
			Content:   fact,
			Source:    LayerGraph,
			Relevance: rankScore(i),
			Meta: EdgeMeta{
				UUID:       e.UUID,
				SourceName: e.SourceName,
				Relation:   e.Relation,
				TargetName: e.TargetName,
				CreatedAt:  e.CreatedAt,
			},
		})
	}
	if remaining := limit - len(results); remaining > 0 {
		nodes, err := l.engine.SearchNodes(ctx, query, remaining)
		if err != nil {
			return nil, fmt.Errorf("graph search nodes: %w", err)
		}
		for i, n := range nodes {
			content := n.Summary
			if content == "" {
				content = n.Name
			}
			results = append(results, SearchResult{
				Content:   content,
				Source:    LayerGraph,
				Relevance: rankScore(len(results) + i),
				Meta:      NodeMeta{UUID: n.UUID, Name: n.Name, Labels: n.Labels},
			})
		}
	}
	return results, nil
}

// Store ingests content as an episode. Recognised metadata keys:
// channel, author, message_id.
func (l *GraphLayer) Store(ctx context.Context, content string, metadata map[string]string) error {
	ep := Episode{
		Body:    content,
		Source:  metadata["author"],
		Channel: metadata["channel"],
		RefTime: NowUnix(),
	}
	if err := l.engine.Ingest(ctx, ep); err != nil {
		return fmt.Errorf("graph store: %w", err)
	}
	return nil
}

func (l *GraphLayer) Health(ctx context.Context) LayerHealth {
	if err := l.engine.Ping(ctx); err != nil {
		return LayerHealth{Available: false, Message: err.Error()}
	}
	return LayerHealth{Available: true, Details: map[string]string{"group": l.group}}
}

// Explore walks the neighbourhood of an entity.
func (l *GraphLayer) Explore(ctx context.Context, entity string, depth int) ([]GraphEdge, error) {
	return l.engine.Explore(ctx, entity, depth)
}

// Timeline returns facts created inside a unix-seconds window.
func (l *GraphLayer) Timeline(ctx context.Context, since, until int64, limit int) ([]GraphEdge, error) {
	return l.engine.Timeline(ctx, since, until, limit)
}

// DeleteEdge removes one fact edge by UUID.
func (l *GraphLayer) DeleteEdge(ctx context.Context, uuid string) error {
	return l.engine.DeleteEdge(ctx, uuid)
}

// AddTriplet asserts a fact directly, reusing existing entities by
// (name, group) and returning the existing edge on duplicates.
func (l *GraphLayer) AddTriplet(ctx context.Context, t Triplet) (GraphEdge, error) {
	if t.Group == "" {
		t.Group = l.group
	}
	return l.engine.AddTriplet(ctx, t)
}

// rankScore converts a zero-based rank into a relevance in (0,1].
func rankScore(rank int) float64 {
	return 1.0 / (1.0 + float64(rank))
}
