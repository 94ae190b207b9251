package chorus

import "context"

// GraphEngine is the knowledge-graph collaborator the graph layer sits
// on. Entity/edge extraction from free text is the engine's concern;
// the core only consumes this surface. Exactly one backend is chosen at
// construction (graph/neo4j or graph/apiclient) and the constructor
// fails fast when it is unreachable.
type GraphEngine interface {
	// Ingest hands an episode to the engine for extraction.
	Ingest(ctx context.Context, ep Episode) error

	// SearchEdges returns fact edges matching the query.
	SearchEdges(ctx context.Context, query string, limit int) ([]GraphEdge, error)

	// SearchNodes returns entity summaries matching the query.
	SearchNodes(ctx context.Context, query string, limit int) ([]GraphNode, error)

	// Explore walks the neighbourhood of a named entity.
	Explore(ctx context.Context, entity string, depth int) ([]GraphEdge, error)

	// Timeline returns edges created inside [since, until].
	Timeline(ctx context.Context, since, until int64, limit int) ([]GraphEdge, error)

	// DeleteEdge removes an edge by UUID. Deleting a missing edge is
	// not an error.
	DeleteEdge(ctx context.Context, uuid string) error

	// AddTriplet upserts (source, relation, target): entities are
	// looked up by (name, group) and reused when found, never
	// duplicated, and an identical edge returns the existing one.
	AddTriplet(ctx context.Context, t Triplet) (GraphEdge, error)

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}
