package chorus

import "context"

// IndexDoc is one named document in a vector index. Hash is a content
// hash the anchor layer uses for idempotent synchronisation.
type IndexDoc struct {
	Name    string
	Content string
	Hash    string
	Meta    map[string]string
}

// IndexHit is one query result from a vector index. When the backend
// reports distances HasDistance is true and Distance is the cosine
// distance in [0,2]; otherwise callers fall back to rank-based scoring.
type IndexHit struct {
	Name        string
	Content     string
	Meta        map[string]string
	Distance    float64
	HasDistance bool
}

// VectorIndex is the embedded-document collaborator behind the anchor
// layer. The embedding model is the index's concern; the core only
// syncs documents in and queries by text. Implementation: vector/qdrant.
type VectorIndex interface {
	// Entries returns name → content hash for everything indexed.
	Entries(ctx context.Context) (map[string]string, error)

	// Upsert adds or replaces a document.
	Upsert(ctx context.Context, doc IndexDoc) error

	// Delete removes a document by name. Missing is not an error.
	Delete(ctx context.Context, name string) error

	// Query returns up to limit hits for a free-text query.
	Query(ctx context.Context, text string, limit int) ([]IndexHit, error)

	// Drop deletes the whole collection so it can be rebuilt.
	Drop(ctx context.Context) error

	// Ping reports backend reachability.
	Ping(ctx context.Context) error
}

// Embedder turns text into vectors for a VectorIndex backend that has
// no server-side inference. Implementation: embed/openaicompat.
type Embedder interface {
	Name() string
	Dimensions() int
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}
