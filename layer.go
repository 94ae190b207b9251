package chorus

import "context"

// Layer names used in SearchResult.Source and health reports.
const (
	LayerRaw      = "raw"
	LayerAnchors  = "anchors"
	LayerGraph    = "graph"
	LayerCrystals = "crystals"
)

// Layer is the uniform contract every memory layer implements: raw
// capture (the ledger), anchors (curated embedded documents), graph
// (extracted entities and facts), and crystals (the rolling continuity
// chain). The Recall aggregator fans a query out across all of them.
type Layer interface {
	// Search returns up to limit results ranked by descending
	// relevance. An empty result is not an error.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Store persists content in the layer. Metadata keys are
	// layer-specific; unknown keys are ignored.
	Store(ctx context.Context, content string, metadata map[string]string) error

	// Health reports whether the layer's backing store is reachable.
	Health(ctx context.Context) LayerHealth
}

// SearchResult is one hit from a memory layer. Relevance is in [0,1],
// monotone in rank quality. Meta carries layer-specific detail as a
// tagged sum; HTTP adapters serialise it as an object with a "kind"
// discriminant.
type SearchResult struct {
	Content   string     `json:"content"`
	Source    string     `json:"source"` // layer name
	Relevance float64    `json:"relevance"`
	Meta      ResultMeta `json:"metadata,omitempty"`
}

// LayerHealth is the result of a layer health check.
type LayerHealth struct {
	Available bool              `json:"available"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// ResultMeta is the per-layer metadata variant attached to a
// SearchResult. Concrete types: EdgeMeta, NodeMeta, EpisodeMeta,
// AnchorMeta, CrystalMeta.
type ResultMeta interface {
	// MetaKind returns the discriminant used when serialising to a
	// tagged object.
	MetaKind() string
}

// EdgeMeta annotates a graph-layer fact edge hit.
type EdgeMeta struct {
	UUID       string `json:"uuid"`
	SourceName string `json:"source_name"`
	Relation   string `json:"relation"`
	TargetName string `json:"target_name"`
	CreatedAt  int64  `json:"created_at,omitempty"`
}

func (EdgeMeta) MetaKind() string { return "edge" }

// NodeMeta annotates a graph-layer entity summary hit.
type NodeMeta struct {
	UUID   string   `json:"uuid"`
	Name   string   `json:"name"`
	Labels []string `json:"labels,omitempty"`
}

func (NodeMeta) MetaKind() string { return "node" }

// EpisodeMeta annotates a raw-capture hit.
type EpisodeMeta struct {
	MessageID  int64  `json:"message_id"`
	Channel    string `json:"channel"`
	AuthorName string `json:"author_name"`
	CreatedAt  int64  `json:"created_at"`
}

func (EpisodeMeta) MetaKind() string { return "episode" }

// AnchorMeta annotates an anchor-layer hit.
type AnchorMeta struct {
	Name        string            `json:"name"`
	FrontMatter map[string]string `json:"front_matter,omitempty"`
}

func (AnchorMeta) MetaKind() string { return "anchor" }

// CrystalMeta annotates a crystal-layer hit.
type CrystalMeta struct {
	Number   int  `json:"number"`
	Archived bool `json:"archived"`
}

func (CrystalMeta) MetaKind() string { return "crystal" }
