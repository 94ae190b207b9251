package chorus

import "context"

// RangeQuery selects a slice of the ledger. Channel matches by prefix
// ("" matches everything); BeforeID and SinceTS are optional bounds
// (zero = unbounded); Limit caps the result size.
type RangeQuery struct {
	Channel  string
	BeforeID int64
	SinceTS  int64
	Limit    int
}

// Ledger is the durable append-only message log and the source of truth
// for every conversational turn. Implementations: store/sqlite
// (default), store/postgres.
type Ledger interface {
	// Append atomically inserts a turn and returns its assigned id.
	// When m.ExternalID is already present, nothing is written and
	// inserted is false with id set to the existing row.
	Append(ctx context.Context, m Message) (id int64, inserted bool, err error)

	// GetRange returns messages in ascending id order.
	GetRange(ctx context.Context, q RangeQuery) ([]Message, error)

	// Search runs ranked full-text search over content, author name
	// and channel. Query syntax is the backend's native one: FTS5
	// MATCH for store/sqlite (AND by juxtaposition, OR, "phrase",
	// prefix*, NOT), websearch_to_tsquery for store/postgres.
	Search(ctx context.Context, query string, limit int) ([]ScoredMessage, error)

	// Summary tracking.
	CountUnsummarized(ctx context.Context) (int, error)
	GetUnsummarized(ctx context.Context, limit int) ([]Message, error)
	MarkSummarized(ctx context.Context, startID, endID, summaryID int64) error
	InsertSummary(ctx context.Context, s Summary) (int64, error)
	RecentSummaries(ctx context.Context, limit int) ([]Summary, error)

	// Graph-ingestion tracking, same shape as summary tracking.
	CountUningested(ctx context.Context) (int, error)
	GetUningested(ctx context.Context, limit int) ([]Message, error)
	MarkIngested(ctx context.Context, startID, endID, batchID int64) error

	// Prune deletes messages older than the cutoff that are already
	// summarized. Returns the number removed.
	Prune(ctx context.Context, olderThan int64) (int, error)

	// Lifecycle.
	Init(ctx context.Context) error
	Close() error
}
