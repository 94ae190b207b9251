package chorus

import (
	"context"
	"fmt"
	"strconv"
)

// RawLayer is L1: a thin adapter exposing the ledger through the
// uniform layer contract. Search is full-text over message bodies;
// Store appends.
type RawLayer struct {
	ledger Ledger
}

var _ Layer = (*RawLayer)(nil)

// NewRawLayer wraps a ledger.
func NewRawLayer(ledger Ledger) *RawLayer {
	return &RawLayer{ledger: ledger}
}

func (l *RawLayer) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	scored, err := l.ledger.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("raw search: %w", err)
	}
	results := make([]SearchResult, 0, len(scored))
	for _, s := range scored {
		results = append(results, SearchResult{
			Content:   s.Content,
			Source:    LayerRaw,
			Relevance: s.Relevance,
			Meta: EpisodeMeta{
				MessageID:  s.ID,
				Channel:    s.Channel,
				AuthorName: s.AuthorName,
				CreatedAt:  s.CreatedAt,
			},
		})
	}
	return results, nil
}

// Store appends content as a plain message. Recognised metadata keys:
// channel, author, external_id.
func (l *RawLayer) Store(ctx context.Context, content string, metadata map[string]string) error {
	m := Message{
		ExternalID: metadata["external_id"],
		Channel:    metadata["channel"],
		AuthorName: metadata["author"],
		Content:    content,
		CreatedAt:  NowUnix(),
	}
	if m.ExternalID == "" {
		m.ExternalID = NewID()
	}
	if m.Channel == "" {
		m.Channel = "memory"
	}
	if _, _, err := l.ledger.Append(ctx, m); err != nil {
		return fmt.Errorf("raw store: %w", err)
	}
	return nil
}

func (l *RawLayer) Health(ctx context.Context) LayerHealth {
	n, err := l.ledger.CountUnsummarized(ctx)
	if err != nil {
		return LayerHealth{Available: false, Message: err.Error()}
	}
	return LayerHealth{
		Available: true,
		Details:   map[string]string{"unsummarized": strconv.Itoa(n)},
	}
}
