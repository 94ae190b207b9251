// Package qdrant implements chorus.VectorIndex on a Qdrant collection.
// Qdrant has no server-side text inference, so an injected
// chorus.Embedder turns documents and queries into vectors.
package qdrant

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/halcyonlabs/chorus"
)

// scrollPageSize bounds one Entries listing; collections here are
// anchor sets, not corpora.
const scrollPageSize = 4096

// Option configures an Index.
type Option func(*Index)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// Index is one named Qdrant collection of embedded documents.
type Index struct {
	client     *qdrant.Client
	collection string
	embedder   chorus.Embedder
	logger     *slog.Logger
}

var _ chorus.VectorIndex = (*Index)(nil)

// New connects to Qdrant and ensures the collection exists with the
// embedder's vector width and cosine distance.
func New(ctx context.Context, host string, port int, collection string, embedder chorus.Embedder, opts ...Option) (*Index, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("qdrant connect: %w", err)
	}
	ix := &Index{
		client:     client,
		collection: collection,
		embedder:   embedder,
		logger:     slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(ix)
	}
	if err := ix.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) ensureCollection(ctx context.Context) error {
	exists, err := ix.client.CollectionExists(ctx, ix.collection)
	if err != nil {
		return fmt.Errorf("qdrant collection check: %w", err)
	}
	if exists {
		return nil
	}
	err = ix.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: ix.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(ix.embedder.Dimensions()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("qdrant create collection %s: %w", ix.collection, err)
	}
	ix.logger.Info("qdrant collection created",
		"collection", ix.collection, "dimensions", ix.embedder.Dimensions())
	return nil
}

// Entries returns name → content hash for every indexed document.
func (ix *Index) Entries(ctx context.Context) (map[string]string, error) {
	points, err := ix.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: ix.collection,
		Limit:          qdrant.PtrOf(uint32(scrollPageSize)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant scroll: %w", err)
	}
	entries := make(map[string]string, len(points))
	for _, p := range points {
		name := p.Payload["name"].GetStringValue()
		if name == "" {
			continue
		}
		entries[name] = p.Payload["hash"].GetStringValue()
	}
	return entries, nil
}

// Upsert adds or replaces a document. The point id is derived
// deterministically from the name so re-upserts overwrite in place.
func (ix *Index) Upsert(ctx context.Context, doc chorus.IndexDoc) error {
	start := time.Now()
	vecs, err := ix.embedder.Embed(ctx, []string{doc.Content})
	if err != nil {
		return fmt.Errorf("qdrant upsert embed %s: %w", doc.Name, err)
	}

	payload := map[string]any{
		"name":    doc.Name,
		"hash":    doc.Hash,
		"content": doc.Content,
	}
	for k, v := range doc.Meta {
		payload["meta_"+k] = v
	}
	_, err = chorus.Retry(ctx, ix.logger, "qdrant upsert", func() (*qdrant.UpdateResult, error) {
		return ix.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: ix.collection,
			Points: []*qdrant.PointStruct{{
				Id:      qdrant.NewID(pointID(doc.Name)),
				Vectors: qdrant.NewVectors(vecs[0]...),
				Payload: qdrant.NewValueMap(payload),
			}},
		})
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert %s: %w", doc.Name, err)
	}
	ix.logger.Debug("qdrant upsert ok", "name", doc.Name, "duration", time.Since(start))
	return nil
}

// Delete removes a document by name. Missing is not an error.
func (ix *Index) Delete(ctx context.Context, name string) error {
	_, err := ix.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: ix.collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewID(pointID(name))),
	})
	if err != nil {
		return fmt.Errorf("qdrant delete %s: %w", name, err)
	}
	return nil
}

// Query embeds the text and returns the nearest documents. Distance is
// cosine distance reconstructed from Qdrant's similarity score.
func (ix *Index) Query(ctx context.Context, text string, limit int) ([]chorus.IndexHit, error) {
	start := time.Now()
	vecs, err := ix.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("qdrant query embed: %w", err)
	}
	points, err := chorus.Retry(ctx, ix.logger, "qdrant query", func() ([]*qdrant.ScoredPoint, error) {
		return ix.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: ix.collection,
			Query:          qdrant.NewQuery(vecs[0]...),
			Limit:          qdrant.PtrOf(uint64(limit)),
			WithPayload:    qdrant.NewWithPayload(true),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant query: %w", err)
	}

	hits := make([]chorus.IndexHit, 0, len(points))
	for _, p := range points {
		meta := make(map[string]string)
		for k, v := range p.Payload {
			if len(k) > 5 && k[:5] == "meta_" {
				meta[k[5:]] = v.GetStringValue()
			}
		}
		hits = append(hits, chorus.IndexHit{
			Name:        p.Payload["name"].GetStringValue(),
			Content:     p.Payload["content"].GetStringValue(),
			Meta:        meta,
			Distance:    1 - float64(p.Score),
			HasDistance: true,
		})
	}
	ix.logger.Debug("qdrant query ok", "hits", len(hits), "duration", time.Since(start))
	return hits, nil
}

// Drop deletes the whole collection and recreates it empty.
func (ix *Index) Drop(ctx context.Context) error {
	if err := ix.client.DeleteCollection(ctx, ix.collection); err != nil {
		return fmt.Errorf("qdrant drop %s: %w", ix.collection, err)
	}
	return ix.ensureCollection(ctx)
}

// Ping reports backend reachability.
func (ix *Index) Ping(ctx context.Context) error {
	if _, err := ix.client.HealthCheck(ctx); err != nil {
		return &chorus.Transient{Err: fmt.Errorf("qdrant ping: %w", err)}
	}
	return nil
}

// Close releases the underlying gRPC connection.
func (ix *Index) Close() error { return ix.client.Close() }

// pointID derives a stable UUID from the document name.
func pointID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
