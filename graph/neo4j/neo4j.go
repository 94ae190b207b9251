// Package neo4j implements chorus.GraphEngine directly on a Neo4j
// database. Entities are (:Entity) nodes unique per (name, group);
// facts are [:FACT] relationships carrying uuid, relation, fact text,
// and creation time. Episodes are recorded as (:Episode) nodes; facts
// enter the graph through AddTriplet.
package neo4j

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/halcyonlabs/chorus"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDatabase targets a named database instead of the default.
func WithDatabase(name string) Option {
	return func(e *Engine) { e.database = name }
}

// Engine talks to Neo4j over bolt.
type Engine struct {
	driver   neo4j.DriverWithContext
	database string
	group    string
	logger   *slog.Logger
}

var _ chorus.GraphEngine = (*Engine)(nil)

// New connects, verifies connectivity, and installs schema
// constraints. It fails fast when the database is unreachable.
func New(ctx context.Context, uri, user, password, group string, opts ...Option) (*Engine, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j: init driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j: verify connectivity: %w", err)
	}
	e := &Engine{
		driver: driver,
		group:  group,
		logger: slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(e)
	}
	if err := e.initSchema(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return e, nil
}

// Close releases the driver.
func (e *Engine) Close(ctx context.Context) error {
	return e.driver.Close(ctx)
}

func (e *Engine) initSchema(ctx context.Context) error {
	session := e.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	stmts := []string{
		`CREATE CONSTRAINT entity_name_group_unique IF NOT EXISTS FOR (n:Entity) REQUIRE (n.name_norm, n.group) IS UNIQUE`,
		`CREATE INDEX fact_created_at_idx IF NOT EXISTS FOR ()-[r:FACT]-() ON (r.created_at)`,
	}
	for _, q := range stmts {
		res, err := session.Run(ctx, q, nil)
		if err != nil {
			// Older servers reject relationship indexes; the graph
			// still functions without them.
			e.logger.Warn("neo4j schema init failed (continuing)", "error", err)
			continue
		}
		_, _ = res.Consume(ctx)
	}
	return nil
}

// Ingest records an episode node. Fact extraction is delegated to an
// external pipeline feeding AddTriplet.
func (e *Engine) Ingest(ctx context.Context, ep chorus.Episode) error {
	session := e.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
CREATE (ep:Episode {uuid: $uuid, body: $body, source: $source, channel: $channel, ref_time: $ref_time, group: $group})`,
			map[string]any{
				"uuid":     chorus.NewID(),
				"body":     ep.Body,
				"source":   ep.Source,
				"channel":  ep.Channel,
				"ref_time": ep.RefTime,
				"group":    e.group,
			})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j ingest: %w", err)
	}
	return nil
}

// SearchEdges matches the query against fact text, relation, and both
// entity names, case-insensitively.
func (e *Engine) SearchEdges(ctx context.Context, query string, limit int) ([]chorus.GraphEdge, error) {
	session := e.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity)-[r:FACT]->(b:Entity)
WHERE r.group = $group AND (
  toLower(coalesce(r.fact, '')) CONTAINS $q OR
  toLower(r.relation) CONTAINS $q OR
  a.name_norm CONTAINS $q OR
  b.name_norm CONTAINS $q)
RETURN r.uuid AS uuid, a.uuid AS source_uuid, b.uuid AS target_uuid,
       a.name AS source_name, b.name AS target_name,
       r.relation AS relation, r.fact AS fact, r.group AS grp, r.created_at AS created_at
ORDER BY r.created_at DESC LIMIT $limit`,
			map[string]any{"q": strings.ToLower(query), "group": e.group, "limit": limit})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j search edges: %w", err)
	}
	return edgesFromRecords(records.([]*neo4j.Record)), nil
}

// SearchNodes matches entity names, returning each entity with a
// summary built from its strongest facts.
func (e *Engine) SearchNodes(ctx context.Context, query string, limit int) ([]chorus.GraphNode, error) {
	session := e.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (n:Entity)
WHERE n.group = $group AND n.name_norm CONTAINS $q
OPTIONAL MATCH (n)-[r:FACT]-()
WITH n, collect(coalesce(r.fact, r.relation))[..3] AS facts
RETURN n.uuid AS uuid, n.name AS name, n.type AS type, n.group AS grp,
       reduce(s = '', f IN facts | s + f + '. ') AS summary
LIMIT $limit`,
			map[string]any{"q": strings.ToLower(query), "group": e.group, "limit": limit})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j search nodes: %w", err)
	}

	var nodes []chorus.GraphNode
	for _, rec := range records.([]*neo4j.Record) {
		n := chorus.GraphNode{
			UUID:    stringAt(rec, "uuid"),
			Name:    stringAt(rec, "name"),
			Summary: strings.TrimSpace(stringAt(rec, "summary")),
			Group:   stringAt(rec, "grp"),
		}
		if t := stringAt(rec, "type"); t != "" {
			n.Labels = []string{t}
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// Explore walks the neighbourhood of a named entity out to depth hops.
func (e *Engine) Explore(ctx context.Context, entity string, depth int) ([]chorus.GraphEdge, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > 4 {
		depth = 4
	}
	session := e.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	// Cypher cannot parameterise variable-length bounds; depth is
	// clamped above so the inline value is safe.
	q := fmt.Sprintf(`
MATCH (a:Entity {name_norm: $name, group: $group})
MATCH p = (a)-[:FACT*1..%d]-(b:Entity)
UNWIND relationships(p) AS r
WITH DISTINCT r
MATCH (x:Entity)-[r]->(y:Entity)
RETURN r.uuid AS uuid, x.uuid AS source_uuid, y.uuid AS target_uuid,
       x.name AS source_name, y.name AS target_name,
       r.relation AS relation, r.fact AS fact, r.group AS grp, r.created_at AS created_at`, depth)
	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, q, map[string]any{
			"name": normName(entity), "group": e.group,
		})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j explore %q: %w", entity, err)
	}
	return edgesFromRecords(records.([]*neo4j.Record)), nil
}

// Timeline returns facts created inside [since, until], newest first.
func (e *Engine) Timeline(ctx context.Context, since, until int64, limit int) ([]chorus.GraphEdge, error) {
	session := e.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)
	records, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity)-[r:FACT]->(b:Entity)
WHERE r.group = $group AND r.created_at >= $since AND r.created_at <= $until
RETURN r.uuid AS uuid, a.uuid AS source_uuid, b.uuid AS target_uuid,
       a.name AS source_name, b.name AS target_name,
       r.relation AS relation, r.fact AS fact, r.group AS grp, r.created_at AS created_at
ORDER BY r.created_at DESC LIMIT $limit`,
			map[string]any{"group": e.group, "since": since, "until": until, "limit": limit})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("neo4j timeline: %w", err)
	}
	return edgesFromRecords(records.([]*neo4j.Record)), nil
}

// DeleteEdge removes one fact by UUID. Missing is a no-op.
func (e *Engine) DeleteEdge(ctx context.Context, uuid string) error {
	session := e.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			`MATCH ()-[r:FACT {uuid: $uuid}]->() DELETE r`,
			map[string]any{"uuid": uuid})
		if err != nil {
			return nil, err
		}
		_, err = res.Consume(ctx)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("neo4j delete edge: %w", err)
	}
	return nil
}

// AddTriplet merges both entities by (name, group) and the edge by
// (source, relation, target). Existing entities and edges are reused,
// never duplicated.
func (e *Engine) AddTriplet(ctx context.Context, t chorus.Triplet) (chorus.GraphEdge, error) {
	group := t.Group
	if group == "" {
		group = e.group
	}
	session := e.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	rec, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MERGE (a:Entity {name_norm: $source_norm, group: $group})
ON CREATE SET a.uuid = $source_uuid, a.name = $source, a.type = $source_type
MERGE (b:Entity {name_norm: $target_norm, group: $group})
ON CREATE SET b.uuid = $target_uuid, b.name = $target, b.type = $target_type
MERGE (a)-[r:FACT {relation: $relation, group: $group}]->(b)
ON CREATE SET r.uuid = $edge_uuid, r.fact = $fact, r.created_at = $now
RETURN r.uuid AS uuid, a.uuid AS source_uuid, b.uuid AS target_uuid,
       a.name AS source_name, b.name AS target_name,
       r.relation AS relation, r.fact AS fact, r.group AS grp, r.created_at AS created_at`,
			map[string]any{
				"source":      t.Source,
				"source_norm": normName(t.Source),
				"source_uuid": chorus.NewID(),
				"source_type": t.SourceType,
				"target":      t.Target,
				"target_norm": normName(t.Target),
				"target_uuid": chorus.NewID(),
				"target_type": t.TargetType,
				"relation":    t.Relation,
				"fact":        t.Fact,
				"edge_uuid":   chorus.NewID(),
				"group":       group,
				"now":         chorus.NowUnix(),
			})
		if err != nil {
			return nil, err
		}
		return res.Single(ctx)
	})
	if err != nil {
		return chorus.GraphEdge{}, fmt.Errorf("neo4j add triplet: %w", err)
	}
	edge := edgeFromRecord(rec.(*neo4j.Record))
	e.logger.Debug("neo4j triplet merged",
		"source", t.Source, "relation", t.Relation, "target", t.Target, "edge", edge.UUID)
	return edge, nil
}

// Ping verifies driver connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.driver.VerifyConnectivity(ctx); err != nil {
		return &chorus.Transient{Err: fmt.Errorf("neo4j ping: %w", err)}
	}
	return nil
}

func (e *Engine) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return e.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: e.database,
	})
}

func edgesFromRecords(records []*neo4j.Record) []chorus.GraphEdge {
	var edges []chorus.GraphEdge
	for _, rec := range records {
		edges = append(edges, edgeFromRecord(rec))
	}
	return edges
}

func edgeFromRecord(rec *neo4j.Record) chorus.GraphEdge {
	return chorus.GraphEdge{
		UUID:       stringAt(rec, "uuid"),
		SourceUUID: stringAt(rec, "source_uuid"),
		TargetUUID: stringAt(rec, "target_uuid"),
		SourceName: stringAt(rec, "source_name"),
		TargetName: stringAt(rec, "target_name"),
		Relation:   stringAt(rec, "relation"),
		Fact:       stringAt(rec, "fact"),
		Group:      stringAt(rec, "grp"),
		CreatedAt:  intAt(rec, "created_at"),
	}
}

func stringAt(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intAt(rec *neo4j.Record, key string) int64 {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	n, _ := v.(int64)
	return n
}

func normName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
