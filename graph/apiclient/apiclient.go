// Package apiclient implements chorus.GraphEngine against an external
// graph-extraction service over HTTP JSON. The service owns entity and
// edge extraction; this client is a thin transport.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/halcyonlabs/chorus"
)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// Client talks to the graph service at baseURL.
type Client struct {
	baseURL string
	group   string
	client  *http.Client
	logger  *slog.Logger
}

var _ chorus.GraphEngine = (*Client)(nil)

// New creates a Client and pings the service, failing fast when it is
// unreachable.
func New(ctx context.Context, baseURL, group string, opts ...Option) (*Client, error) {
	c := &Client{
		baseURL: baseURL,
		group:   group,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(c)
	}
	if err := c.Ping(ctx); err != nil {
		return nil, fmt.Errorf("graph service at %s: %w", baseURL, err)
	}
	return c, nil
}

func (c *Client) Ingest(ctx context.Context, ep chorus.Episode) error {
	payload := map[string]any{
		"body":     ep.Body,
		"source":   ep.Source,
		"channel":  ep.Channel,
		"ref_time": ep.RefTime,
		"group":    c.group,
	}
	return c.post(ctx, "/episodes", payload, nil)
}

func (c *Client) SearchEdges(ctx context.Context, query string, limit int) ([]chorus.GraphEdge, error) {
	var out struct {
		Edges []chorus.GraphEdge `json:"edges"`
	}
	err := c.get(ctx, "/search/edges", url.Values{
		"q":     {query},
		"limit": {strconv.Itoa(limit)},
		"group": {c.group},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Edges, nil
}

func (c *Client) SearchNodes(ctx context.Context, query string, limit int) ([]chorus.GraphNode, error) {
	var out struct {
		Nodes []chorus.GraphNode `json:"nodes"`
	}
	err := c.get(ctx, "/search/nodes", url.Values{
		"q":     {query},
		"limit": {strconv.Itoa(limit)},
		"group": {c.group},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Nodes, nil
}

func (c *Client) Explore(ctx context.Context, entity string, depth int) ([]chorus.GraphEdge, error) {
	var out struct {
		Edges []chorus.GraphEdge `json:"edges"`
	}
	err := c.get(ctx, "/explore", url.Values{
		"entity": {entity},
		"depth":  {strconv.Itoa(depth)},
		"group":  {c.group},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Edges, nil
}

func (c *Client) Timeline(ctx context.Context, since, until int64, limit int) ([]chorus.GraphEdge, error) {
	var out struct {
		Edges []chorus.GraphEdge `json:"edges"`
	}
	err := c.get(ctx, "/timeline", url.Values{
		"since": {strconv.FormatInt(since, 10)},
		"until": {strconv.FormatInt(until, 10)},
		"limit": {strconv.Itoa(limit)},
		"group": {c.group},
	}, &out)
	if err != nil {
		return nil, err
	}
	return out.Edges, nil
}

func (c *Client) DeleteEdge(ctx context.Context, uuid string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/edges/"+url.PathEscape(uuid), nil)
	if err != nil {
		return fmt.Errorf("graph delete edge: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &chorus.Transient{Err: fmt.Errorf("graph delete edge: %w", err)}
	}
	defer resp.Body.Close()
	// 404 means already gone, which is fine.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusNotFound {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &chorus.ErrHTTP{Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *Client) AddTriplet(ctx context.Context, t chorus.Triplet) (chorus.GraphEdge, error) {
	if t.Group == "" {
		t.Group = c.group
	}
	var out struct {
		Edge chorus.GraphEdge `json:"edge"`
	}
	if err := c.post(ctx, "/triplets", t, &out); err != nil {
		return chorus.GraphEdge{}, err
	}
	return out.Edge, nil
}

func (c *Client) Ping(ctx context.Context) error {
	err := c.get(ctx, "/health", nil, nil)
	if err != nil {
		return &chorus.Transient{Err: err}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	// Rebuild the request each attempt so a retry never reuses a
	// consumed body.
	_, err := chorus.Retry(ctx, c.logger, "graph get "+path, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("graph get %s: %w", path, err)
		}
		return struct{}{}, c.do(req, path, out)
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graph post %s: %w", path, err)
	}
	_, err = chorus.Retry(ctx, c.logger, "graph post "+path, func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return struct{}{}, fmt.Errorf("graph post %s: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		return struct{}{}, c.do(req, path, out)
	})
	return err
}

func (c *Client) do(req *http.Request, path string, out any) error {
	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return &chorus.Transient{Err: fmt.Errorf("graph %s: %w", path, err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if err != nil {
		return fmt.Errorf("graph %s read: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return &chorus.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("graph %s parse: %w", path, err)
		}
	}
	c.logger.Debug("graph call ok", "path", path, "duration", time.Since(start))
	return nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
