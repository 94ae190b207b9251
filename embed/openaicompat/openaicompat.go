// Package openaicompat implements chorus.Embedder against any
// OpenAI-compatible embeddings API.
//
// Works with OpenAI, OpenRouter, Together, Mistral, Ollama, vLLM,
// LM Studio, and any other provider that implements the OpenAI
// embeddings endpoint.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/halcyonlabs/chorus"
)

// Defaults for the common hosted models.
const (
	DefaultModel      = "text-embedding-3-small"
	DefaultDimensions = 1536
)

// Option configures an Embedder.
type Option func(*Embedder)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Embedder) { e.client = c }
}

// WithDimensions overrides the reported vector width for models whose
// width differs from the default.
func WithDimensions(d int) Option {
	return func(e *Embedder) { e.dims = d }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Embedder) { e.logger = l }
}

// Embedder calls the /embeddings endpoint of an OpenAI-compatible API.
type Embedder struct {
	apiKey  string
	model   string
	baseURL string
	dims    int
	client  *http.Client
	logger  *slog.Logger
}

var _ chorus.Embedder = (*Embedder)(nil)

// New creates an Embedder. baseURL is the API base (e.g.
// "https://api.openai.com/v1"); the /embeddings path is appended
// automatically. An empty model selects DefaultModel.
func New(apiKey, model, baseURL string, opts ...Option) *Embedder {
	if model == "" {
		model = DefaultModel
	}
	e := &Embedder{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		dims:    DefaultDimensions,
		client:  &http.Client{Timeout: 60 * time.Second},
		logger:  slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Embedder) Name() string    { return e.model }
func (e *Embedder) Dimensions() int { return e.dims }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Embed returns one vector per input text, in input order. Transport
// failures are retried before giving up.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	start := time.Now()

	body, err := json.Marshal(embedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("embed marshal: %w", err)
	}
	out, err := chorus.Retry(ctx, e.logger, "embed "+e.model, func() ([][]float32, error) {
		return e.embedOnce(ctx, body, len(texts))
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug("embeddings ok",
		"model", e.model, "inputs", len(texts), "duration", time.Since(start))
	return out, nil
}

func (e *Embedder) embedOnce(ctx context.Context, body []byte, n int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &chorus.Transient{Err: fmt.Errorf("embed call: %w", err)}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<24))
	if err != nil {
		return nil, fmt.Errorf("embed read: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, &chorus.ErrHTTP{Status: resp.StatusCode, Body: string(raw)}
	}

	var parsed embedResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("embed parse: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("embed api: %s", parsed.Error.Message)
	}
	if len(parsed.Data) != n {
		return nil, fmt.Errorf("embed api: got %d vectors for %d inputs", len(parsed.Data), n)
	}

	out := make([][]float32, n)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embed api: vector index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
