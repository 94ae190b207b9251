// Package httpapi exposes the memory layers over HTTP: the /tools/*
// endpoints the daemon's collaborators call. Every privileged route
// carries an opaque token validated by the gate; health and shared-read
// routes are exempt.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/halcyonlabs/chorus"
)

// Server routes /tools/* requests onto the memory stack.
type Server struct {
	gate     *chorus.Gate
	recaller *chorus.Recaller
	ledger   chorus.Ledger
	raw      *chorus.RawLayer
	anchors  *chorus.AnchorStore
	graph    *chorus.GraphLayer
	crystals *chorus.CrystalStore
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New wires the tool surface over the four layers and their aggregator.
func New(gate *chorus.Gate, recaller *chorus.Recaller, ledger chorus.Ledger,
	raw *chorus.RawLayer, anchors *chorus.AnchorStore, graph *chorus.GraphLayer,
	crystals *chorus.CrystalStore, opts ...Option) *Server {
	s := &Server{
		gate:     gate,
		recaller: recaller,
		ledger:   ledger,
		raw:      raw,
		anchors:  anchors,
		graph:    graph,
		crystals: crystals,
		logger:   slog.New(discardHandler{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes registers every tool endpoint on a mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tools/ambient_recall", s.ambientRecall)
	mux.HandleFunc("POST /tools/raw_search", s.rawSearch)
	mux.HandleFunc("POST /tools/store_message", s.storeMessage)
	mux.HandleFunc("POST /tools/anchor_search", s.anchorSearch)
	mux.HandleFunc("POST /tools/anchor_save", s.anchorSave)
	mux.HandleFunc("POST /tools/anchor_import", s.anchorImport)
	mux.HandleFunc("POST /tools/anchor_delete", s.anchorDelete)
	mux.HandleFunc("POST /tools/anchor_list", s.anchorList)
	mux.HandleFunc("POST /tools/anchor_resync", s.anchorResync)
	mux.HandleFunc("POST /tools/texture_search", s.textureSearch)
	mux.HandleFunc("POST /tools/texture_add", s.textureAdd)
	mux.HandleFunc("POST /tools/texture_add_triplet", s.textureAddTriplet)
	mux.HandleFunc("DELETE /tools/texture_delete/{uuid}", s.textureDelete)
	mux.HandleFunc("POST /tools/texture_explore", s.textureExplore)
	mux.HandleFunc("POST /tools/texture_timeline", s.textureTimeline)
	mux.HandleFunc("POST /tools/crystallize", s.crystallize)
	mux.HandleFunc("POST /tools/get_crystals", s.getCrystals)
	mux.HandleFunc("POST /tools/delete_latest_crystal", s.deleteLatestCrystal)
	mux.HandleFunc("POST /tools/regenerate_token", s.regenerateToken)
	mux.HandleFunc("GET /tools/pps_health", s.health)
}

// --- result serialisation ---

// resultJSON is SearchResult with its metadata flattened into a tagged
// object carrying a "kind" discriminant.
type resultJSON struct {
	Content   string         `json:"content"`
	Source    string         `json:"source"`
	Relevance float64        `json:"relevance"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func tagResult(r chorus.SearchResult) resultJSON {
	out := resultJSON{Content: r.Content, Source: r.Source, Relevance: r.Relevance}
	if r.Meta == nil {
		return out
	}
	raw, err := json.Marshal(r.Meta)
	if err != nil {
		return out
	}
	m := make(map[string]any)
	if err := json.Unmarshal(raw, &m); err != nil {
		return out
	}
	m["kind"] = r.Meta.MetaKind()
	out.Metadata = m
	return out
}

func tagResults(rs []chorus.SearchResult) []resultJSON {
	out := make([]resultJSON, len(rs))
	for i, r := range rs {
		out[i] = tagResult(r)
	}
	return out
}

// --- handlers ---

func (s *Server) ambientRecall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Context       string `json:"context"`
		LimitPerLayer int    `json:"limit_per_layer"`
		Token         string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "ambient_recall", req.Token) {
		return
	}
	bundle, err := s.recaller.Recall(r.Context(), req.Context, req.LimitPerLayer)
	if err != nil {
		s.fail(w, "ambient_recall", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Clock             chorus.ClockBlock   `json:"clock"`
		UnsummarizedCount int                 `json:"unsummarized_count"`
		MemoryHealth      chorus.MemoryHealth `json:"memory_health"`
		Results           []resultJSON        `json:"results"`
		Summaries         []chorus.Summary    `json:"summaries,omitempty"`
		UnsummarizedTurns []chorus.Message    `json:"unsummarized_turns,omitempty"`
	}{
		Clock:             bundle.Clock,
		UnsummarizedCount: bundle.UnsummarizedCount,
		MemoryHealth:      bundle.MemoryHealth,
		Results:           tagResults(bundle.Results),
		Summaries:         bundle.Summaries,
		UnsummarizedTurns: bundle.UnsummarizedTurns,
	})
}

func (s *Server) rawSearch(w http.ResponseWriter, r *http.Request) {
	s.layerSearch(w, r, "raw_search", s.raw)
}

func (s *Server) anchorSearch(w http.ResponseWriter, r *http.Request) {
	s.layerSearch(w, r, "anchor_search", s.anchors)
}

func (s *Server) textureSearch(w http.ResponseWriter, r *http.Request) {
	s.layerSearch(w, r, "texture_search", s.graph)
}

// layerSearch is the shared {query, limit?, token} → {results} shape.
func (s *Server) layerSearch(w http.ResponseWriter, r *http.Request, op string, layer chorus.Layer) {
	var req struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, op, req.Token) {
		return
	}
	if req.Limit <= 0 {
		req.Limit = chorus.DefaultRecallLimit
	}
	results, err := layer.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": tagResults(results)})
}

func (s *Server) storeMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content    string `json:"content"`
		AuthorName string `json:"author_name"`
		Channel    string `json:"channel"`
		IsSelf     bool   `json:"is_self"`
		SessionID  string `json:"session_id"`
		Token      string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "store_message", req.Token) {
		return
	}
	if req.Content == "" || req.Channel == "" {
		writeError(w, http.StatusBadRequest, "content and channel required")
		return
	}
	id, _, err := s.ledger.Append(r.Context(), chorus.Message{
		ExternalID: req.SessionID,
		Channel:    req.Channel,
		AuthorName: req.AuthorName,
		Content:    req.Content,
		IsSelf:     req.IsSelf,
		CreatedAt:  chorus.NowUnix(),
	})
	if err != nil {
		s.fail(w, "store_message", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) anchorSave(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content  string `json:"content"`
		Title    string `json:"title"`
		Location string `json:"location"`
		Token    string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "anchor_save", req.Token) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	meta := map[string]string{"title": req.Title}
	if req.Location != "" {
		meta["location"] = req.Location
	}
	if err := s.anchors.Store(r.Context(), req.Content, meta); err != nil {
		s.fail(w, "anchor_save", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) anchorImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		URL   string `json:"url"`
		Path  string `json:"path"`
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "anchor_import", req.Token) {
		return
	}
	var (
		title string
		err   error
	)
	switch {
	case req.URL != "":
		title, err = s.anchors.ImportURL(r.Context(), req.URL)
	case req.Path != "":
		title, err = s.anchors.ImportPDF(r.Context(), req.Path)
	default:
		writeError(w, http.StatusBadRequest, "url or path required")
		return
	}
	if err != nil {
		s.fail(w, "anchor_import", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "title": title})
}

func (s *Server) anchorDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string `json:"name"`
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "anchor_delete", req.Token) {
		return
	}
	if err := s.anchors.Delete(r.Context(), req.Name); err != nil {
		s.fail(w, "anchor_delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) anchorList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "anchor_list", req.Token) {
		return
	}
	listing, err := s.anchors.List(r.Context())
	if err != nil {
		s.fail(w, "anchor_list", err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

func (s *Server) anchorResync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "anchor_resync", req.Token) {
		return
	}
	if err := s.anchors.Resync(r.Context()); err != nil {
		s.fail(w, "anchor_resync", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) textureAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Channel string `json:"channel"`
		Token   string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "texture_add", req.Token) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	meta := map[string]string{}
	if req.Channel != "" {
		meta["channel"] = req.Channel
	}
	if err := s.graph.Store(r.Context(), req.Content, meta); err != nil {
		s.fail(w, "texture_add", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) textureAddTriplet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		chorus.Triplet
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "texture_add_triplet", req.Token) {
		return
	}
	if req.Source == "" || req.Relation == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "source, relationship and target required")
		return
	}
	edge, err := s.graph.AddTriplet(r.Context(), req.Triplet)
	if err != nil {
		s.fail(w, "texture_add_triplet", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "edge_uuid": edge.UUID})
}

func (s *Server) textureDelete(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, "texture_delete", r.URL.Query().Get("token")) {
		return
	}
	if err := s.graph.DeleteEdge(r.Context(), r.PathValue("uuid")); err != nil {
		s.fail(w, "texture_delete", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) textureExplore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Entity string `json:"entity"`
		Depth  int    `json:"depth"`
		Token  string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "texture_explore", req.Token) {
		return
	}
	if req.Entity == "" {
		writeError(w, http.StatusBadRequest, "entity required")
		return
	}
	edges, err := s.graph.Explore(r.Context(), req.Entity, req.Depth)
	if err != nil {
		s.fail(w, "texture_explore", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) textureTimeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Since int64  `json:"since"`
		Until int64  `json:"until"`
		Limit int    `json:"limit"`
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "texture_timeline", req.Token) {
		return
	}
	edges, err := s.graph.Timeline(r.Context(), req.Since, req.Until, req.Limit)
	if err != nil {
		s.fail(w, "texture_timeline", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edges": edges})
}

func (s *Server) crystallize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
		Token   string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "crystallize", req.Token) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	id, err := s.crystals.Add(r.Context(), req.Content)
	if err != nil {
		s.fail(w, "crystallize", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id})
}

func (s *Server) getCrystals(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Count int    `json:"count"`
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "get_crystals", req.Token) {
		return
	}
	if req.Count <= 0 {
		req.Count = 3
	}
	results, err := s.crystals.Search(r.Context(), "", req.Count)
	if err != nil {
		s.fail(w, "get_crystals", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"crystals": tagResults(results)})
}

func (s *Server) deleteLatestCrystal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) || !s.allow(w, "delete_latest_crystal", req.Token) {
		return
	}
	n, err := s.crystals.DeleteLatest(r.Context())
	if err != nil {
		s.fail(w, "delete_latest_crystal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "number": n})
}

func (s *Server) regenerateToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.gate.Regenerate(req.Token)
	if err != nil {
		s.fail(w, "regenerate_token", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// health checks every layer. Exempt from auth; the response status is
// 200 even when a layer is down; availability is in the body.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	layers := map[string]chorus.Layer{
		chorus.LayerRaw:      s.raw,
		chorus.LayerAnchors:  s.anchors,
		chorus.LayerGraph:    s.graph,
		chorus.LayerCrystals: s.crystals,
	}
	report := make(map[string]chorus.LayerHealth, len(layers))
	for name, layer := range layers {
		report[name] = layer.Health(ctx)
	}
	writeJSON(w, http.StatusOK, map[string]any{"layers": report})
}

// --- plumbing ---

// decode reads a JSON body into dst, answering 400 on garbage.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return false
	}
	return true
}

// allow validates the token for op, answering 401/403 on rejection.
func (s *Server) allow(w http.ResponseWriter, op, token string) bool {
	err := s.gate.Validate(op, token)
	if err == nil {
		return true
	}
	status := http.StatusForbidden
	var authErr *chorus.ErrAuth
	if errors.As(err, &authErr) && strings.Contains(authErr.Reason, "missing") {
		status = http.StatusUnauthorized
	}
	writeError(w, status, err.Error())
	return false
}

// fail maps a handler error onto an HTTP status.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	s.logger.Warn("tool call failed", "op", op, "error", err)
	var authErr *chorus.ErrAuth
	switch {
	case errors.As(err, &authErr):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, chorus.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case chorus.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
