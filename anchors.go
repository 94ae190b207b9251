package chorus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
)

// AnchorStore is L2: named markdown documents on disk, mirrored into a
// vector index keyed by filename stem. Disk is the source of truth;
// every search starts with an idempotent disk→index synchronisation
// (add on miss, update on hash mismatch, skip on match).
type AnchorStore struct {
	dir   string
	index VectorIndex

	// syncMu serialises sync passes; reads and writes of individual
	// files do not need it.
	syncMu sync.Mutex

	now    func() time.Time
	logger *slog.Logger
}

var _ Layer = (*AnchorStore)(nil)

// AnchorOption configures an AnchorStore.
type AnchorOption func(*AnchorStore)

// WithAnchorLogger sets a structured logger.
func WithAnchorLogger(l *slog.Logger) AnchorOption {
	return func(a *AnchorStore) { a.logger = l }
}

// withAnchorClock overrides the time source. Tests only.
func withAnchorClock(now func() time.Time) AnchorOption {
	return func(a *AnchorStore) { a.now = now }
}

// NewAnchorStore creates the store, making dir if needed.
func NewAnchorStore(dir string, index VectorIndex, opts ...AnchorOption) (*AnchorStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("anchor dir: %w", err)
	}
	a := &AnchorStore{
		dir:    dir,
		index:  index,
		now:    time.Now,
		logger: nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Search synchronises then queries the vector index. Relevance is
// max(0, 1 − distance/2) when the index reports distances, else a
// rank-based score.
func (a *AnchorStore) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if err := a.Sync(ctx); err != nil {
		return nil, err
	}
	hits, err := a.index.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("anchor search: %w", err)
	}
	results := make([]SearchResult, 0, len(hits))
	for i, h := range hits {
		rel := rankScore(i)
		if h.HasDistance {
			rel = max(0, 1-h.Distance/2)
		}
		fm, body := splitFrontMatter(h.Content)
		results = append(results, SearchResult{
			Content:   body,
			Source:    LayerAnchors,
			Relevance: rel,
			Meta:      AnchorMeta{Name: h.Name, FrontMatter: fm},
		})
	}
	return results, nil
}

// Store writes a new anchor file and synchronises. The filename is
// derived from metadata["title"] (falling back to the first markdown
// heading, then the first line), date-prefixed.
func (a *AnchorStore) Store(ctx context.Context, content string, metadata map[string]string) error {
	title := metadata["title"]
	if title == "" {
		title = markdownTitle(content)
	}
	if title == "" {
		title = "untitled"
	}
	name := a.now().Format("2006-01-02") + "-" + slugify(title)
	path := filepath.Join(a.dir, name+".md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("anchor store: %w", err)
	}
	a.logger.Info("anchor written", "name", name, "bytes", len(content))
	return a.Sync(ctx)
}

func (a *AnchorStore) Health(ctx context.Context) LayerHealth {
	if _, err := os.Stat(a.dir); err != nil {
		return LayerHealth{Available: false, Message: err.Error()}
	}
	if err := a.index.Ping(ctx); err != nil {
		return LayerHealth{Available: false, Message: "vector index unreachable: " + err.Error()}
	}
	names, err := a.diskAnchors()
	if err != nil {
		return LayerHealth{Available: false, Message: err.Error()}
	}
	return LayerHealth{
		Available: true,
		Details:   map[string]string{"disk_files": fmt.Sprintf("%d", len(names))},
	}
}

// Delete removes an anchor from disk and the index. A missing file is
// not an error; the index entry is still cleared.
func (a *AnchorStore) Delete(ctx context.Context, name string) error {
	path := filepath.Join(a.dir, name+".md")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("anchor delete: %w", err)
	}
	if err := a.index.Delete(ctx, name); err != nil {
		return fmt.Errorf("anchor delete index: %w", err)
	}
	a.logger.Info("anchor deleted", "name", name)
	return nil
}

// Resync drops the vector collection and rebuilds it from disk.
func (a *AnchorStore) Resync(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	if err := a.index.Drop(ctx); err != nil {
		return fmt.Errorf("anchor resync drop: %w", err)
	}
	return a.syncLocked(ctx)
}

// AnchorListing reports the disk/index reconciliation state.
type AnchorListing struct {
	DiskFiles    []string `json:"disk_files"`
	StoreEntries []string `json:"store_entries"`
	Orphans      []string `json:"orphans"` // in index, not on disk
	Missing      []string `json:"missing"` // on disk, not in index
	Synced       []string `json:"synced"`
}

// List reconciles disk against the index without mutating either.
func (a *AnchorStore) List(ctx context.Context) (*AnchorListing, error) {
	names, err := a.diskAnchors()
	if err != nil {
		return nil, err
	}
	entries, err := a.index.Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("anchor list: %w", err)
	}

	listing := &AnchorListing{DiskFiles: names}
	onDisk := make(map[string]bool, len(names))
	for _, n := range names {
		onDisk[n] = true
	}
	for n := range entries {
		listing.StoreEntries = append(listing.StoreEntries, n)
		if !onDisk[n] {
			listing.Orphans = append(listing.Orphans, n)
		}
	}
	for _, n := range names {
		hash, ok := entries[n]
		switch {
		case !ok:
			listing.Missing = append(listing.Missing, n)
		default:
			diskHash, err := a.fileHash(n)
			if err != nil {
				return nil, err
			}
			if diskHash == hash {
				listing.Synced = append(listing.Synced, n)
			} else {
				listing.Missing = append(listing.Missing, n)
			}
		}
	}
	sort.Strings(listing.StoreEntries)
	sort.Strings(listing.Orphans)
	sort.Strings(listing.Missing)
	sort.Strings(listing.Synced)
	return listing, nil
}

// Sync reconciles disk→index: upsert anything new or changed, leave
// matching hashes alone. Orphaned index entries are removed.
func (a *AnchorStore) Sync(ctx context.Context) error {
	a.syncMu.Lock()
	defer a.syncMu.Unlock()
	return a.syncLocked(ctx)
}

func (a *AnchorStore) syncLocked(ctx context.Context) error {
	started := time.Now()
	names, err := a.diskAnchors()
	if err != nil {
		return err
	}
	entries, err := a.index.Entries(ctx)
	if err != nil {
		return fmt.Errorf("anchor sync: %w", err)
	}

	added, updated, removed := 0, 0, 0
	onDisk := make(map[string]bool, len(names))
	for _, name := range names {
		onDisk[name] = true
		raw, err := os.ReadFile(filepath.Join(a.dir, name+".md"))
		if err != nil {
			return fmt.Errorf("anchor sync read %s: %w", name, err)
		}
		hash := contentHash(raw)
		if prev, ok := entries[name]; ok && prev == hash {
			continue
		} else if ok {
			updated++
		} else {
			added++
		}
		fm, _ := splitFrontMatter(string(raw))
		doc := IndexDoc{Name: name, Content: string(raw), Hash: hash, Meta: fm}
		if err := a.index.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("anchor sync upsert %s: %w", name, err)
		}
	}
	for name := range entries {
		if !onDisk[name] {
			if err := a.index.Delete(ctx, name); err != nil {
				return fmt.Errorf("anchor sync delete %s: %w", name, err)
			}
			removed++
		}
	}
	if added+updated+removed > 0 {
		a.logger.Info("anchors synced",
			"added", added, "updated", updated, "removed", removed,
			"duration", time.Since(started))
	}
	return nil
}

// diskAnchors lists anchor names (filename stems) on disk, sorted.
func (a *AnchorStore) diskAnchors() ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("anchor dir read: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)
	return names, nil
}

func (a *AnchorStore) fileHash(name string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(a.dir, name+".md"))
	if err != nil {
		return "", fmt.Errorf("anchor hash %s: %w", name, err)
	}
	return contentHash(raw), nil
}

func contentHash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// markdownTitle extracts the first heading's text from a markdown
// document, walking the goldmark AST.
func markdownTitle(md string) string {
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(gmtext.NewReader(src))
	var title string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			var b strings.Builder
			for c := h.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(src))
				}
			}
			title = strings.TrimSpace(b.String())
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title
}

// slugify lowercases a title into a safe filename fragment.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	dash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if len(out) > 60 {
		out = out[:60]
		out = strings.TrimSuffix(out, "-")
	}
	if out == "" {
		out = "untitled"
	}
	return out
}

// splitFrontMatter parses an optional leading "---\nkey: value\n---"
// block, returning the key/value map and the remaining body.
func splitFrontMatter(s string) (map[string]string, string) {
	trimmed := strings.TrimLeft(s, "\n")
	if !strings.HasPrefix(trimmed, "---\n") {
		return nil, s
	}
	rest := trimmed[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, s
	}
	block := rest[:end]
	body := strings.TrimPrefix(rest[end+4:], "\n")
	fm := make(map[string]string)
	for _, line := range strings.Split(block, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		fm[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"`)
	}
	if len(fm) == 0 {
		return nil, s
	}
	return fm, body
}
