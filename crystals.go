package chorus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

// DefaultCrystalWindow is how many crystals stay current before the
// oldest rolls into the archive.
const DefaultCrystalWindow = 4

var crystalNameRe = regexp.MustCompile(`^crystal-(\d+)\.md$`)

// CrystalStore is L4: monotonically numbered continuity documents in a
// rolling window. Inserting past the window archives the lowest number;
// only the highest-numbered crystal may be deleted. Archived crystals
// are append-only history.
type CrystalStore struct {
	dir        string
	archiveDir string
	window     int

	mu     sync.Mutex
	logger *slog.Logger
}

var _ Layer = (*CrystalStore)(nil)

// CrystalOption configures a CrystalStore.
type CrystalOption func(*CrystalStore)

// WithCrystalWindow overrides the rolling window size.
func WithCrystalWindow(n int) CrystalOption {
	return func(c *CrystalStore) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithCrystalLogger sets a structured logger.
func WithCrystalLogger(l *slog.Logger) CrystalOption {
	return func(c *CrystalStore) { c.logger = l }
}

// NewCrystalStore creates the store under dir, with archive/ beside
// the current set.
func NewCrystalStore(dir string, opts ...CrystalOption) (*CrystalStore, error) {
	c := &CrystalStore{
		dir:        dir,
		archiveDir: filepath.Join(dir, "archive"),
		window:     DefaultCrystalWindow,
		logger:     nopLogger,
	}
	for _, o := range opts {
		o(c)
	}
	if err := os.MkdirAll(c.archiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("crystal dir: %w", err)
	}
	return c, nil
}

// Search ignores the query: crystals are chronological context, not a
// semantic store. It returns the limit highest-numbered current
// crystals in ascending order.
func (c *CrystalStore) Search(ctx context.Context, _ string, limit int) ([]SearchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	numbers, err := c.currentNumbers()
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(numbers) > limit {
		numbers = numbers[len(numbers)-limit:]
	}
	results := make([]SearchResult, 0, len(numbers))
	for _, n := range numbers {
		body, err := os.ReadFile(c.path(n, false))
		if err != nil {
			return nil, fmt.Errorf("crystal read %d: %w", n, err)
		}
		results = append(results, SearchResult{
			Content:   string(body),
			Source:    LayerCrystals,
			Relevance: 1.0,
			Meta:      CrystalMeta{Number: n},
		})
	}
	return results, nil
}

// Store implements the Layer contract over Add.
func (c *CrystalStore) Store(ctx context.Context, content string, _ map[string]string) error {
	_, err := c.Add(ctx, content)
	return err
}

// Add allocates the next number, writes the file, and rolls the lowest
// current crystal into the archive when the window overflows. Returns
// the allocated number.
func (c *CrystalStore) Add(_ context.Context, content string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	numbers, err := c.currentNumbers()
	if err != nil {
		return 0, err
	}
	next := 1
	if len(numbers) > 0 {
		next = numbers[len(numbers)-1] + 1
	}
	if err := os.WriteFile(c.path(next, false), []byte(content), 0o644); err != nil {
		return 0, fmt.Errorf("crystal write %d: %w", next, err)
	}
	c.logger.Info("crystal written", "number", next, "bytes", len(content))

	if len(numbers)+1 > c.window {
		oldest := numbers[0]
		if err := os.Rename(c.path(oldest, false), c.path(oldest, true)); err != nil {
			return 0, fmt.Errorf("crystal archive %d: %w", oldest, err)
		}
		c.logger.Info("crystal archived", "number", oldest)
	}
	return next, nil
}

func (c *CrystalStore) Health(_ context.Context) LayerHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	numbers, err := c.currentNumbers()
	if err != nil {
		return LayerHealth{Available: false, Message: err.Error()}
	}
	latest := 0
	if len(numbers) > 0 {
		latest = numbers[len(numbers)-1]
	}
	return LayerHealth{
		Available: true,
		Details: map[string]string{
			"current": strconv.Itoa(len(numbers)),
			"latest":  strconv.Itoa(latest),
		},
	}
}

// DeleteLatest removes the highest-numbered current crystal. Older
// crystals cannot be deleted.
func (c *CrystalStore) DeleteLatest(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	numbers, err := c.currentNumbers()
	if err != nil {
		return 0, err
	}
	if len(numbers) == 0 {
		return 0, ErrNotFound
	}
	latest := numbers[len(numbers)-1]
	if err := os.Remove(c.path(latest, false)); err != nil {
		return 0, fmt.Errorf("crystal delete %d: %w", latest, err)
	}
	c.logger.Info("crystal deleted", "number", latest)
	return latest, nil
}

// Latest returns the highest current crystal number, 0 when empty.
func (c *CrystalStore) Latest() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	numbers, err := c.currentNumbers()
	if err != nil || len(numbers) == 0 {
		return 0, err
	}
	return numbers[len(numbers)-1], nil
}

// Archived lists archived crystal numbers, ascending.
func (c *CrystalStore) Archived() ([]int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return scanCrystalDir(c.archiveDir)
}

func (c *CrystalStore) currentNumbers() ([]int, error) {
	return scanCrystalDir(c.dir)
}

func (c *CrystalStore) path(n int, archived bool) string {
	dir := c.dir
	if archived {
		dir = c.archiveDir
	}
	return filepath.Join(dir, fmt.Sprintf("crystal-%d.md", n))
}

func scanCrystalDir(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("crystal dir read: %w", err)
	}
	var numbers []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := crystalNameRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}
