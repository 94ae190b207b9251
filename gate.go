package chorus

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Gate validates the opaque token field on privileged memory
// operations. Two secrets: the per-daemon entity token (read from a
// file, auto-generated when missing) and an optional master override.
//
// In strict mode a missing or invalid token rejects; in permissive
// mode only an invalid one does. A small exempt set (health checks,
// shared-read search) bypasses auth entirely.
type Gate struct {
	mu          sync.RWMutex
	entityToken string
	tokenPath   string
	masterToken string
	strict      bool
	exempt      map[string]struct{}
	logger      *slog.Logger
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithStrictAuth requires a valid token on every guarded operation.
// Default is permissive: a missing token passes, an invalid one fails.
func WithStrictAuth(strict bool) GateOption {
	return func(g *Gate) { g.strict = strict }
}

// WithMasterToken sets the global override secret. Empty disables it.
func WithMasterToken(token string) GateOption {
	return func(g *Gate) { g.masterToken = strings.TrimSpace(token) }
}

// WithExemptOps replaces the default exempt set.
func WithExemptOps(ops ...string) GateOption {
	return func(g *Gate) {
		g.exempt = make(map[string]struct{}, len(ops))
		for _, op := range ops {
			g.exempt[op] = struct{}{}
		}
	}
}

// WithGateLogger sets a structured logger for auth decisions.
func WithGateLogger(l *slog.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// DefaultExemptOps bypass authentication: liveness checks and the
// shared-read search surface.
var DefaultExemptOps = []string{"pps_health", "raw_search", "store_message"}

// NewGate loads (or creates) the entity token at tokenPath and returns
// a configured Gate.
func NewGate(tokenPath string, opts ...GateOption) (*Gate, error) {
	g := &Gate{tokenPath: tokenPath, logger: nopLogger}
	g.exempt = make(map[string]struct{}, len(DefaultExemptOps))
	for _, op := range DefaultExemptOps {
		g.exempt[op] = struct{}{}
	}
	for _, o := range opts {
		o(g)
	}

	token, err := loadOrCreateToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("gate: entity token: %w", err)
	}
	g.entityToken = token
	g.logger.Debug("gate ready", "path", tokenPath, "strict", g.strict, "master_set", g.masterToken != "")
	return g, nil
}

// Validate checks token for op. A nil return means the call may
// proceed; otherwise the error is an *ErrAuth with the reason.
func (g *Gate) Validate(op, token string) error {
	if _, ok := g.exempt[op]; ok {
		return nil
	}
	token = strings.TrimSpace(token)

	g.mu.RLock()
	entity, master, strict := g.entityToken, g.masterToken, g.strict
	g.mu.RUnlock()

	if token == "" {
		if strict {
			g.logger.Warn("auth rejected", "op", op, "reason", "missing token")
			return &ErrAuth{Reason: "missing token (strict mode)"}
		}
		return nil
	}
	if token == entity {
		return nil
	}
	if master != "" && token == master {
		return nil
	}
	g.logger.Warn("auth rejected", "op", op, "reason", "invalid token")
	return &ErrAuth{Reason: "invalid token"}
}

// IsMaster reports whether token is the master secret.
func (g *Gate) IsMaster(token string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.masterToken != "" && strings.TrimSpace(token) == g.masterToken
}

// EntityToken returns the current entity token (for the stdio adapter,
// which injects it into forwarded requests).
func (g *Gate) EntityToken() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.entityToken
}

// Regenerate atomically writes a fresh entity token and invalidates the
// old one. Master-only: callers must present the master secret.
func (g *Gate) Regenerate(masterToken string) (string, error) {
	if !g.IsMaster(masterToken) {
		return "", &ErrAuth{Reason: "regenerate requires master token"}
	}
	token := uuid.NewString()
	if err := writeTokenAtomic(g.tokenPath, token); err != nil {
		return "", fmt.Errorf("gate: regenerate: %w", err)
	}
	g.mu.Lock()
	g.entityToken = token
	g.mu.Unlock()
	g.logger.Info("entity token regenerated", "path", g.tokenPath)
	return token, nil
}

// LoadOrCreateToken reads a token file, generating and persisting a
// fresh UUIDv4 when the file is missing or empty. The gate uses it for
// the entity token; daemons reuse it for their fabric credential.
func LoadOrCreateToken(path string) (string, error) {
	return loadOrCreateToken(path)
}

// loadOrCreateToken reads the token file, generating and persisting a
// fresh UUIDv4 when the file does not exist.
func loadOrCreateToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	token := uuid.NewString()
	if err := writeTokenAtomic(path, token); err != nil {
		return "", err
	}
	return token, nil
}

// writeTokenAtomic writes token via a temp file + rename so readers
// never observe a partial write.
func writeTokenAtomic(path, token string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.WriteString(token + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
