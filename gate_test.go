package chorus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func newTestGate(t *testing.T, opts ...GateOption) *Gate {
	t.Helper()
	g, err := NewGate(filepath.Join(t.TempDir(), "entity.token"), opts...)
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestGate_PermissiveAllowsMissingToken(t *testing.T) {
	g := newTestGate(t)
	if err := g.Validate("anchor_store", ""); err != nil {
		t.Fatalf("permissive mode rejected missing token: %v", err)
	}
}

func TestGate_StrictRejectsMissingToken(t *testing.T) {
	g := newTestGate(t, WithStrictAuth(true))
	err := g.Validate("anchor_store", "")
	var authErr *ErrAuth
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want *ErrAuth", err)
	}
}

func TestGate_InvalidTokenRejectedEitherMode(t *testing.T) {
	for _, strict := range []bool{false, true} {
		g := newTestGate(t, WithStrictAuth(strict))
		err := g.Validate("anchor_store", "wrong")
		var authErr *ErrAuth
		if !errors.As(err, &authErr) {
			t.Errorf("strict=%v: got %v, want *ErrAuth", strict, err)
		}
	}
}

func TestGate_EntityTokenAccepted(t *testing.T) {
	g := newTestGate(t, WithStrictAuth(true))
	if err := g.Validate("anchor_store", g.EntityToken()); err != nil {
		t.Fatalf("entity token rejected: %v", err)
	}
}

func TestGate_MasterTokenAccepted(t *testing.T) {
	g := newTestGate(t, WithStrictAuth(true), WithMasterToken("master-secret"))
	if err := g.Validate("anchor_store", "master-secret"); err != nil {
		t.Fatalf("master token rejected: %v", err)
	}
	if !g.IsMaster("master-secret") {
		t.Error("IsMaster(master) = false")
	}
	if g.IsMaster(g.EntityToken()) {
		t.Error("IsMaster(entity) = true")
	}
}

func TestGate_ExemptOpsBypassAuth(t *testing.T) {
	g := newTestGate(t, WithStrictAuth(true))
	for _, op := range DefaultExemptOps {
		if err := g.Validate(op, "totally-wrong"); err != nil {
			t.Errorf("exempt op %q rejected: %v", op, err)
		}
	}
}

func TestGate_RegenerateRequiresMaster(t *testing.T) {
	g := newTestGate(t, WithMasterToken("master-secret"))
	old := g.EntityToken()

	if _, err := g.Regenerate(old); err == nil {
		t.Fatal("Regenerate with non-master token succeeded")
	}

	fresh, err := g.Regenerate("master-secret")
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if fresh == old {
		t.Error("Regenerate returned the old token")
	}
	if g.EntityToken() != fresh {
		t.Error("EntityToken did not rotate")
	}
	if err := g.Validate("anchor_store", old); err == nil {
		t.Error("old token still accepted after regenerate")
	}
}

func TestLoadOrCreateToken_PersistsAcrossLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fabric.token")

	first, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("LoadOrCreateToken: %v", err)
	}
	if first == "" {
		t.Fatal("empty token generated")
	}

	second, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if second != first {
		t.Errorf("token not stable: %q then %q", first, second)
	}
}

func TestLoadOrCreateToken_TrimsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entity.token")
	if err := os.WriteFile(path, []byte("  abc123\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	token, err := LoadOrCreateToken(path)
	if err != nil {
		t.Fatalf("LoadOrCreateToken: %v", err)
	}
	if token != "abc123" {
		t.Errorf("got %q, want %q", token, "abc123")
	}
}
