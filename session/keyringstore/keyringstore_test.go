package keyringstore

import (
	"context"
	"testing"

	"github.com/99designs/keyring"

	"github.com/ggoodman/pushguard/session"
)

func openFileStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		ServiceName:  "pushguard-test",
		Backends:     []keyring.BackendType{keyring.FileBackend},
		FileDir:      t.TempDir(),
		FilePassword: "test",
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_RoundTrip(t *testing.T) {
	s := openFileStore(t)
	ctx := context.Background()

	if _, ok, err := s.Get(ctx, session.KeyToken); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, session.KeyToken, "abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, session.KeyToken)
	if err != nil || !ok || v != "abc" {
		t.Fatalf("expected abc, got %q ok=%v err=%v", v, ok, err)
	}
	if err := s.Delete(ctx, session.AllKeys...); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, session.KeyToken); ok {
		t.Fatal("expected key removed")
	}
}

func TestStore_BacksManager(t *testing.T) {
	s := openFileStore(t)
	ctx := context.Background()
	m, err := session.NewManager(session.Config{Keys: s})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if _, err := m.LoginLocal(ctx, "opaque-token", "rt"); err != nil {
		t.Fatalf("LoginLocal: %v", err)
	}
	again, _ := session.NewManager(session.Config{Keys: s})
	c, err := again.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if c.Token != "opaque-token" || c.RefreshToken != "rt" || c.Provenance != session.ProvenanceLocal {
		t.Fatalf("unexpected restored credential %+v", c)
	}
}
