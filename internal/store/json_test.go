package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"kindred/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// runStoreContract exercises the behavior both backends must share.
func runStoreContract(t *testing.T, s domain.Store) {
	t.Helper()
	ctx := context.Background()

	// Get on a missing user/collection/key is ErrNotFound.
	if _, err := s.Get(ctx, "alice", "facts", "name"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// List of a missing collection is empty, not an error.
	recs, err := s.List(ctx, "alice", "facts")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty list, got %d records", len(recs))
	}

	// Put then Get round-trips.
	if err := s.Put(ctx, "alice", "facts", "name", json.RawMessage(`{"v":"Alice"}`)); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "alice", "facts", "name")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"v":"Alice"}` {
		t.Errorf("got %s", got)
	}

	// Insertion order is preserved; replacing a key keeps its position.
	s.Put(ctx, "alice", "facts", "city", json.RawMessage(`"paris"`))
	s.Put(ctx, "alice", "facts", "job", json.RawMessage(`"painter"`))
	s.Put(ctx, "alice", "facts", "name", json.RawMessage(`{"v":"Alicia"}`))

	recs, err = s.List(ctx, "alice", "facts")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	wantOrder := []string{"name", "city", "job"}
	if len(recs) != len(wantOrder) {
		t.Fatalf("expected %d records, got %d", len(wantOrder), len(recs))
	}
	for i, key := range wantOrder {
		if recs[i].Key != key {
			t.Errorf("record %d: expected key %s, got %s", i, key, recs[i].Key)
		}
	}
	if string(recs[0].Value) != `{"v":"Alicia"}` {
		t.Errorf("replaced value not updated: %s", recs[0].Value)
	}

	// Users are isolated.
	if _, err := s.Get(ctx, "bob", "facts", "name"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected isolation between users, got %v", err)
	}

	// Delete removes; deleting a missing key is a no-op.
	if err := s.Delete(ctx, "alice", "facts", "city"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "alice", "facts", "city"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "alice", "facts", "nope"); err != nil {
		t.Errorf("deleting missing key: %v", err)
	}

	// Users index.
	if err := s.RegisterUser(ctx, domain.UserRef{ID: "bob"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterUser(ctx, domain.UserRef{ID: "alice"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.RegisterUser(ctx, domain.UserRef{ID: "alice"}); err != nil {
		t.Errorf("re-registering should be a no-op: %v", err)
	}
	refs, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(refs) != 2 || refs[0].ID != "alice" || refs[1].ID != "bob" {
		t.Errorf("expected [alice bob], got %v", refs)
	}

	// Global context.
	if err := s.PutGlobal(ctx, "theme", json.RawMessage(`"dark"`)); err != nil {
		t.Fatalf("put global: %v", err)
	}
	gv, err := s.GetGlobal(ctx, "theme")
	if err != nil {
		t.Fatalf("get global: %v", err)
	}
	if string(gv) != `"dark"` {
		t.Errorf("global value: %s", gv)
	}
	if err := s.DeleteGlobal(ctx, "theme"); err != nil {
		t.Fatalf("delete global: %v", err)
	}
	if _, err := s.GetGlobal(ctx, "theme"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound after global delete, got %v", err)
	}
}

func TestJSONStore_Contract(t *testing.T) {
	s, err := NewJSONStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	runStoreContract(t, s)
}

func TestJSONStore_RejectsBadUserID(t *testing.T) {
	s, err := NewJSONStore(t.TempDir(), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var verr *domain.ValidationError
	err = s.Put(context.Background(), "../evil", "facts", "k", json.RawMessage(`1`))
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for traversal ID, got %v", err)
	}
	err = s.Put(context.Background(), "", "facts", "k", json.RawMessage(`1`))
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for empty ID, got %v", err)
	}
}

func TestJSONStore_CorruptFileSurfacesAndStays(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "alice", "facts", "k", json.RawMessage(`"v"`)); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "alice", "facts.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	var cerr *domain.CorruptDataError
	if _, err := s.Get(ctx, "alice", "facts", "k"); !errors.As(err, &cerr) {
		t.Fatalf("expected CorruptDataError, got %v", err)
	}
	if _, err := s.List(ctx, "alice", "facts"); !errors.As(err, &cerr) {
		t.Fatalf("expected CorruptDataError from list, got %v", err)
	}

	// The corrupt file must be left in place for diagnosis, never
	// overwritten with defaults.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "{not json" {
		t.Errorf("corrupt file was modified: %s", data)
	}

	// And a write must refuse rather than clobber it.
	if err := s.Put(ctx, "alice", "facts", "k2", json.RawMessage(`"v2"`)); !errors.As(err, &cerr) {
		t.Errorf("expected put to surface corruption, got %v", err)
	}
}

func TestJSONStore_AtomicWriteLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	s, err := NewJSONStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		if err := s.Put(ctx, "alice", "messages", "k", json.RawMessage(`"x"`)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestJSONStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewJSONStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "alice", "facts", "name", json.RawMessage(`"Alice"`)); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewJSONStore(dir, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, "alice", "facts", "name")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `"Alice"` {
		t.Errorf("got %s", got)
	}
}
