package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"kindred/internal/config"
	"kindred/internal/domain"
	"kindred/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.DataDir = t.TempDir()
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, domain.Store) {
	t.Helper()
	st, err := store.Open(cfg.Storage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	eng, err := New(cfg, st, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng, st
}

func TestGetOrCreateUser(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	user, err := eng.GetOrCreateUser(ctx, "alice", "Alice")
	if err != nil {
		t.Fatal(err)
	}
	if user.ID != "alice" || user.Name != "Alice" {
		t.Errorf("user: %+v", user)
	}
	if user.CompanionName != "Kindred" {
		t.Errorf("companion name: %s", user.CompanionName)
	}

	// Second call returns the stored user, no duplicate registration.
	again, err := eng.GetOrCreateUser(ctx, "alice", "Other")
	if err != nil {
		t.Fatal(err)
	}
	if again.Name != "Alice" {
		t.Errorf("existing user must not be renamed: %s", again.Name)
	}
	refs, err := eng.ListUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 {
		t.Errorf("expected one registered user, got %d", len(refs))
	}

	// New users are seeded with profile traits and the initial stage.
	traits, err := eng.GetTraits(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if traits["warmth"] != 80 || traits["empathy"] != 90 {
		t.Errorf("seeded traits: %v", traits)
	}
	state, err := eng.GetRelationshipState(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if state.Stage != "new" {
		t.Errorf("seeded stage: %s", state.Stage)
	}
}

func TestRecordMessage_Validation(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	var verr *domain.ValidationError
	if _, err := eng.RecordMessage(ctx, "../evil", domain.RoleUser, "hi", nil); !errors.As(err, &verr) {
		t.Errorf("bad user id: %v", err)
	}
	if _, err := eng.RecordMessage(ctx, "alice", "narrator", "hi", nil); !errors.As(err, &verr) {
		t.Errorf("bad role: %v", err)
	}
	if _, err := eng.RecordMessage(ctx, "alice", domain.RoleUser, "  <b></b>  ", nil); !errors.As(err, &verr) {
		t.Errorf("empty content after sanitization: %v", err)
	}
}

func TestRecordMessage_HistoryBound(t *testing.T) {
	cfg := testConfig(t)
	cfg.Memory.HistoryLimit = 5
	eng, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		r, err := eng.RecordMessage(ctx, "alice", domain.RoleUser, fmt.Sprintf("message number %d", i), nil)
		if err != nil {
			t.Fatal(err)
		}
		if r.Seq != int64(i) {
			t.Fatalf("seq %d at turn %d", r.Seq, i)
		}
	}

	history, err := eng.GetHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 5 {
		t.Fatalf("expected 5 retained messages, got %d", len(history))
	}
	if history[0].Seq != 3 || history[4].Seq != 7 {
		t.Errorf("oldest evicted first: seqs %d..%d", history[0].Seq, history[4].Seq)
	}
	for i := 1; i < len(history); i++ {
		if history[i].Seq != history[i-1].Seq+1 {
			t.Errorf("history not chronological at %d", i)
		}
	}

	limited, err := eng.GetHistory(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[1].Seq != 7 {
		t.Errorf("limit should return the most recent turns: %v", limited)
	}
}

func TestRecordMessage_DerivesFactsAndMetrics(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	r, err := eng.RecordMessage(ctx, "alice", domain.RoleUser, "my name is Alice and I am really happy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.WordCount != 9 {
		t.Errorf("word count: %d", r.WordCount)
	}
	if len(r.Facts) == 0 || r.Facts[0].Key != "name" {
		t.Errorf("expected name fact, got %v", r.Facts)
	}
	if r.Mood == nil || r.Mood.Emotion != "joy" {
		t.Errorf("expected joy mood, got %v", r.Mood)
	}

	facts, err := eng.GetFacts(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(facts) == 0 || facts[0].Value != "Alice" {
		t.Errorf("fact not persisted: %v", facts)
	}

	m, err := eng.GetMetrics(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if m.MessageCount != 1 || m.UserMessageCount != 1 || m.NextSeq != 1 {
		t.Errorf("metrics: %+v", m)
	}

	// Companion turns count words but derive nothing.
	r, err = eng.RecordMessage(ctx, "alice", domain.RoleCompanion, "that is wonderful to hear", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Facts) != 0 || r.Mood != nil {
		t.Errorf("companion turn must not derive facts or mood: %+v", r)
	}
	m, _ = eng.GetMetrics(ctx, "alice")
	if m.MessageCount != 2 || m.UserMessageCount != 1 {
		t.Errorf("metrics after companion turn: %+v", m)
	}

	state, _ := eng.GetRelationshipState(ctx, "alice")
	if state.InteractionCount != 1 {
		t.Errorf("companion turns are not interactions: %d", state.InteractionCount)
	}
}

func TestRecordMessage_TraitAdaptation(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	before, _ := eng.GetTraits(ctx, "alice")
	if _, err := eng.RecordMessage(ctx, "alice", domain.RoleUser, "please use more humor with me", nil); err != nil {
		t.Fatal(err)
	}
	after, err := eng.GetTraits(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if after["humor"] <= before["humor"] {
		t.Errorf("humor should rise: %v -> %v", before["humor"], after["humor"])
	}
}

func TestUpsertFact_ConfidenceOrderIndependent(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	high := domain.Fact{Key: "name", Value: "Alice", Category: "identity", Confidence: 0.9, Source: domain.SourceUserStated}
	low := domain.Fact{Key: "name", Value: "Alicia", Category: "identity", Confidence: 0.4, Source: domain.SourceInferred}

	if applied, err := eng.UpsertFact(ctx, "alice", high); err != nil || !applied {
		t.Fatalf("high: applied=%v err=%v", applied, err)
	}
	if applied, err := eng.UpsertFact(ctx, "alice", low); err != nil {
		t.Fatal(err)
	} else if applied {
		t.Error("lower confidence must not overwrite")
	}

	f, err := eng.GetFact(ctx, "alice", "name")
	if err != nil {
		t.Fatal(err)
	}
	if f.Value != "Alice" || f.Confidence != 0.9 {
		t.Errorf("stored fact: %+v", f)
	}

	// Same pair in the opposite order lands on the same value.
	if _, err := eng.UpsertFact(ctx, "bob", low); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.UpsertFact(ctx, "bob", high); err != nil {
		t.Fatal(err)
	}
	f, _ = eng.GetFact(ctx, "bob", "name")
	if f.Value != "Alice" {
		t.Errorf("order-dependent outcome: %+v", f)
	}
}

func TestPermanentMemories(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	var verr *domain.ValidationError
	if _, err := eng.AddPermanentMemory(ctx, "alice", "  ", ""); !errors.As(err, &verr) {
		t.Errorf("empty memory must be rejected: %v", err)
	}

	first, err := eng.AddPermanentMemory(ctx, "alice", "wedding anniversary is June 5", "date")
	if err != nil {
		t.Fatal(err)
	}
	second, err := eng.AddPermanentMemory(ctx, "alice", "prefers tea over coffee", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("memories need distinct IDs")
	}

	mems, err := eng.GetPermanentMemories(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mems) != 2 || mems[0].Content != "wedding anniversary is June 5" {
		t.Errorf("memories: %v", mems)
	}
}

func TestMoodEscalation(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	feed := func(emotion string, intensity float64) (string, bool) {
		t.Helper()
		trend, escalate, err := eng.AddMoodSample(ctx, "alice", domain.MoodSample{Emotion: emotion, Intensity: intensity})
		if err != nil {
			t.Fatal(err)
		}
		return trend, escalate
	}

	feed("joy", 0.5)
	feed("joy", 0.5)
	feed("sadness", 0.9)
	trend, escalate := feed("grief", 0.9)
	if trend != domain.TrendEscalating || escalate {
		t.Fatalf("first escalating classification: trend=%s escalate=%v", trend, escalate)
	}
	trend, escalate = feed("loneliness", 0.9)
	if trend != domain.TrendEscalating || !escalate {
		t.Fatalf("second consecutive classification should escalate: trend=%s escalate=%v", trend, escalate)
	}
}

func TestGlobalContext(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	if err := eng.SetGlobalContext(ctx, "season", "winter"); err != nil {
		t.Fatal(err)
	}
	v, err := eng.GetGlobalContext(ctx, "season")
	if err != nil {
		t.Fatal(err)
	}
	if v != "winter" {
		t.Errorf("got %q", v)
	}
	if err := eng.DeleteGlobalContext(ctx, "season"); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.GetGlobalContext(ctx, "season"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentUsersDoNotInterfere(t *testing.T) {
	eng, _ := newTestEngine(t, testConfig(t))
	ctx := context.Background()

	const turns = 20
	users := []string{"alice", "bob", "carol"}

	var wg sync.WaitGroup
	errs := make(chan error, len(users)*turns)
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				if _, err := eng.RecordMessage(ctx, userID, domain.RoleUser, fmt.Sprintf("turn %d", i), nil); err != nil {
					errs <- err
				}
			}
		}(u)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for _, u := range users {
		m, err := eng.GetMetrics(ctx, u)
		if err != nil {
			t.Fatal(err)
		}
		if m.MessageCount != turns {
			t.Errorf("%s: message count %d", u, m.MessageCount)
		}
		if m.NextSeq != turns {
			t.Errorf("%s: next seq %d", u, m.NextSeq)
		}
	}
}

// failingStore wraps a store and fails writes to one collection,
// simulating a crash mid-transaction.
type failingStore struct {
	domain.Store
	failCollection string
}

func (f *failingStore) Put(ctx context.Context, userID, collection, key string, value json.RawMessage) error {
	if collection == f.failCollection {
		return &domain.StorageError{Op: "put", Path: collection, Err: errors.New("injected failure")}
	}
	return f.Store.Put(ctx, userID, collection, key, value)
}

func TestRecordMessage_CrashLeavesMessageAndPriorState(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Storage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	failing := &failingStore{Store: st, failCollection: domain.CollectionMetrics}
	eng, err := New(cfg, failing, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	ctx := context.Background()

	_, err = eng.RecordMessage(ctx, "alice", domain.RoleUser, "hello there", nil)
	var serr *domain.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}

	// The message write preceded the failure and must be visible.
	history, err := eng.GetHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Content != "hello there" {
		t.Fatalf("message should be persisted: %v", history)
	}

	// Derived state past the failure point is untouched.
	m, err := eng.GetMetrics(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if m.MessageCount != 0 || m.NextSeq != 0 {
		t.Errorf("metrics must stay at prior values: %+v", m)
	}
	state, err := eng.GetRelationshipState(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if state.InteractionCount != 0 {
		t.Errorf("relationship state must stay at prior values: %+v", state)
	}
}

func TestRecordMessage_CrashThenNextWriteKeepsBoth(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Storage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	failing := &failingStore{Store: st, failCollection: domain.CollectionMetrics}
	eng, err := New(cfg, failing, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	ctx := context.Background()

	// The first turn persists its message, then dies before the seq
	// cursor is committed.
	_, err = eng.RecordMessage(ctx, "alice", domain.RoleUser, "first message before the crash", nil)
	var serr *domain.StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}

	// After recovery the next turn must not reuse the stale cursor and
	// overwrite the stored message.
	failing.failCollection = ""
	r, err := eng.RecordMessage(ctx, "alice", domain.RoleUser, "second different message", nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Seq != 1 {
		t.Errorf("second turn must skip past the stored seq, got %d", r.Seq)
	}

	history, err := eng.GetHistory(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("both messages must survive, got %d: %v", len(history), history)
	}
	if history[0].Seq != 0 || history[0].Content != "first message before the crash" {
		t.Errorf("pre-crash message lost or changed: %+v", history[0])
	}
	if history[1].Seq != 1 || history[1].Content != "second different message" {
		t.Errorf("post-recovery message: %+v", history[1])
	}

	m, err := eng.GetMetrics(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if m.NextSeq != 2 {
		t.Errorf("cursor must land past both messages: %d", m.NextSeq)
	}
}

// gatedStore blocks writes to one collection until released, holding a
// write transaction open mid-flight.
type gatedStore struct {
	domain.Store
	gateCollection string
	started        chan struct{}
	release        chan struct{}
	once           sync.Once
}

func (g *gatedStore) Put(ctx context.Context, userID, collection, key string, value json.RawMessage) error {
	if collection == g.gateCollection {
		g.once.Do(func() { close(g.started) })
		<-g.release
	}
	return g.Store.Put(ctx, userID, collection, key, value)
}

func TestReadsWaitBehindInFlightWrite(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.Open(cfg.Storage, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	gated := &gatedStore{
		Store:          st,
		gateCollection: domain.CollectionMetrics,
		started:        make(chan struct{}),
		release:        make(chan struct{}),
	}
	eng, err := New(cfg, gated, nil, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := eng.RecordMessage(ctx, "alice", domain.RoleUser, "hello there", nil); err != nil {
			t.Error(err)
		}
	}()
	<-gated.started // message appended, metrics not yet written

	read := make(chan domain.Metrics, 1)
	go func() {
		m, err := eng.GetMetrics(ctx, "alice")
		if err != nil {
			t.Error(err)
		}
		read <- m
	}()

	select {
	case <-read:
		t.Fatal("read returned mid-transaction: it observed the appended message with stale metrics")
	case <-time.After(50 * time.Millisecond):
	}

	close(gated.release)
	<-done
	m := <-read
	if m.MessageCount != 1 || m.NextSeq != 1 {
		t.Errorf("read after the transaction should see it fully applied: %+v", m)
	}
}

func TestEncryption_FactValueSealedAtRest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Encryption.Enabled = true
	cfg.Encryption.Secret = "test-secret"
	eng, st := newTestEngine(t, cfg)
	ctx := context.Background()

	fact := domain.Fact{Key: "email", Value: "alice@example.com", Category: "identity", Confidence: 1, Source: domain.SourceUserStated}
	if _, err := eng.UpsertFact(ctx, "alice", fact); err != nil {
		t.Fatal(err)
	}

	// Raw stored bytes must not contain the plaintext.
	raw, err := st.Get(ctx, "alice", domain.CollectionFacts, "email")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "alice@example.com") {
		t.Error("sensitive fact value stored in clear")
	}
	if !strings.Contains(string(raw), `"$enc"`) {
		t.Errorf("expected encryption marker in %s", raw)
	}

	// The engine reads it back transparently.
	got, err := eng.GetFact(ctx, "alice", "email")
	if err != nil {
		t.Fatal(err)
	}
	if got.Value != "alice@example.com" {
		t.Errorf("round-trip: %+v", got)
	}

	// Non-sensitive facts stay readable at rest.
	plain := domain.Fact{Key: "name", Value: "Alice", Category: "identity", Confidence: 1, Source: domain.SourceUserStated}
	if _, err := eng.UpsertFact(ctx, "alice", plain); err != nil {
		t.Fatal(err)
	}
	raw, _ = st.Get(ctx, "alice", domain.CollectionFacts, "name")
	if !strings.Contains(string(raw), "Alice") {
		t.Errorf("non-sensitive fact should be in clear: %s", raw)
	}
}

func TestEncryption_WrongKeyFailsClosed(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Defaults()
	cfg.Storage.DataDir = dir
	cfg.Encryption.Enabled = true
	cfg.Encryption.Secret = "first-secret"
	eng, _ := newTestEngine(t, cfg)
	ctx := context.Background()

	fact := domain.Fact{Key: "phone", Value: "555-0100", Category: "context", Confidence: 1, Source: domain.SourceUserStated}
	if _, err := eng.UpsertFact(ctx, "alice", fact); err != nil {
		t.Fatal(err)
	}
	eng.Close()

	cfg2 := config.Defaults()
	cfg2.Storage.DataDir = dir
	cfg2.Encryption.Enabled = true
	cfg2.Encryption.Secret = "second-secret"
	eng2, _ := newTestEngine(t, cfg2)

	_, err := eng2.GetFact(ctx, "alice", "phone")
	if !errors.Is(err, domain.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
}
