package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/storage/sqlite"
)

func testConfig() config.CacheConfig {
	return config.CacheConfig{
		Enabled:           true,
		DefaultTTL:        time.Hour,
		MaxEntries:        100,
		MinResponseLength: 5,
		NoCachePatterns:   []string{"current time", "weather"},
	}
}

func newTestManager(t *testing.T, cfg config.CacheConfig) (*Manager, *sqlite.Store) {
	t.Helper()
	s, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("sqlite.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m, err := New(cfg, s)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, s
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("Hello World")
	if len(fp) != 16 {
		t.Fatalf("len = %d, want 16", len(fp))
	}
	// Normalisation: case and surrounding whitespace do not matter.
	if Fingerprint("  hello world  ") != fp {
		t.Error("fingerprint should normalise case and whitespace")
	}
	if Fingerprint("hello worlds") == fp {
		t.Error("different messages should not collide")
	}
}

func TestKey(t *testing.T) {
	t.Parallel()

	fp := Fingerprint("msg")
	if got := Key("alpha", "", "msg"); got != "alpha:"+fp {
		t.Errorf("Key = %q", got)
	}
	if got := Key("alpha", "m1", "msg"); got != "alpha:m1:"+fp {
		t.Errorf("Key = %q", got)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	if !m.Put(ctx, "alpha", "", "what is go", "a programming language", 5, 0) {
		t.Fatal("Put rejected")
	}

	e, ok := m.Get(ctx, "alpha", "", "what is go")
	if !ok {
		t.Fatal("Get missed")
	}
	if e.Text != "a programming language" || e.Tokens != 5 {
		t.Errorf("entry = %+v", e)
	}

	// Different provider misses.
	if _, ok := m.Get(ctx, "beta", "", "what is go"); ok {
		t.Error("different provider should miss")
	}
}

func TestGetSurvivesHotTierLoss(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	m, store := newTestManager(t, cfg)
	ctx := context.Background()

	m.Put(ctx, "alpha", "", "question", "persistent answer", 2, 0)

	// A fresh manager over the same store simulates a restart: the hot
	// tier is gone, the persistent tier serves the hit.
	m2, err := New(cfg, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e, ok := m2.Get(ctx, "alpha", "", "question")
	if !ok {
		t.Fatal("Get missed after hot tier loss")
	}
	if e.Text != "persistent answer" {
		t.Errorf("Text = %q", e.Text)
	}
}

func TestHitCountIncrements(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, testConfig())
	ctx := context.Background()

	m.Put(ctx, "alpha", "", "counted", "the answer text", 1, 0)
	key := Key("alpha", "", "counted")

	for range 3 {
		if _, ok := m.Get(ctx, "alpha", "", "counted"); !ok {
			t.Fatal("Get missed")
		}
	}

	ce, err := store.GetCacheEntry(ctx, key)
	if err != nil {
		t.Fatalf("GetCacheEntry: %v", err)
	}
	if ce.HitCount != 3 {
		t.Errorf("HitCount = %d, want 3", ce.HitCount)
	}
}

func TestNegativePatternsSkipCache(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, testConfig())
	ctx := context.Background()

	if m.Put(ctx, "alpha", "", "what is the CURRENT TIME in Oslo", "12:00 sharp", 1, 0) {
		t.Error("Put should skip negative-pattern messages")
	}
	if n, _ := store.CountCacheEntries(ctx); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
	if _, ok := m.Get(ctx, "alpha", "", "what's the weather"); ok {
		t.Error("Get should miss negative-pattern messages")
	}
}

func TestMinResponseLength(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig())

	if m.Put(context.Background(), "alpha", "", "short answer", "ok", 1, 0) {
		t.Error("Put should skip responses below min length")
	}
}

func TestDisabledCache(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	if m.Put(ctx, "alpha", "", "q", "long enough answer", 1, 0) {
		t.Error("Put should be a no-op when disabled")
	}
	if _, ok := m.Get(ctx, "alpha", "", "q"); ok {
		t.Error("Get should miss when disabled")
	}
}

func TestExpiredEntryDeletedOnAccess(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, testConfig())
	ctx := context.Background()

	m.Put(ctx, "alpha", "", "fleeting", "soon gone answer", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	if _, ok := m.Get(ctx, "alpha", "", "fleeting"); ok {
		t.Fatal("expired entry should miss")
	}
	if n, _ := store.CountCacheEntries(ctx); n != 0 {
		t.Errorf("entries = %d, want 0 after access-delete", n)
	}
}

func TestEnforceMaxEntries(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.MaxEntries = 3
	m, store := newTestManager(t, cfg)
	ctx := context.Background()

	for i, msg := range []string{"one", "two", "three", "four", "five"} {
		m.Put(ctx, "alpha", "", msg, "answer number x", i, 0)
	}

	evicted, err := m.EnforceMaxEntries(ctx)
	if err != nil {
		t.Fatalf("EnforceMaxEntries: %v", err)
	}
	if evicted != 2 {
		t.Errorf("evicted = %d, want 2", evicted)
	}
	if n, _ := store.CountCacheEntries(ctx); n != 3 {
		t.Errorf("entries = %d, want 3", n)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, testConfig())
	ctx := context.Background()

	m.Put(ctx, "alpha", "", "q1", "first answer body", 1, 0)
	m.Get(ctx, "alpha", "", "q1")   // hit
	m.Get(ctx, "alpha", "", "nope") // miss

	s, err := m.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if s.Entries != 1 {
		t.Errorf("Entries = %d, want 1", s.Entries)
	}
	if s.Hits != 1 || s.Misses != 1 {
		t.Errorf("Hits/Misses = %d/%d, want 1/1", s.Hits, s.Misses)
	}
	if s.HitRate != 0.5 {
		t.Errorf("HitRate = %v, want 0.5", s.HitRate)
	}
}

func TestClearByProvider(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, testConfig())
	ctx := context.Background()

	m.Put(ctx, "alpha", "", "q1", "alpha answer one", 1, 0)
	m.Put(ctx, "beta", "", "q2", "beta answer here", 1, 0)

	n, err := m.Clear(ctx, "alpha")
	if err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if n != 1 {
		t.Errorf("cleared = %d, want 1", n)
	}
	if _, ok := m.Get(ctx, "beta", "", "q2"); !ok {
		t.Error("beta entry should survive")
	}
	if count, _ := store.CountCacheEntries(ctx); count != 1 {
		t.Errorf("entries = %d, want 1", count)
	}
}
