package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/storage"
)

// newTestStore opens a store on a per-test file. A file (rather than
// :memory:) keeps tests isolated: the shared-cache memory DSN would make
// every store in the process see the same database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRequest(id, provider string, priority int) *gateway.Request {
	return &gateway.Request{
		ID:        id,
		Provider:  provider,
		Message:   "hello",
		Priority:  priority,
		Timeout:   30 * time.Second,
		State:     gateway.StateQueued,
		CreatedAt: time.Now(),
	}
}

func TestRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRequest("req-1", "alpha", 5)
	r.Metadata = map[string]any{"source": "test"}
	if err := s.CreateRequest(ctx, r); err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := s.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if got.State != gateway.StateQueued || got.Priority != 5 {
		t.Errorf("got state=%s priority=%d", got.State, got.Priority)
	}
	if got.Timeout != 30*time.Second {
		t.Errorf("timeout = %v", got.Timeout)
	}
	if got.Metadata["source"] != "test" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	if err := s.UpdateStatus(ctx, "req-1", gateway.StateProcessing, "http"); err != nil {
		t.Fatalf("UpdateStatus processing: %v", err)
	}
	got, _ = s.GetRequest(ctx, "req-1")
	if got.StartedAt == nil {
		t.Error("started_at not stamped")
	}
	if got.Backend != "http" {
		t.Errorf("backend = %q", got.Backend)
	}

	if err := s.UpdateStatus(ctx, "req-1", gateway.StateCompleted, ""); err != nil {
		t.Fatalf("UpdateStatus completed: %v", err)
	}
	got, _ = s.GetRequest(ctx, "req-1")
	if got.CompletedAt == nil {
		t.Error("completed_at not stamped")
	}
	if got.StartedAt.After(*got.CompletedAt) {
		t.Error("started_at > completed_at")
	}
}

func TestUpdateStatus_TerminalIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRequest("req-1", "alpha", 0)
	s.CreateRequest(ctx, r)
	s.UpdateStatus(ctx, "req-1", gateway.StateProcessing, "")
	s.UpdateStatus(ctx, "req-1", gateway.StateFailed, "")

	err := s.UpdateStatus(ctx, "req-1", gateway.StateCompleted, "")
	if !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("transition out of terminal: err = %v, want ErrConflict", err)
	}
	got, _ := s.GetRequest(ctx, "req-1")
	if got.State != gateway.StateFailed {
		t.Errorf("state mutated to %s", got.State)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateStatus(context.Background(), "nope", gateway.StateProcessing, "")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCancelRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateRequest(ctx, newRequest("q", "alpha", 0))
	if err := s.CancelRequest(ctx, "q"); err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	got, _ := s.GetRequest(ctx, "q")
	if got.State != gateway.StateCancelled || got.CompletedAt == nil {
		t.Errorf("state=%s completed_at=%v", got.State, got.CompletedAt)
	}

	// Terminal requests cannot be cancelled.
	err := s.CancelRequest(ctx, "q")
	if !errors.Is(err, gateway.ErrNotCancellable) {
		t.Errorf("cancel terminal: err = %v, want ErrNotCancellable", err)
	}

	if err := s.CancelRequest(ctx, "missing"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("cancel missing: err = %v, want ErrNotFound", err)
	}
}

func TestGetPending_PriorityOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	low := newRequest("low", "alpha", 1)
	low.CreatedAt = base
	high := newRequest("high", "alpha", 9)
	high.CreatedAt = base.Add(time.Second)
	mid := newRequest("mid", "alpha", 5)
	mid.CreatedAt = base.Add(2 * time.Second)

	for _, r := range []*gateway.Request{low, high, mid} {
		if err := s.CreateRequest(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	// A processing request must not be replayed.
	proc := newRequest("proc", "alpha", 99)
	s.CreateRequest(ctx, proc)
	s.UpdateStatus(ctx, "proc", gateway.StateProcessing, "")

	pending, err := s.GetPending(ctx, 10)
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	want := []string{"high", "mid", "low"}
	if len(pending) != len(want) {
		t.Fatalf("got %d pending, want %d", len(pending), len(want))
	}
	for i, id := range want {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}
}

func TestListRequests_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateRequest(ctx, newRequest("a1", "alpha", 0))
	s.CreateRequest(ctx, newRequest("a2", "alpha", 0))
	s.CreateRequest(ctx, newRequest("b1", "beta", 0))
	s.UpdateStatus(ctx, "a2", gateway.StateProcessing, "")

	byProvider, err := s.ListRequests(ctx, storage.RequestFilter{Provider: "alpha"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byProvider) != 2 {
		t.Errorf("alpha requests = %d, want 2", len(byProvider))
	}

	byState, err := s.ListRequests(ctx, storage.RequestFilter{State: gateway.StateProcessing})
	if err != nil {
		t.Fatal(err)
	}
	if len(byState) != 1 || byState[0].ID != "a2" {
		t.Errorf("processing = %v", byState)
	}
}

func TestResponse_CascadeDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := newRequest("req-1", "alpha", 0)
	r.CreatedAt = time.Now().Add(-48 * time.Hour)
	s.CreateRequest(ctx, r)
	s.UpdateStatus(ctx, "req-1", gateway.StateProcessing, "")
	s.UpdateStatus(ctx, "req-1", gateway.StateCompleted, "")

	resp := &gateway.Response{
		RequestID: "req-1",
		Status:    gateway.StateCompleted,
		Text:      "world",
		Provider:  "alpha",
		LatencyMs: 52,
		Tokens:    7,
		Metadata:  map[string]any{"retry_count": float64(0)},
	}
	if err := s.SaveResponse(ctx, resp); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}

	got, err := s.GetResponse(ctx, "req-1")
	if err != nil {
		t.Fatalf("GetResponse: %v", err)
	}
	if got.Text != "world" || got.Provider != "alpha" || got.Tokens != 7 {
		t.Errorf("response = %+v", got)
	}

	n, err := s.CleanupOldRequests(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupOldRequests: %v", err)
	}
	if n != 1 {
		t.Errorf("cleaned %d, want 1", n)
	}
	if _, err := s.GetResponse(ctx, "req-1"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("response should cascade-delete, err = %v", err)
	}
}

func TestProviderStatus_Upsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	info := &gateway.ProviderInfo{
		Name:      "alpha",
		Transport: gateway.TransportHTTP,
		Status:    gateway.ProviderUnknown,
		Enabled:   true,
		Priority:  3,
		Timeout:   time.Minute,
	}
	if err := s.UpdateProviderStatus(ctx, info); err != nil {
		t.Fatalf("UpdateProviderStatus: %v", err)
	}

	info.Status = gateway.ProviderHealthy
	info.AvgLatencyMs = 120.5
	info.SuccessRate = 0.97
	info.LastCheck = time.Now()
	if err := s.UpdateProviderStatus(ctx, info); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetProviderStatus(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != gateway.ProviderHealthy || got.SuccessRate != 0.97 {
		t.Errorf("got %+v", got)
	}
	if got.Timeout != time.Minute {
		t.Errorf("timeout = %v", got.Timeout)
	}

	all, err := s.ListProviderStatuses(ctx)
	if err != nil || len(all) != 1 {
		t.Errorf("list = %v, %v", all, err)
	}
}

func TestMetrics_WindowAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []gateway.MetricEvent{
		{ID: "m1", Provider: "alpha", EventType: "completed", LatencyMs: 100, Success: true},
		{ID: "m2", Provider: "alpha", EventType: "failed", Error: "boom",
			Timestamp: time.Now().Add(-2 * time.Hour)},
		{ID: "m3", Provider: "beta", EventType: "completed", Success: true},
	}
	if err := s.RecordMetrics(ctx, events); err != nil {
		t.Fatalf("RecordMetrics: %v", err)
	}

	recent, err := s.GetProviderMetrics(ctx, "alpha", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].ID != "m1" {
		t.Errorf("recent = %v", recent)
	}

	n, err := s.CleanupOldMetrics(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cleaned %d, want 1", n)
	}
}

func TestCache_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := &gateway.CacheEntry{
		Key:       "alpha:abc123",
		Provider:  "alpha",
		Text:      "cached answer",
		Tokens:    12,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := s.PutCacheEntry(ctx, e); err != nil {
		t.Fatalf("PutCacheEntry: %v", err)
	}

	if err := s.TouchCacheEntry(ctx, e.Key); err != nil {
		t.Fatalf("TouchCacheEntry: %v", err)
	}
	got, err := s.GetCacheEntry(ctx, e.Key)
	if err != nil {
		t.Fatal(err)
	}
	if got.HitCount != 1 || got.LastHit.IsZero() {
		t.Errorf("hit_count=%d last_hit=%v", got.HitCount, got.LastHit)
	}

	stats, err := s.GetCacheStats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Entries != 1 || stats.TotalHits != 1 {
		t.Errorf("stats = %+v", stats)
	}

	if _, err := s.ClearCache(ctx, "other"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountCacheEntries(ctx); n != 1 {
		t.Errorf("clear of other provider removed entries")
	}
	if _, err := s.ClearCache(ctx, ""); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.CountCacheEntries(ctx); n != 0 {
		t.Errorf("entries after clear = %d", n)
	}
}

func TestCache_ExpiryAndEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	for i, key := range []string{"k1", "k2", "k3"} {
		e := &gateway.CacheEntry{
			Key:       key,
			Provider:  "alpha",
			Text:      "x",
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			ExpiresAt: now.Add(time.Hour),
		}
		if key == "k1" {
			e.ExpiresAt = now.Add(-time.Minute) // already expired
		}
		if err := s.PutCacheEntry(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.CleanupExpiredCache(ctx)
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpiredCache = %d, %v", n, err)
	}

	n, err = s.EvictOldestCache(ctx, 1)
	if err != nil || n != 1 {
		t.Fatalf("EvictOldestCache = %d, %v", n, err)
	}
	if _, err := s.GetCacheEntry(ctx, "k2"); !errors.Is(err, gateway.ErrNotFound) {
		t.Error("k2 should be evicted as oldest surviving entry")
	}
	if _, err := s.GetCacheEntry(ctx, "k3"); err != nil {
		t.Errorf("k3 should survive: %v", err)
	}
}

func TestAPIKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key := &gateway.APIKey{
		ID:       "key-1",
		KeyHash:  gateway.HashKey("secret"),
		Name:     "ci",
		RPMLimit: 120,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		t.Fatalf("CreateAPIKey: %v", err)
	}

	got, err := s.GetAPIKeyByHash(ctx, gateway.HashKey("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "ci" || got.RPMLimit != 120 {
		t.Errorf("key = %+v", got)
	}

	if err := s.TouchAPIKeyUsed(ctx, "key-1"); err != nil {
		t.Fatal(err)
	}
	keys, err := s.ListAPIKeys(ctx)
	if err != nil || len(keys) != 1 {
		t.Fatalf("list = %v, %v", keys, err)
	}
	if keys[0].LastUsedAt == nil {
		t.Error("last_used_at not stamped")
	}
}

func TestTokenCosts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertTokenCost(ctx, &gateway.TokenCost{
		Provider: "alpha", Model: "", InputPer1K: 0.5, OutputPer1K: 1.5,
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertTokenCost(ctx, &gateway.TokenCost{
		Provider: "alpha", Model: "alpha-pro", InputPer1K: 3, OutputPer1K: 15,
	}); err != nil {
		t.Fatal(err)
	}

	tc, err := s.GetTokenCost(ctx, "alpha", "alpha-pro")
	if err != nil {
		t.Fatal(err)
	}
	if tc.InputPer1K != 3 {
		t.Errorf("model-specific row not preferred: %+v", tc)
	}

	tc, err = s.GetTokenCost(ctx, "alpha", "unknown-model")
	if err != nil {
		t.Fatal(err)
	}
	if tc.Model != "" || tc.InputPer1K != 0.5 {
		t.Errorf("catch-all row not used: %+v", tc)
	}

	if _, err := s.GetTokenCost(ctx, "nope", "x"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
