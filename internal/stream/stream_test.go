package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/config"
	"github.com/eugener/mithril/internal/testutil"
)

func testConfig() config.StreamConfig {
	return config.StreamConfig{
		ChunkSize:         64,
		ChunkDelay:        time.Millisecond,
		HeartbeatInterval: time.Minute,
		BufferSize:        32,
	}
}

// collect drains the stream, separating heartbeats from data chunks.
func collect(t *testing.T, ch <-chan gateway.Chunk) (chunks []gateway.Chunk, heartbeats int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return chunks, heartbeats
			}
			if IsHeartbeat(c) {
				heartbeats++
				continue
			}
			chunks = append(chunks, c)
		case <-deadline:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestSimulatedChunking(t *testing.T) {
	t.Parallel()
	body := strings.Repeat("x", 1024)
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		Script:      []*gateway.Result{{Success: true, Text: body, Tokens: 256}},
	}
	m := NewManager(testConfig())

	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunks, _ := collect(t, ch)

	if len(chunks) != 17 { // 16 content chunks + terminal
		t.Fatalf("chunks = %d, want 17", len(chunks))
	}
	var sb strings.Builder
	for i, c := range chunks {
		if c.Index != i {
			t.Errorf("chunk %d has index %d", i, c.Index)
		}
		sb.WriteString(c.Content)
	}
	if sb.String() != body {
		t.Error("concatenated content does not reconstruct the response")
	}
	last := chunks[len(chunks)-1]
	if !last.Final || last.Tokens != 256 || last.Content != "" {
		t.Errorf("terminal chunk = %+v", last)
	}
	for _, c := range chunks[:len(chunks)-1] {
		if c.Final {
			t.Error("non-terminal chunk marked final")
		}
	}
}

func TestSimulatedFailureEmitsErrorChunk(t *testing.T) {
	t.Parallel()
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		Script:      []*gateway.Result{{Err: errors.New("upstream down")}},
	}
	m := NewManager(testConfig())

	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunks, _ := collect(t, ch)

	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1", len(chunks))
	}
	c := chunks[0]
	if !c.Final || c.Metadata["error"] != "upstream down" {
		t.Errorf("terminal chunk = %+v", c)
	}
}

func TestNativeForwardingReindexes(t *testing.T) {
	t.Parallel()
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		StreamFn: func(ctx context.Context, _ *gateway.Request) (<-chan gateway.Chunk, error) {
			// Upstream indexes are deliberately garbage; the manager owns
			// the counter.
			return testutil.FakeChunkChan(
				gateway.Chunk{Content: "Hel", Index: 40},
				gateway.Chunk{Content: "lo", Index: 7},
				gateway.Chunk{Final: true, Tokens: 5, Index: 99},
			), nil
		},
	}
	m := NewManager(testConfig())

	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunks, _ := collect(t, ch)

	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	for i, c := range chunks {
		if c.Index != i || c.Provider != "alpha" {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
	if got := chunks[0].Content + chunks[1].Content; got != "Hello" {
		t.Errorf("content = %q", got)
	}
	if !chunks[2].Final || chunks[2].Tokens != 5 {
		t.Errorf("terminal chunk = %+v", chunks[2])
	}
}

func TestNativeUpstreamCloseSynthesisesFinal(t *testing.T) {
	t.Parallel()
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		StreamFn: func(ctx context.Context, _ *gateway.Request) (<-chan gateway.Chunk, error) {
			return testutil.FakeChunkChan(gateway.Chunk{Content: "partial"}), nil
		},
	}
	m := NewManager(testConfig())

	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunks, _ := collect(t, ch)

	if len(chunks) != 2 || !chunks[1].Final {
		t.Fatalf("chunks = %+v, want synthesised final", chunks)
	}
}

func TestHeartbeatDuringSlowBackend(t *testing.T) {
	t.Parallel()
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		ExecuteFn: func(ctx context.Context, _ *gateway.Request) *gateway.Result {
			time.Sleep(80 * time.Millisecond)
			return &gateway.Result{Success: true, Text: "late"}
		},
	}
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	m := NewManager(cfg)

	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunks, heartbeats := collect(t, ch)

	if heartbeats < 2 {
		t.Errorf("heartbeats = %d, want >= 2", heartbeats)
	}
	// Heartbeats never advance the chunk counter.
	if chunks[0].Index != 0 {
		t.Errorf("first data chunk index = %d", chunks[0].Index)
	}
}

func TestCancelTerminatesStream(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		ExecuteFn: func(ctx context.Context, _ *gateway.Request) *gateway.Result {
			close(started)
			<-ctx.Done()
			return &gateway.Result{Err: ctx.Err()}
		},
	}
	m := NewManager(testConfig())

	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-started
	if !m.Cancel("r1") {
		t.Fatal("Cancel reported no active stream")
	}

	chunks, _ := collect(t, ch)
	if len(chunks) == 0 || !chunks[len(chunks)-1].Final {
		t.Fatalf("chunks = %+v, want terminal error chunk", chunks)
	}
	if m.Active() != 0 {
		t.Errorf("Active = %d after cancel", m.Active())
	}
	if m.Cancel("r1") {
		t.Error("second Cancel should report no stream")
	}
}

func TestDuplicateStreamRejected(t *testing.T) {
	t.Parallel()
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		ExecuteFn: func(ctx context.Context, _ *gateway.Request) *gateway.Result {
			<-ctx.Done()
			return &gateway.Result{Err: ctx.Err()}
		},
	}
	m := NewManager(testConfig())

	if _, err := m.Open(context.Background(), &gateway.Request{ID: "dup"}, b); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := m.Open(context.Background(), &gateway.Request{ID: "dup"}, b); !errors.Is(err, gateway.ErrConflict) {
		t.Errorf("duplicate Open err = %v", err)
	}
	m.CancelAll()
}

func TestChunkDelayPacing(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.ChunkSize = 4
	cfg.ChunkDelay = 10 * time.Millisecond
	b := &testutil.FakeBackend{
		BackendName: "alpha",
		Script:      []*gateway.Result{{Success: true, Text: strings.Repeat("a", 20)}},
	}
	m := NewManager(cfg)

	start := time.Now()
	ch, err := m.Open(context.Background(), &gateway.Request{ID: "r1", Provider: "alpha"}, b)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	chunks, _ := collect(t, ch)
	elapsed := time.Since(start)

	if len(chunks) != 6 { // 5 content chunks + terminal
		t.Fatalf("chunks = %d, want 6", len(chunks))
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("elapsed = %v, want >= 40ms of pacing", elapsed)
	}
}
