// Package stream implements the chunk pipeline: backend output, native or
// simulated, delivered as an ordered chunk stream with heartbeats and
// per-stream cancellation.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
	"github.com/eugener/mithril/internal/config"
)

// heartbeatIndex marks chunks that keep the connection alive without
// advancing the chunk counter.
const heartbeatIndex = -1

// IsHeartbeat reports whether a chunk is a keep-alive, to be rendered as an
// SSE comment rather than a data frame.
func IsHeartbeat(c gateway.Chunk) bool { return c.Index == heartbeatIndex }

// handle is one active stream. The pump goroutine owns the channel and
// closes it on exit.
type handle struct {
	id     string
	ch     chan gateway.Chunk
	cancel context.CancelFunc
}

// Manager owns all active streams. A stream lives from Open until its
// terminal chunk, cancellation, or context expiry.
type Manager struct {
	cfg config.StreamConfig

	mu     sync.Mutex
	active map[string]*handle
}

// NewManager creates a Manager.
func NewManager(cfg config.StreamConfig) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 64
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 32
	}
	return &Manager{cfg: cfg, active: make(map[string]*handle)}
}

// Open starts a stream for req on b and returns its chunk channel. Backends
// with native streaming are forwarded; the rest are executed buffered and
// chopped into fixed-size chunks. The channel is closed after the terminal
// chunk.
func (m *Manager) Open(ctx context.Context, req *gateway.Request, b backend.Backend) (<-chan gateway.Chunk, error) {
	m.mu.Lock()
	if _, exists := m.active[req.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("stream %s already open: %w", req.ID, gateway.ErrConflict)
	}
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{id: req.ID, ch: make(chan gateway.Chunk, m.cfg.BufferSize), cancel: cancel}
	m.active[req.ID] = h
	m.mu.Unlock()

	upstream, err := b.ExecuteStream(runCtx, req)
	switch {
	case err == nil:
		go m.pumpNative(runCtx, h, req.Provider, upstream)
	case errors.Is(err, backend.ErrStreamingUnsupported):
		go m.pumpSimulated(runCtx, h, req, b)
	default:
		m.finish(h)
		return nil, err
	}
	return h.ch, nil
}

// Cancel terminates the stream with the given id. It reports whether a
// stream was active.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	h, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		h.cancel()
	}
	return ok
}

// CancelAll terminates every active stream. Used during shutdown.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// Active returns the number of open streams.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// finish releases the handle and closes its channel.
func (m *Manager) finish(h *handle) {
	m.mu.Lock()
	delete(m.active, h.id)
	m.mu.Unlock()
	h.cancel()
	close(h.ch)
}

// pumpNative forwards upstream chunks, re-indexing them monotonically. The
// upstream's own index is discarded so consumers always see 0,1,2,...
func (m *Manager) pumpNative(ctx context.Context, h *handle, provider string, upstream <-chan gateway.Chunk) {
	defer m.finish(h)

	idx := 0
	hb := newHeartbeat(m.cfg.HeartbeatInterval)
	defer hb.stop()

	for {
		select {
		case c, ok := <-upstream:
			if !ok {
				// Upstream closed without a final chunk; synthesise one so
				// every stream terminates explicitly.
				m.send(ctx, h, gateway.Chunk{Index: idx, Final: true, Provider: provider})
				return
			}
			if c.Err != nil {
				m.send(ctx, h, errorChunk(idx, provider, c.Err))
				return
			}
			c.Index = idx
			c.Provider = provider
			idx++
			if !m.send(ctx, h, c) {
				return
			}
			if c.Final {
				return
			}
			hb.reset()
		case <-hb.tick():
			if !m.send(ctx, h, gateway.Chunk{Index: heartbeatIndex, Provider: provider}) {
				return
			}
			hb.reset()
		case <-ctx.Done():
			m.trySend(h, errorChunk(idx, provider, context.Cause(ctx)))
			return
		}
	}
}

// pumpSimulated runs a buffered execution and chops the response into
// fixed-size chunks with a delay between them. Heartbeats cover the initial
// wait for the backend.
func (m *Manager) pumpSimulated(ctx context.Context, h *handle, req *gateway.Request, b backend.Backend) {
	defer m.finish(h)

	done := make(chan *gateway.Result, 1)
	go func() { done <- b.Execute(ctx, req) }()

	hb := newHeartbeat(m.cfg.HeartbeatInterval)
	defer hb.stop()

	var res *gateway.Result
wait:
	for {
		select {
		case res = <-done:
			break wait
		case <-hb.tick():
			if !m.send(ctx, h, gateway.Chunk{Index: heartbeatIndex, Provider: req.Provider}) {
				return
			}
			hb.reset()
		case <-ctx.Done():
			m.trySend(h, errorChunk(0, req.Provider, context.Cause(ctx)))
			return
		}
	}

	if !res.Success {
		m.send(ctx, h, errorChunk(0, req.Provider, res.Err))
		return
	}

	segments := split([]rune(res.Text), m.cfg.ChunkSize)
	idx := 0
	for _, seg := range segments {
		if idx > 0 && m.cfg.ChunkDelay > 0 {
			select {
			case <-time.After(m.cfg.ChunkDelay):
			case <-ctx.Done():
				m.trySend(h, errorChunk(idx, req.Provider, context.Cause(ctx)))
				return
			}
		}
		if !m.send(ctx, h, gateway.Chunk{Content: string(seg), Index: idx, Provider: req.Provider}) {
			return
		}
		idx++
	}
	m.send(ctx, h, gateway.Chunk{Index: idx, Final: true, Tokens: res.Tokens, Provider: req.Provider})
}

// send delivers c, blocking until the consumer drains or the context ends.
func (m *Manager) send(ctx context.Context, h *handle, c gateway.Chunk) bool {
	select {
	case h.ch <- c:
		return true
	case <-ctx.Done():
		slog.Debug("stream consumer gone", "stream_id", h.id)
		return false
	}
}

// trySend delivers a terminal chunk after cancellation without blocking on
// a consumer that may already be gone.
func (m *Manager) trySend(h *handle, c gateway.Chunk) {
	select {
	case h.ch <- c:
	default:
	}
}

func errorChunk(idx int, provider string, err error) gateway.Chunk {
	msg := "stream terminated"
	if err != nil {
		msg = err.Error()
	}
	return gateway.Chunk{
		Index:    idx,
		Final:    true,
		Provider: provider,
		Err:      err,
		Metadata: map[string]any{"error": msg},
	}
}

// split chops text into segments of at most size runes.
func split(text []rune, size int) [][]rune {
	var out [][]rune
	for len(text) > size {
		out = append(out, text[:size])
		text = text[size:]
	}
	if len(text) > 0 {
		out = append(out, text)
	}
	return out
}

// heartbeat wraps a timer that may be disabled (zero interval).
type heartbeat struct {
	interval time.Duration
	timer    *time.Timer
}

func newHeartbeat(interval time.Duration) *heartbeat {
	h := &heartbeat{interval: interval}
	if interval > 0 {
		h.timer = time.NewTimer(interval)
	}
	return h
}

// tick returns the timer channel, or nil (blocks forever) when disabled.
func (h *heartbeat) tick() <-chan time.Time {
	if h.timer == nil {
		return nil
	}
	return h.timer.C
}

func (h *heartbeat) reset() {
	if h.timer == nil {
		return
	}
	if !h.timer.Stop() {
		select {
		case <-h.timer.C:
		default:
		}
	}
	h.timer.Reset(h.interval)
}

func (h *heartbeat) stop() {
	if h.timer != nil {
		h.timer.Stop()
	}
}
