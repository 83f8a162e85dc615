// Package testutil provides configurable test fakes for gateway interfaces.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	gateway "github.com/eugener/mithril/internal"
	"github.com/eugener/mithril/internal/backend"
)

// FakeBackend is a configurable backend.Backend for testing. Calls counts
// every Execute invocation; Script, when non-empty, supplies one result per
// call and the last entry repeats after exhaustion.
type FakeBackend struct {
	BackendName string
	Transport   gateway.TransportKind
	Script      []*gateway.Result
	ExecuteFn   func(ctx context.Context, req *gateway.Request) *gateway.Result
	StreamFn    func(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error)
	HealthFn    func(ctx context.Context) error

	Calls atomic.Int64

	mu   sync.Mutex
	next int
}

var _ backend.Backend = (*FakeBackend)(nil)

// Name returns the configured backend name.
func (f *FakeBackend) Name() string { return f.BackendName }

// Kind returns the configured transport kind, defaulting to HTTP.
func (f *FakeBackend) Kind() gateway.TransportKind {
	if f.Transport == "" {
		return gateway.TransportHTTP
	}
	return f.Transport
}

// Execute delegates to ExecuteFn, then the Script, then a default success.
func (f *FakeBackend) Execute(ctx context.Context, req *gateway.Request) *gateway.Result {
	f.Calls.Add(1)
	if f.ExecuteFn != nil {
		return f.ExecuteFn(ctx, req)
	}
	if len(f.Script) > 0 {
		f.mu.Lock()
		res := f.Script[min(f.next, len(f.Script)-1)]
		f.next++
		f.mu.Unlock()
		return res
	}
	return &gateway.Result{Success: true, Text: "fake response", Tokens: 3}
}

// ExecuteStream delegates to StreamFn or reports no native streaming.
func (f *FakeBackend) ExecuteStream(ctx context.Context, req *gateway.Request) (<-chan gateway.Chunk, error) {
	if f.StreamFn != nil {
		return f.StreamFn(ctx, req)
	}
	return nil, backend.ErrStreamingUnsupported
}

// HealthCheck delegates to HealthFn or returns nil.
func (f *FakeBackend) HealthCheck(ctx context.Context) error {
	if f.HealthFn != nil {
		return f.HealthFn(ctx)
	}
	return nil
}

// Shutdown is a no-op.
func (f *FakeBackend) Shutdown() {}

// FakeChunkChan returns a closed channel pre-loaded with the given chunks.
func FakeChunkChan(chunks ...gateway.Chunk) <-chan gateway.Chunk {
	ch := make(chan gateway.Chunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}
