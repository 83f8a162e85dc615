// Package queue implements the bounded, priority-ordered, store-backed
// request queue and its in-flight accounting.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/eugener/mithril/internal"
)

// Store is the narrow persistence surface the queue depends on.
type Store interface {
	CreateRequest(ctx context.Context, r *gateway.Request) error
	GetRequest(ctx context.Context, id string) (*gateway.Request, error)
	UpdateStatus(ctx context.Context, id string, state gateway.RequestState, backendKind string) error
	CancelRequest(ctx context.Context, id string) error
}

// Stats is a point-in-time queue snapshot.
type Stats struct {
	Depth         int            `json:"depth"`
	InFlight      int            `json:"in_flight"`
	MaxConcurrent int            `json:"max_concurrent"`
	ByProvider    map[string]int `json:"by_provider"`
	ByPriority    map[int]int    `json:"by_priority"`
}

type item struct {
	req   *gateway.Request
	index int
}

// requestHeap orders by (-priority, created_at): higher integer priority
// surfaces first, FIFO among equals.
type requestHeap []*item

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].req.CreatedAt.Before(h[j].req.CreatedAt)
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

type inflightEntry struct {
	req     *gateway.Request
	started time.Time
}

// Queue is the bounded priority queue. Two mutexes guard its state: mu for
// the heap and items map, inflightMu for the in-flight set. They are never
// held together.
type Queue struct {
	store   Store
	maxSize int

	mu    sync.Mutex
	heap  requestHeap
	items map[string]*item // id -> heap item, for cancellation

	inflightMu sync.Mutex
	inflight   map[string]inflightEntry

	maxConcurrent atomic.Int64
}

// New creates a Queue bounded at maxSize pending requests and maxConcurrent
// in-flight executions.
func New(store Store, maxSize, maxConcurrent int) *Queue {
	q := &Queue{
		store:    store,
		maxSize:  maxSize,
		items:    make(map[string]*item),
		inflight: make(map[string]inflightEntry),
	}
	q.maxConcurrent.Store(int64(maxConcurrent))
	return q
}

// Replay pushes already-persisted queued requests into the heap without
// re-persisting them. Used on startup recovery.
func (q *Queue) Replay(reqs []*gateway.Request) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, r := range reqs {
		if len(q.heap) >= q.maxSize {
			break
		}
		if _, dup := q.items[r.ID]; dup {
			continue
		}
		it := &item{req: r}
		heap.Push(&q.heap, it)
		q.items[r.ID] = it
		n++
	}
	return n
}

// Enqueue persists r and appends it to the queue. Returns false without
// persisting when the queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, r *gateway.Request) (bool, error) {
	q.mu.Lock()
	full := len(q.heap) >= q.maxSize
	q.mu.Unlock()
	if full {
		return false, nil
	}

	r.State = gateway.StateQueued
	if err := q.store.CreateRequest(ctx, r); err != nil {
		return false, err
	}

	q.mu.Lock()
	if len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		// Raced past capacity between the check and the insert. Cancel the
		// persisted row so a later replay cannot resurrect a request the
		// caller was already told to resubmit.
		if err := q.store.CancelRequest(ctx, r.ID); err != nil {
			slog.Warn("capacity rollback failed", "id", r.ID, "error", err)
		}
		return false, nil
	}
	it := &item{req: r}
	heap.Push(&q.heap, it)
	q.items[r.ID] = it
	q.mu.Unlock()
	return true, nil
}

// Dequeue returns the highest-priority pending request, or nil when the
// queue is empty or all in-flight slots are taken. The store is consulted
// to skip entries cancelled since they were enqueued.
func (q *Queue) Dequeue(ctx context.Context) (*gateway.Request, error) {
	if !q.hasFreeSlot() {
		return nil, nil
	}

	for {
		q.mu.Lock()
		if len(q.heap) == 0 {
			q.mu.Unlock()
			return nil, nil
		}
		it := heap.Pop(&q.heap).(*item)
		delete(q.items, it.req.ID)
		q.mu.Unlock()

		// Verify the request is still queued; stale entries are skipped.
		cur, err := q.store.GetRequest(ctx, it.req.ID)
		if err != nil {
			if errors.Is(err, gateway.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if cur.State != gateway.StateQueued {
			slog.Debug("skipping stale queue entry", "id", cur.ID, "state", cur.State)
			continue
		}
		return cur, nil
	}
}

// BatchDequeue returns up to n requests, respecting the in-flight bound.
func (q *Queue) BatchDequeue(ctx context.Context, n int) ([]*gateway.Request, error) {
	var out []*gateway.Request
	for len(out) < n {
		free := q.freeSlots() - len(out)
		if free <= 0 {
			break
		}
		r, err := q.Dequeue(ctx)
		if err != nil {
			return out, err
		}
		if r == nil {
			break
		}
		out = append(out, r)
	}
	return out, nil
}

// MarkProcessing transitions r to processing, occupying one in-flight slot.
func (q *Queue) MarkProcessing(ctx context.Context, r *gateway.Request, backendKind string) error {
	if err := q.store.UpdateStatus(ctx, r.ID, gateway.StateProcessing, backendKind); err != nil {
		return err
	}
	now := time.Now()
	r.State = gateway.StateProcessing
	r.StartedAt = &now

	q.inflightMu.Lock()
	q.inflight[r.ID] = inflightEntry{req: r, started: now}
	q.inflightMu.Unlock()
	return nil
}

// TryMarkProcessing is MarkProcessing gated on slot availability: the slot
// is reserved atomically before the store write, so direct admissions (the
// streaming path) cannot exceed the concurrency bound even when racing the
// drain loop. Returns false with no error when every slot is occupied.
func (q *Queue) TryMarkProcessing(ctx context.Context, r *gateway.Request, backendKind string) (bool, error) {
	now := time.Now()

	q.inflightMu.Lock()
	if len(q.inflight) >= q.MaxConcurrent() {
		q.inflightMu.Unlock()
		return false, nil
	}
	q.inflight[r.ID] = inflightEntry{req: r, started: now}
	q.inflightMu.Unlock()

	if err := q.store.UpdateStatus(ctx, r.ID, gateway.StateProcessing, backendKind); err != nil {
		q.inflightMu.Lock()
		delete(q.inflight, r.ID)
		q.inflightMu.Unlock()
		return false, err
	}
	r.State = gateway.StateProcessing
	r.StartedAt = &now
	return true, nil
}

// MarkCompleted transitions an in-flight request to the given terminal
// state and releases its slot. The store write happens first; the slot is
// released even if the write fails so a broken row cannot wedge a slot.
func (q *Queue) MarkCompleted(ctx context.Context, id string, state gateway.RequestState) error {
	err := q.store.UpdateStatus(ctx, id, state, "")

	q.inflightMu.Lock()
	delete(q.inflight, id)
	q.inflightMu.Unlock()

	if err != nil && !errors.Is(err, gateway.ErrConflict) {
		return err
	}
	return nil
}

// Cancel removes a queued request from the heap (if present) and marks it
// cancelled in the store. Processing requests are marked in the store only;
// the dispatcher observes the state and aborts the upstream task.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	if err := q.store.CancelRequest(ctx, id); err != nil {
		return err
	}

	q.mu.Lock()
	if it, ok := q.items[id]; ok && it.index >= 0 {
		heap.Remove(&q.heap, it.index)
		delete(q.items, id)
	}
	q.mu.Unlock()
	return nil
}

// CheckTimeouts scans the in-flight set and finalizes any request whose
// elapsed time since start exceeds its timeout. Returns the ids timed out.
// Idempotent; driven by the dispatcher's timeout loop.
func (q *Queue) CheckTimeouts(ctx context.Context) []string {
	now := time.Now()

	q.inflightMu.Lock()
	var expired []string
	for id, e := range q.inflight {
		if e.req.Timeout > 0 && now.Sub(e.started) > e.req.Timeout {
			expired = append(expired, id)
		}
	}
	q.inflightMu.Unlock()

	var out []string
	for _, id := range expired {
		if err := q.MarkCompleted(ctx, id, gateway.StateTimeout); err != nil {
			slog.Warn("timeout finalize failed", "id", id, "error", err)
			continue
		}
		out = append(out, id)
	}
	return out
}

// InFlight reports whether the request currently occupies a slot.
func (q *Queue) InFlight(id string) bool {
	q.inflightMu.Lock()
	_, ok := q.inflight[id]
	q.inflightMu.Unlock()
	return ok
}

// Depth returns the number of pending requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	n := len(q.heap)
	q.mu.Unlock()
	return n
}

// InFlightCount returns the number of occupied slots.
func (q *Queue) InFlightCount() int {
	q.inflightMu.Lock()
	n := len(q.inflight)
	q.inflightMu.Unlock()
	return n
}

// MaxConcurrent returns the current concurrency bound.
func (q *Queue) MaxConcurrent() int {
	return int(q.maxConcurrent.Load())
}

// SetMaxConcurrent resizes the concurrency bound. Shrinking below the
// current in-flight count only affects future dequeues.
func (q *Queue) SetMaxConcurrent(n int) {
	if n < 1 {
		n = 1
	}
	q.maxConcurrent.Store(int64(n))
}

// Stats returns a snapshot of queue depth and composition.
func (q *Queue) Stats() Stats {
	s := Stats{
		ByProvider:    make(map[string]int),
		ByPriority:    make(map[int]int),
		MaxConcurrent: q.MaxConcurrent(),
	}

	q.mu.Lock()
	s.Depth = len(q.heap)
	for _, it := range q.heap {
		s.ByProvider[it.req.Provider]++
		s.ByPriority[it.req.Priority]++
	}
	q.mu.Unlock()

	s.InFlight = q.InFlightCount()
	return s
}

// Peek returns up to n pending requests in priority order without removing
// them.
func (q *Queue) Peek(n int) []*gateway.Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Copy the heap and pop from the copy to get sorted order.
	tmp := make(requestHeap, len(q.heap))
	for i, it := range q.heap {
		tmp[i] = &item{req: it.req, index: i}
	}
	var out []*gateway.Request
	for len(tmp) > 0 && len(out) < n {
		it := heap.Pop(&tmp).(*item)
		out = append(out, it.req)
	}
	return out
}

// Clear cancels every pending request. In-flight requests are untouched.
func (q *Queue) Clear(ctx context.Context) int {
	q.mu.Lock()
	pending := make([]string, 0, len(q.heap))
	for id := range q.items {
		pending = append(pending, id)
	}
	q.heap = q.heap[:0]
	clear(q.items)
	q.mu.Unlock()

	n := 0
	for _, id := range pending {
		if err := q.store.CancelRequest(ctx, id); err == nil {
			n++
		}
	}
	return n
}

func (q *Queue) freeSlots() int {
	return q.MaxConcurrent() - q.InFlightCount()
}

func (q *Queue) hasFreeSlot() bool {
	return q.freeSlots() > 0
}
