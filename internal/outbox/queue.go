// Package outbox implements the durable outbound envelope queue and the
// batch processor that drains it with per-item retry and backoff.
package outbox

import (
	"sync"
	"time"

	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/store"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// Queue holds outbound envelopes in insertion order. Normal enqueue is
// FIFO; the retry path re-inserts a failed item at the head so it is
// attempted before newer items while everything else keeps its relative
// order. Every mutation schedules a debounced full-queue write to the
// store and publishes a size event on the bus.
type Queue struct {
	mu       sync.Mutex
	items    []wire.Envelope
	db       *store.DB
	bus      *bus.Bus
	logger   *zap.Logger
	debounce time.Duration
	persist  *time.Timer
	closed   bool
}

// NewQueue creates an empty queue persisting into db with the given
// debounce window.
func NewQueue(db *store.DB, b *bus.Bus, logger *zap.Logger, debounce time.Duration) *Queue {
	return &Queue{
		db:       db,
		bus:      b,
		logger:   logger,
		debounce: debounce,
	}
}

// Enqueue appends an envelope to the tail.
func (q *Queue) Enqueue(env wire.Envelope) {
	q.mu.Lock()
	prev := len(q.items)
	q.items = append(q.items, env)
	size := len(q.items)
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.bus.Emit(bus.KindQueueSize, bus.QueueSize{Prev: prev, Size: size})
}

// EnqueueFront inserts an envelope at the head. Used exclusively by the
// retry path.
func (q *Queue) EnqueueFront(env wire.Envelope) {
	q.mu.Lock()
	prev := len(q.items)
	q.items = append([]wire.Envelope{env}, q.items...)
	size := len(q.items)
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.bus.Emit(bus.KindQueueSize, bus.QueueSize{Prev: prev, Size: size})
}

// Dequeue removes and returns the head item. The second return is false
// when the queue is empty.
func (q *Queue) Dequeue() (wire.Envelope, bool) {
	q.mu.Lock()
	prev := len(q.items)
	if prev == 0 {
		q.mu.Unlock()
		return wire.Envelope{}, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	size := len(q.items)
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.bus.Emit(bus.KindQueueSize, bus.QueueSize{Prev: prev, Size: size})
	return head, true
}

// SetQueue bulk-replaces the queue contents. Used once at startup to
// rehydrate from the persisted store.
func (q *Queue) SetQueue(items []wire.Envelope) {
	q.mu.Lock()
	prev := len(q.items)
	q.items = append([]wire.Envelope(nil), items...)
	size := len(q.items)
	q.schedulePersistLocked()
	q.mu.Unlock()

	q.bus.Emit(bus.KindQueueSize, bus.QueueSize{Prev: prev, Size: size})
}

// Len returns the number of queued envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close flushes any pending persist synchronously. Further mutations
// still work in memory but are no longer persisted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.persist != nil
	if pending {
		q.persist.Stop()
		q.persist = nil
	}
	q.mu.Unlock()

	if pending {
		q.flush()
	}
}

// schedulePersistLocked arms (or re-arms) the trailing-edge debounce
// timer. Caller holds q.mu.
func (q *Queue) schedulePersistLocked() {
	if q.closed {
		return
	}
	if q.persist != nil {
		q.persist.Reset(q.debounce)
		return
	}
	q.persist = time.AfterFunc(q.debounce, func() {
		q.mu.Lock()
		q.persist = nil
		q.mu.Unlock()
		q.flush()
	})
}

// flush rewrites the persisted queue from the current snapshot.
// Best-effort: a lost write is re-derivable, so errors are only logged.
func (q *Queue) flush() {
	q.mu.Lock()
	snapshot := append([]wire.Envelope(nil), q.items...)
	q.mu.Unlock()

	if err := q.db.ReplaceQueue(snapshot); err != nil {
		q.logger.Warn("failed to persist outbox", zap.Error(err), zap.Int("size", len(snapshot)))
	}
}
