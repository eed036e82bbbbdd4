package outbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/mirror"
	"github.com/chatify/core/internal/store"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// Sender transmits a single envelope over the wire. It returns an error
// when the connection is not usable; there is no per-send timeout.
type Sender interface {
	Dispatch(env wire.Envelope) error
}

// Gate reports whether sending is currently allowed (network reachable
// and socket open).
type Gate interface {
	CanSendNow() bool
}

// ProcessorConfig tunes the batch scheduler and retry engine.
type ProcessorConfig struct {
	BatchSize      int           // max envelopes per batch
	MaxRetries     int           // retry attempts per tracking key before terminal failure
	RetryBaseDelay time.Duration // backoff base; delay = base * 2^retries
}

// DefaultProcessorConfig matches the production tuning.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:      5,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	}
}

// Processor drains the queue in bounded batches whenever sending is
// allowed, with per-item retry and terminal failure handling. At most
// one batch runs at a time.
type Processor struct {
	queue  *Queue
	sender Sender
	gate   Gate
	mirror *mirror.Store
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cfg    ProcessorConfig

	mu         sync.Mutex
	processing bool
	gen        uint64
	nextBatch  *time.Timer
	hydrated   bool
	retryCount map[string]int

	unsubWake func()
}

// NewProcessor creates a processor and subscribes it to queue-size
// transitions for auto-wake. Call Close to release the subscription.
func NewProcessor(q *Queue, sender Sender, gate Gate, m *mirror.Store, db *store.DB, b *bus.Bus, logger *zap.Logger, cfg ProcessorConfig) *Processor {
	p := &Processor{
		queue:      q,
		sender:     sender,
		gate:       gate,
		mirror:     m,
		db:         db,
		bus:        b,
		logger:     logger,
		cfg:        cfg,
		retryCount: make(map[string]int),
	}

	// Auto-wake on the empty -> non-empty edge only, so subsequent
	// enqueues don't pile up redundant schedules while a batch or timer
	// is already in flight.
	ch, unsub := b.Subscribe(bus.KindQueueSize, 64)
	p.unsubWake = unsub
	go func() {
		for evt := range ch {
			qs, ok := evt.Payload.(bus.QueueSize)
			if !ok || qs.Prev != 0 || qs.Size == 0 {
				continue
			}
			p.mu.Lock()
			idle := !p.processing && p.nextBatch == nil
			p.mu.Unlock()
			if idle && p.gate.CanSendNow() {
				p.schedule(0)
			}
		}
	}()

	return p
}

// Start resumes queue processing. On the first call with an empty queue
// it hydrates the queue from the persisted store; the queue-size
// subscription then schedules the batch.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.processing || p.nextBatch != nil {
		p.mu.Unlock()
		return
	}
	hydrate := false
	if p.queue.Len() == 0 && !p.hydrated {
		p.hydrated = true
		hydrate = true
	}
	p.mu.Unlock()

	if p.queue.Len() > 0 {
		p.schedule(0)
		return
	}

	if hydrate {
		go func() {
			persisted, err := p.db.GetQueue()
			if err != nil {
				p.logger.Warn("failed to hydrate outbox", zap.Error(err))
				return
			}
			if len(persisted) > 0 {
				p.logger.Info("outbox hydrated", zap.Int("envelopes", len(persisted)))
				p.queue.SetQueue(persisted)
			}
		}()
	}
}

// Stop cancels any scheduled batch and clears the processing flag. A
// batch already in flight finishes its current item. Retry counters are
// kept by default so backoff state survives a connectivity blip; pass
// resetRetries to clear them.
func (p *Processor) Stop(resetRetries bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextBatch != nil {
		p.nextBatch.Stop()
		p.nextBatch = nil
	}
	if resetRetries {
		p.retryCount = make(map[string]int)
	}
	// Bumping the generation invalidates a batch parked in a backoff
	// sleep: it exits at its next loop check instead of resuming
	// alongside a batch started after the restart.
	p.gen++
	p.processing = false
}

// Close stops the processor and releases the auto-wake subscription.
func (p *Processor) Close() {
	p.Stop(false)
	if p.unsubWake != nil {
		p.unsubWake()
	}
}

func (p *Processor) schedule(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.processing || p.nextBatch != nil {
		return
	}
	p.nextBatch = time.AfterFunc(d, func() {
		p.mu.Lock()
		p.nextBatch = nil
		p.mu.Unlock()
		p.processBatch()
	})
}

func (p *Processor) processBatch() {
	p.mu.Lock()
	if p.processing || !p.gate.CanSendNow() {
		p.mu.Unlock()
		return
	}
	p.processing = true
	myGen := p.gen
	p.mu.Unlock()

	started := time.Now()
	processed := 0

	for processed < p.cfg.BatchSize {
		if p.stale(myGen) {
			// Stop ran while this batch slept; ownership of the
			// processing flag has moved on, so just bail.
			return
		}
		if !p.gate.CanSendNow() {
			break // connectivity lost mid-batch; keep remaining items queued
		}

		original, ok := p.queue.Dequeue()
		if !ok {
			break
		}

		env := original.Clone()
		key := env.TrackingKey()

		if env.Type == wire.TypeChat && env.Chat.Status == wire.StatusPending {
			// Local-only annotation on the copy being sent. A manual
			// retry keeps "retrying" so the sender's UI shows it as such.
			env.Chat.Status = wire.StatusSending
		}

		if err := p.trySend(*env); err != nil {
			retries := p.getRetries(key)
			if retries < p.cfg.MaxRetries {
				p.setRetries(key, retries+1)
				// Re-insert the pre-mutation original at the head so it
				// is retried before newer items.
				p.queue.EnqueueFront(original)
				// The backoff throttles the whole batch, not just this
				// item, to avoid a hot failure loop.
				time.Sleep(p.cfg.RetryBaseDelay * (1 << retries))
				continue
			}

			processed++
			p.clearRetries(key)
			p.handleTerminalFailure(env, err)
			continue
		}

		processed++
		p.clearRetries(key)

		if env.Type == wire.TypeChat && env.Chat.Status == wire.StatusSending {
			// "sending" means handed to transport; full delivery arrives
			// later as an inbound status event.
			p.markStatus(env.Chat.RoomID, env.Chat.ID, wire.StatusSending)
		}
	}

	elapsed := time.Since(started)

	p.mu.Lock()
	if p.gen != myGen {
		p.mu.Unlock()
		return
	}
	p.processing = false
	p.mu.Unlock()

	if p.queue.Len() > 0 && p.gate.CanSendNow() {
		p.schedule(nextBatchDelay(p.queue.Len(), elapsed))
	}
}

func (p *Processor) stale(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen != gen
}

func (p *Processor) trySend(env wire.Envelope) error {
	if !p.gate.CanSendNow() {
		return fmt.Errorf("connection is not sendable")
	}
	return p.sender.Dispatch(env)
}

func (p *Processor) handleTerminalFailure(env *wire.Envelope, cause error) {
	switch env.Type {
	case wire.TypeChat:
		p.logger.Warn("chat message failed after retries",
			zap.String("msg_id", env.Chat.ID), zap.Error(cause))
		p.markStatus(env.Chat.RoomID, env.Chat.ID, wire.StatusFailed)

	case wire.TypeReact:
		p.logger.Warn("reaction failed after retries",
			zap.String("msg_id", env.React.ID), zap.Error(cause))
		p.bus.Emit(bus.KindNotice, bus.Notice{
			Severity: bus.NoticeError,
			Text:     "Failed to send reaction. Please try again.",
		})

		// Revert the optimistic reaction by re-applying the toggle.
		msg := p.mirror.Message(env.React.RoomID, env.React.ID)
		if msg == nil {
			return
		}
		reverted := wire.ToggleReaction(msg.Reactions, env.React.Emoji, env.React.Reactor)
		p.mirror.UpdateMessage(env.React.RoomID, env.React.ID, mirror.Patch{Reactions: reverted}, false)
		p.persistPatch(env.React.ID, store.MessagePatch{Reactions: reverted})

	default:
		// Dropped delivery acks are recovered by the server's own
		// redelivery; nothing to roll back locally.
		p.logger.Warn("envelope dropped after retries",
			zap.String("type", string(env.Type)), zap.Error(cause))
	}
}

func (p *Processor) markStatus(roomID, msgID string, status wire.Status) {
	p.mirror.UpdateMessage(roomID, msgID, mirror.Patch{Status: &status}, false)
	p.persistPatch(msgID, store.MessagePatch{Status: &status})
	p.bus.Emit(bus.KindMsgUpdated, msgID)
}

// persistPatch writes a message patch in the background; callers never
// block on durable storage and a lost write is acceptable.
func (p *Processor) persistPatch(msgID string, patch store.MessagePatch) {
	go func() {
		if _, err := p.db.PatchMessage(msgID, patch); err != nil {
			p.logger.Warn("failed to persist message patch", zap.Error(err), zap.String("msg_id", msgID))
		}
	}()
}

func (p *Processor) getRetries(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.retryCount[key]
}

func (p *Processor) setRetries(key string, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retryCount[key] = n
}

func (p *Processor) clearRetries(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retryCount, key)
}

// nextBatchDelay computes the pause before the next batch: a
// monotonically-decreasing step function of backlog size (bigger backlog
// drains faster), nudged by how long the last batch took, clamped to
// safe bounds. Not a fixed polling interval.
func nextBatchDelay(queueSize int, lastBatch time.Duration) time.Duration {
	var base time.Duration
	switch {
	case queueSize >= 200:
		base = 75 * time.Millisecond
	case queueSize >= 100:
		base = 125 * time.Millisecond
	case queueSize >= 50:
		base = 200 * time.Millisecond
	case queueSize >= 10:
		base = 350 * time.Millisecond
	default:
		base = 500 * time.Millisecond
	}

	if lastBatch > 900*time.Millisecond {
		base += 150 * time.Millisecond // heavy batch: slow down a bit
	} else if lastBatch < 200*time.Millisecond {
		base -= 75 * time.Millisecond // quick batch: speed up a bit
	}

	if base < 50*time.Millisecond {
		base = 50 * time.Millisecond
	} else if base > 800*time.Millisecond {
		base = 800 * time.Millisecond
	}
	return base
}
