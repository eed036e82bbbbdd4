// Package sync reconciles inbound envelopes into the mirror store and
// the sqlite cache, and emits delivery acknowledgments.
package sync

import (
	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/mirror"
	"github.com/chatify/core/internal/store"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// Enqueuer is the outbox surface the engine needs for delivery acks.
type Enqueuer interface {
	Enqueue(wire.Envelope)
}

// Engine dispatches inbound envelopes by type. It is wired as the
// transport receive callback.
type Engine struct {
	mirror *mirror.Store
	db     *store.DB
	queue  Enqueuer
	bus    *bus.Bus
	logger *zap.Logger
}

// NewEngine creates a sync engine.
func NewEngine(m *mirror.Store, db *store.DB, queue Enqueuer, b *bus.Bus, logger *zap.Logger) *Engine {
	return &Engine{
		mirror: m,
		db:     db,
		queue:  queue,
		bus:    b,
		logger: logger,
	}
}

// HandleEnvelope reconciles one inbound envelope.
func (e *Engine) HandleEnvelope(env wire.Envelope) {
	switch env.Type {
	case wire.TypeChat:
		e.handleChat(env.Chat)
	case wire.TypeReact:
		e.handleReact(env.React)
	case wire.TypeUpdateStatus:
		e.handleStatus(env.Status)
	default:
		e.logger.Warn("inbound envelope of unknown type", zap.String("type", string(env.Type)))
	}
}

// handleChat stores an arriving message as delivered and queues a
// delivery acknowledgment back to its sender.
func (e *Engine) handleChat(msg *wire.Message) {
	delivered := msg.Clone()
	delivered.Status = wire.StatusDelivered

	e.mirror.AddMessage(*delivered)
	e.persist(delivered.ID, func() error {
		if err := e.db.UpsertMessage(delivered); err != nil {
			return err
		}
		return e.db.TouchRoomLastMsg(delivered.RoomID, delivered)
	})
	e.bus.Emit(bus.KindMsgUpserted, delivered.ID)

	e.queue.Enqueue(wire.StatusEnvelope(wire.StatusPayload{
		ID:        delivered.ID,
		RoomID:    delivered.RoomID,
		SenderID:  delivered.SenderID,
		CreatedAt: delivered.CreatedAt,
		Status:    wire.StatusDelivered,
	}))
}

// handleReact recomputes the target message's reaction set. Reactions
// for messages not loaded locally are dropped; the message may simply
// not be cached yet.
func (e *Engine) handleReact(p *wire.ReactPayload) {
	msg := e.mirror.Message(p.RoomID, p.ID)
	if msg == nil {
		e.logger.Debug("dropping reaction for unloaded message",
			zap.String("msg_id", p.ID), zap.String("room_id", p.RoomID))
		return
	}

	rebuilt := wire.ToggleReaction(msg.Reactions, p.Emoji, p.Reactor)
	e.mirror.UpdateMessage(p.RoomID, p.ID, mirror.Patch{Reactions: rebuilt}, false)
	e.persist(p.ID, func() error {
		_, err := e.db.PatchMessage(p.ID, store.MessagePatch{Reactions: rebuilt})
		return err
	})
	e.bus.Emit(bus.KindMsgUpdated, p.ID)
}

// handleStatus applies a server-side status transition. A successful
// retry also rewrites createdAt to the actual send time, which resorts
// the message within its room.
func (e *Engine) handleStatus(p *wire.StatusPayload) {
	switch p.Status {
	case wire.StatusSent, wire.StatusDelivered:
		st := p.Status
		e.mirror.UpdateMessage(p.RoomID, p.ID, mirror.Patch{Status: &st}, false)
		e.persist(p.ID, func() error {
			_, err := e.db.PatchMessage(p.ID, store.MessagePatch{Status: &st})
			return err
		})
	case wire.StatusRetrySuccessful:
		st, createdAt := p.Status, p.CreatedAt
		e.mirror.UpdateMessage(p.RoomID, p.ID, mirror.Patch{Status: &st, CreatedAt: &createdAt}, true)
		e.persist(p.ID, func() error {
			_, err := e.db.PatchMessage(p.ID, store.MessagePatch{Status: &st, CreatedAt: &createdAt})
			return err
		})
	default:
		return
	}
	e.bus.Emit(bus.KindMsgUpdated, p.ID)
}

// persist runs a storage write off the hot path. Failures degrade the
// cache, not the in-memory state, so they are only logged.
func (e *Engine) persist(msgID string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			e.logger.Error("failed to persist inbound update",
				zap.Error(err), zap.String("msg_id", msgID))
		}
	}()
}
