// Package api exposes the user-action services: sending, retrying and
// reacting to messages, and room list management. Services apply
// optimistic mirror updates, persist to the store off the hot path, and
// hand outbound envelopes to the outbox.
package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatify/core/internal/bus"
	"github.com/chatify/core/internal/media"
	"github.com/chatify/core/internal/mirror"
	"github.com/chatify/core/internal/store"
	"github.com/chatify/core/internal/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrOutboxNotReady is returned while the first join attempt has not
	// completed yet.
	ErrOutboxNotReady = errors.New("outbox is not ready yet")
	// ErrNothingToSend is returned for an empty message.
	ErrNothingToSend = errors.New("nothing to send")
	// ErrMessageNotFound is returned when the target message is not loaded.
	ErrMessageNotFound = errors.New("message not found")
	// ErrNotRetryable is returned when retrying a message that has not failed.
	ErrNotRetryable = errors.New("message is not in a failed state")
)

// Identity is the authenticated local user.
type Identity struct {
	ID   int
	Name string
}

// Enqueuer is the outbox surface services push envelopes into.
type Enqueuer interface {
	Enqueue(wire.Envelope)
}

// ReadyGate reports whether user sends are accepted yet.
type ReadyGate interface {
	OutboxReady() bool
}

// MessageService implements the user-facing message operations.
type MessageService struct {
	identity Identity
	mirror   *mirror.Store
	db       *store.DB
	queue    Enqueuer
	uploader media.Uploader
	gate     ReadyGate
	bus      *bus.Bus
	logger   *zap.Logger
}

// NewMessageService creates a message service.
func NewMessageService(identity Identity, m *mirror.Store, db *store.DB, queue Enqueuer, uploader media.Uploader, gate ReadyGate, b *bus.Bus, logger *zap.Logger) *MessageService {
	return &MessageService{
		identity: identity,
		mirror:   m,
		db:       db,
		queue:    queue,
		uploader: uploader,
		gate:     gate,
		bus:      b,
		logger:   logger,
	}
}

// SendText queues a text-only message: optimistic pending message in the
// mirror, persisted, then a chat envelope in the outbox.
func (s *MessageService) SendText(roomID, content string) (*wire.Message, error) {
	if !s.gate.OutboxReady() {
		return nil, ErrOutboxNotReady
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrNothingToSend
	}

	msg := s.newMessage(roomID, content)
	s.mirror.AddMessage(*msg)
	s.persist(msg.ID, func() error { return s.db.UpsertMessage(msg) })
	s.queue.Enqueue(wire.ChatEnvelope(msg.Clone()))
	s.bus.Emit(bus.KindMsgUpserted, msg.ID)
	return msg, nil
}

// SendPhotos queues a message with photo attachments. A placeholder with
// a pending-uploads count is shown immediately; after the upload the
// sender's copy keeps failed slots as nils while the queued envelope
// carries only the successful URLs. If every upload fails the message is
// marked failed locally and nothing is enqueued.
func (s *MessageService) SendPhotos(ctx context.Context, roomID, content string, files []media.File) (*wire.Message, error) {
	if !s.gate.OutboxReady() {
		return nil, ErrOutboxNotReady
	}
	if len(files) == 0 {
		return s.SendText(roomID, content)
	}

	placeholder := s.newMessage(roomID, strings.TrimSpace(content))
	placeholder.PendingUploads = len(files)
	s.mirror.AddMessage(*placeholder)
	s.bus.Emit(bus.KindMsgUpserted, placeholder.ID)

	batch, err := s.uploader.UploadMultiple(ctx, files)
	if err != nil || batch.Successful == 0 {
		if err == nil {
			err = fmt.Errorf("all %d uploads failed", len(files))
		}
		s.logger.Error("failed to upload photos", zap.Error(err), zap.String("msg_id", placeholder.ID))
		s.bus.Emit(bus.KindNotice, bus.Notice{
			Severity: bus.NoticeError,
			Text:     fmt.Sprintf("Failed to upload photos. %v", err),
		})

		failed := placeholder.Clone()
		failed.PendingUploads = 0
		failed.ImageURLs = make([]*string, len(files)) // every slot failed
		failed.Status = wire.StatusFailed

		st, none := failed.Status, 0
		s.mirror.UpdateMessage(roomID, failed.ID, mirror.Patch{
			Status:         &st,
			ImageURLs:      &failed.ImageURLs,
			PendingUploads: &none,
		}, false)
		s.persist(failed.ID, func() error { return s.db.UpsertMessage(failed) })
		s.bus.Emit(bus.KindMsgUpdated, failed.ID)
		return failed, nil
	}

	allURLs := batch.URLs()
	sender := placeholder.Clone()
	sender.PendingUploads = 0
	sender.ImageURLs = allURLs

	receiver := sender.Clone()
	receiver.ImageURLs = batch.SuccessfulURLs()

	none := 0
	s.mirror.UpdateMessage(roomID, sender.ID, mirror.Patch{
		ImageURLs:      &allURLs,
		PendingUploads: &none,
	}, false)
	s.persist(sender.ID, func() error { return s.db.UpsertMessage(sender) })
	s.queue.Enqueue(wire.ChatEnvelope(receiver))
	s.bus.Emit(bus.KindMsgUpdated, sender.ID)
	return sender, nil
}

// Retry re-queues a failed message. The message keeps its id, so the
// server recognizes the retry and answers with retry-successful.
func (s *MessageService) Retry(roomID, msgID string) error {
	msg := s.mirror.Message(roomID, msgID)
	if msg == nil {
		return ErrMessageNotFound
	}
	if msg.Status != wire.StatusFailed {
		return ErrNotRetryable
	}

	st := wire.StatusRetrying
	s.mirror.UpdateMessage(roomID, msgID, mirror.Patch{Status: &st}, false)
	s.persist(msgID, func() error {
		_, err := s.db.PatchMessage(msgID, store.MessagePatch{Status: &st})
		return err
	})

	retry := msg.Clone()
	retry.Status = wire.StatusRetrying
	s.queue.Enqueue(wire.ChatEnvelope(retry))
	s.bus.Emit(bus.KindMsgUpdated, msgID)
	return nil
}

// React toggles the local user's reaction on a message and queues the
// toggle for other participants.
func (s *MessageService) React(roomID, msgID, emoji string) error {
	msg := s.mirror.Message(roomID, msgID)
	if msg == nil {
		return ErrMessageNotFound
	}

	reactor := wire.Reactor{ReactorID: s.identity.ID, ReactorName: s.identity.Name}
	rebuilt := wire.ToggleReaction(msg.Reactions, emoji, reactor)
	s.mirror.UpdateMessage(roomID, msgID, mirror.Patch{Reactions: rebuilt}, false)
	s.persist(msgID, func() error {
		_, err := s.db.PatchMessage(msgID, store.MessagePatch{Reactions: rebuilt})
		return err
	})

	s.queue.Enqueue(wire.ReactEnvelope(wire.ReactPayload{
		ID:      msgID,
		RoomID:  roomID,
		Emoji:   emoji,
		Reactor: reactor,
	}))
	s.bus.Emit(bus.KindMsgUpdated, msgID)
	return nil
}

// Remove deletes a message locally. Nothing is sent to the server.
func (s *MessageService) Remove(roomID, msgID string) error {
	if s.mirror.Message(roomID, msgID) == nil {
		return ErrMessageNotFound
	}
	s.mirror.RemoveMessage(roomID, msgID)
	s.persist(msgID, func() error { return s.db.DeleteMessage(msgID) })
	s.bus.Emit(bus.KindMsgUpdated, msgID)
	return nil
}

func (s *MessageService) newMessage(roomID, content string) *wire.Message {
	return &wire.Message{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		SenderID:   s.identity.ID,
		SenderName: s.identity.Name,
		Content:    content,
		Reactions:  map[string][]wire.Reactor{},
		Status:     wire.StatusPending,
		CreatedAt:  time.Now().UnixMilli(),
	}
}

// persist runs a storage write off the hot path; failures only degrade
// the cache and are logged.
func (s *MessageService) persist(msgID string, fn func() error) {
	go func() {
		if err := fn(); err != nil {
			s.logger.Error("failed to persist message",
				zap.Error(err), zap.String("msg_id", msgID))
		}
	}()
}
