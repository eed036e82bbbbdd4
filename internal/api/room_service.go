package api

import (
	"fmt"
	"sync"

	"github.com/chatify/core/internal/mirror"
	"github.com/chatify/core/internal/store"
	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// RoomService manages the room list and per-room history hydration.
type RoomService struct {
	identity Identity
	mirror   *mirror.Store
	db       *store.DB
	logger   *zap.Logger

	mu       sync.Mutex
	hydrated map[string]bool
}

// NewRoomService creates a room service.
func NewRoomService(identity Identity, m *mirror.Store, db *store.DB, logger *zap.Logger) *RoomService {
	return &RoomService{
		identity: identity,
		mirror:   m,
		db:       db,
		logger:   logger,
		hydrated: make(map[string]bool),
	}
}

// LoadRooms fills the mirror with the cached room list: rooms containing
// the local user, most recent first.
func (s *RoomService) LoadRooms() ([]wire.Room, error) {
	rooms, err := s.db.RecentRooms(s.identity.ID)
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	s.mirror.SetRooms(rooms)
	return s.mirror.Rooms(), nil
}

// SetRooms replaces the room list wholesale, e.g. after a server fetch,
// and persists it.
func (s *RoomService) SetRooms(rooms []wire.Room) error {
	s.mirror.SetRooms(rooms)
	if err := s.db.ReplaceRooms(rooms); err != nil {
		return fmt.Errorf("persist rooms: %w", err)
	}
	return nil
}

// Rooms returns the current room list, most recent first.
func (s *RoomService) Rooms() []wire.Room {
	return s.mirror.Rooms()
}

// OpenRoom returns a room's messages, hydrating them from the store into
// the mirror the first time the room is opened.
func (s *RoomService) OpenRoom(roomID string) ([]wire.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hydrated[roomID] {
		msgs, err := s.db.RoomMessages(roomID)
		if err != nil {
			return nil, fmt.Errorf("hydrate room %s: %w", roomID, err)
		}
		if len(msgs) > 0 {
			s.mirror.ReplaceRoomMessages(roomID, msgs)
		}
		s.hydrated[roomID] = true
		s.logger.Debug("hydrated room history",
			zap.String("room_id", roomID), zap.Int("messages", len(msgs)))
	}
	return s.mirror.RoomMessages(roomID), nil
}
