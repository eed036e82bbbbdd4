// Package mirror holds the in-memory client-side view of rooms and
// messages. It is the single source of truth for the UI; the sqlite
// store is a best-effort cache behind it. All mutation goes through
// the Store's own operations.
package mirror

import (
	"sort"
	"sync"

	"github.com/chatify/core/internal/wire"
	"go.uber.org/zap"
)

// Patch is a partial update applied to a message. Nil fields are left
// unchanged. A non-nil Reactions map replaces the whole reaction set.
type Patch struct {
	Status         *wire.Status
	CreatedAt      *int64
	Reactions      map[string][]wire.Reactor
	Content        *string
	ImageURLs      *[]*string
	PendingUploads *int
}

// Store is the in-memory mirror of rooms and messages.
type Store struct {
	mu             sync.RWMutex
	rooms          map[string]*wire.Room
	messagesByRoom map[string][]*wire.Message
	logger         *zap.Logger
}

// New creates an empty mirror store.
func New(logger *zap.Logger) *Store {
	return &Store{
		rooms:          make(map[string]*wire.Room),
		messagesByRoom: make(map[string][]*wire.Message),
		logger:         logger,
	}
}

// SetRooms replaces the room mapping wholesale. Used on initial load.
func (s *Store) SetRooms(rooms []wire.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms = make(map[string]*wire.Room, len(rooms))
	for i := range rooms {
		r := rooms[i].Clone()
		s.rooms[r.ID] = r
	}
}

// UpsertRoom inserts or replaces a single room.
func (s *Store) UpsertRoom(room wire.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room.Clone()
}

// Rooms returns all rooms sorted by last message timestamp descending.
func (s *Store) Rooms() []wire.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := make([]wire.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, *r.Clone())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].LastMsgAt > rooms[j].LastMsgAt })
	return rooms
}

// RoomIDs returns the ids of all known rooms.
func (s *Store) RoomIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.rooms))
	for id := range s.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Room returns a copy of a room, or nil if unknown.
func (s *Store) Room(id string) *wire.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[id].Clone()
}

// AddMessage appends a message to its room's list, keeping the list
// sorted by createdAt, and denormalizes lastMsg/lastMsgAt onto the
// owning room if the room is known.
func (s *Store) AddMessage(msg wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := msg.Clone()
	list := append(s.messagesByRoom[m.RoomID], m)
	sortByCreatedAt(list)
	s.messagesByRoom[m.RoomID] = list

	if room, ok := s.rooms[m.RoomID]; ok && m.CreatedAt >= room.LastMsgAt {
		room.LastMsg = m.Clone()
		room.LastMsgAt = m.CreatedAt
	}
}

// Message returns a copy of a message, or nil if the room or message is
// unknown.
func (s *Store) Message(roomID, msgID string) *wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messagesByRoom[roomID] {
		if m.ID == msgID {
			return m.Clone()
		}
	}
	return nil
}

// RoomMessages returns copies of a room's messages in chronological order.
func (s *Store) RoomMessages(roomID string) []wire.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messagesByRoom[roomID]
	out := make([]wire.Message, 0, len(list))
	for _, m := range list {
		out = append(out, *m.Clone())
	}
	return out
}

// UpdateMessage applies a partial update by identity. Unknown room or
// message is a silent no-op: the message may have been evicted or not
// yet loaded. A status change that violates the transition table is
// dropped (the rest of the patch still applies). Set resort when the
// patch rewrites createdAt.
func (s *Store) UpdateMessage(roomID, msgID string, patch Patch, resort bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.messagesByRoom[roomID]
	if !ok {
		return
	}
	var target *wire.Message
	for _, m := range list {
		if m.ID == msgID {
			target = m
			break
		}
	}
	if target == nil {
		return
	}

	if patch.Status != nil {
		if target.Status.CanTransitionTo(*patch.Status) {
			target.Status = *patch.Status
		} else if s.logger != nil {
			s.logger.Debug("dropped invalid status transition",
				zap.String("msg_id", msgID),
				zap.String("from", string(target.Status)),
				zap.String("to", string(*patch.Status)))
		}
	}
	if patch.CreatedAt != nil {
		target.CreatedAt = *patch.CreatedAt
	}
	if patch.Reactions != nil {
		target.Reactions = wire.CloneReactions(patch.Reactions)
	}
	if patch.Content != nil {
		target.Content = *patch.Content
	}
	if patch.ImageURLs != nil {
		target.ImageURLs = *patch.ImageURLs
	}
	if patch.PendingUploads != nil {
		target.PendingUploads = *patch.PendingUploads
	}

	if resort {
		sortByCreatedAt(list)
	}

	// Keep the room preview in step when the denormalized message changed.
	if room, ok := s.rooms[roomID]; ok && room.LastMsg != nil && room.LastMsg.ID == msgID {
		room.LastMsg = target.Clone()
		room.LastMsgAt = target.CreatedAt
	}
}

// ReplaceRoomMessages hydrates a room's history wholesale, e.g. from the
// persistent store the first time the room becomes active.
func (s *Store) ReplaceRoomMessages(roomID string, msgs []wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]*wire.Message, 0, len(msgs))
	for i := range msgs {
		list = append(list, msgs[i].Clone())
	}
	sortByCreatedAt(list)
	s.messagesByRoom[roomID] = list
}

// RemoveMessage deletes a message locally. No-op if unknown.
func (s *Store) RemoveMessage(roomID, msgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.messagesByRoom[roomID]
	for i, m := range list {
		if m.ID == msgID {
			s.messagesByRoom[roomID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

func sortByCreatedAt(list []*wire.Message) {
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt < list[j].CreatedAt })
}
