package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatify/core/internal/wire"
)

// MessagePatch is a partial update applied to a persisted message.
// Nil fields are left unchanged.
type MessagePatch struct {
	Status    *wire.Status
	CreatedAt *int64
	Reactions map[string][]wire.Reactor
}

// UpsertMessage inserts or replaces a message by id.
func (db *DB) UpsertMessage(m *wire.Message) error {
	imageURLs, reactions, err := encodeMessage(m)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO messages (id, room_id, sender_id, sender_name, content, image_urls, reactions, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sender_name = excluded.sender_name,
			content = excluded.content,
			image_urls = excluded.image_urls,
			reactions = excluded.reactions,
			status = excluded.status,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		m.ID, m.RoomID, m.SenderID, m.SenderName, m.Content, imageURLs, reactions, string(m.Status), m.CreatedAt, now)
	return err
}

// PatchMessage applies a partial update by id. Returns false if no row
// matched (message not persisted locally), which is not an error.
func (db *DB) PatchMessage(id string, patch MessagePatch) (bool, error) {
	set := "updated_at = ?"
	args := []any{time.Now().UnixMilli()}
	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, string(*patch.Status))
	}
	if patch.CreatedAt != nil {
		set += ", created_at = ?"
		args = append(args, *patch.CreatedAt)
	}
	if patch.Reactions != nil {
		raw, err := json.Marshal(patch.Reactions)
		if err != nil {
			return false, fmt.Errorf("encode reactions: %w", err)
		}
		set += ", reactions = ?"
		args = append(args, string(raw))
	}
	args = append(args, id)

	res, err := db.Exec(`UPDATE messages SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RoomMessages returns all messages for a room in chronological order.
func (db *DB) RoomMessages(roomID string) ([]wire.Message, error) {
	rows, err := db.Query(`
		SELECT id, room_id, sender_id, sender_name, content, image_urls, reactions, status, created_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []wire.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// ReplaceRoomMessages replaces all persisted messages for one room.
func (db *DB) ReplaceRoomMessages(roomID string, msgs []wire.Message) error {
	if roomID == "" {
		return nil
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("clear room messages: %w", err)
	}
	now := time.Now().UnixMilli()
	for i := range msgs {
		m := &msgs[i]
		imageURLs, reactions, err := encodeMessage(m)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO messages (id, room_id, sender_id, sender_name, content, image_urls, reactions, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.RoomID, m.SenderID, m.SenderName, m.Content, imageURLs, reactions, string(m.Status), m.CreatedAt, now); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteMessage removes a message by id.
func (db *DB) DeleteMessage(id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

func encodeMessage(m *wire.Message) (imageURLs sql.NullString, reactions string, err error) {
	if m.ImageURLs != nil {
		raw, err := json.Marshal(m.ImageURLs)
		if err != nil {
			return sql.NullString{}, "", fmt.Errorf("encode image_urls: %w", err)
		}
		imageURLs = sql.NullString{String: string(raw), Valid: true}
	}
	rx := m.Reactions
	if rx == nil {
		rx = map[string][]wire.Reactor{}
	}
	raw, err := json.Marshal(rx)
	if err != nil {
		return sql.NullString{}, "", fmt.Errorf("encode reactions: %w", err)
	}
	return imageURLs, string(raw), nil
}

func scanMessage(row rowScanner) (*wire.Message, error) {
	var m wire.Message
	var imageURLs sql.NullString
	var reactions string
	var status string
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content, &imageURLs, &reactions, &status, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = wire.Status(status)
	if imageURLs.Valid {
		if err := json.Unmarshal([]byte(imageURLs.String), &m.ImageURLs); err != nil {
			return nil, fmt.Errorf("decode image_urls for message %s: %w", m.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, fmt.Errorf("decode reactions for message %s: %w", m.ID, err)
	}
	return &m, nil
}
