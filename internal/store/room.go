package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatify/core/internal/wire"
)

// UpsertRoom inserts or updates a room record.
func (db *DB) UpsertRoom(r *wire.Room) error {
	members, lastMsg, err := encodeRoom(r)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		INSERT INTO rooms (id, is_group, name, members, last_msg_at, last_msg, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			is_group = excluded.is_group,
			name = excluded.name,
			members = excluded.members,
			last_msg_at = excluded.last_msg_at,
			last_msg = excluded.last_msg,
			updated_at = excluded.updated_at`,
		r.ID, r.IsGroup, r.Name, members, r.LastMsgAt, lastMsg, now)
	return err
}

// ReplaceRooms atomically replaces the whole rooms table.
func (db *DB) ReplaceRooms(rooms []wire.Room) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM rooms`); err != nil {
		return fmt.Errorf("clear rooms: %w", err)
	}
	now := time.Now().UnixMilli()
	for i := range rooms {
		r := &rooms[i]
		members, lastMsg, err := encodeRoom(r)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO rooms (id, is_group, name, members, last_msg_at, last_msg, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.IsGroup, r.Name, members, r.LastMsgAt, lastMsg, now); err != nil {
			return fmt.Errorf("insert room %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// TouchRoomLastMsg updates the denormalized preview of the most recent
// message on a room. No-op if the room is unknown.
func (db *DB) TouchRoomLastMsg(roomID string, msg *wire.Message) error {
	lastMsg, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode last_msg: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = db.Exec(`
		UPDATE rooms SET last_msg_at = ?, last_msg = ?, updated_at = ?
		WHERE id = ?`,
		msg.CreatedAt, string(lastMsg), now, roomID)
	return err
}

// RecentRooms returns rooms the given user is a member of, sorted by last
// message timestamp descending.
func (db *DB) RecentRooms(userID int) ([]wire.Room, error) {
	rows, err := db.Query(`
		SELECT id, is_group, name, members, last_msg_at, last_msg
		FROM rooms
		ORDER BY last_msg_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []wire.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		// Membership is a JSON list, so filter here rather than in SQL.
		if r.HasMember(userID) {
			rooms = append(rooms, *r)
		}
	}
	return rooms, rows.Err()
}

// GetRoom returns a single room by id, or nil if unknown.
func (db *DB) GetRoom(id string) (*wire.Room, error) {
	row := db.QueryRow(`
		SELECT id, is_group, name, members, last_msg_at, last_msg
		FROM rooms WHERE id = ?`, id)
	r, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func encodeRoom(r *wire.Room) (members string, lastMsg sql.NullString, err error) {
	m, err := json.Marshal(r.Members)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode members: %w", err)
	}
	if r.LastMsg != nil {
		lm, err := json.Marshal(r.LastMsg)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode last_msg: %w", err)
		}
		lastMsg = sql.NullString{String: string(lm), Valid: true}
	}
	return string(m), lastMsg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*wire.Room, error) {
	var r wire.Room
	var members string
	var lastMsg sql.NullString
	if err := row.Scan(&r.ID, &r.IsGroup, &r.Name, &members, &r.LastMsgAt, &lastMsg); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(members), &r.Members); err != nil {
		return nil, fmt.Errorf("decode members for room %s: %w", r.ID, err)
	}
	if lastMsg.Valid {
		var m wire.Message
		if err := json.Unmarshal([]byte(lastMsg.String), &m); err != nil {
			return nil, fmt.Errorf("decode last_msg for room %s: %w", r.ID, err)
		}
		r.LastMsg = &m
	}
	return &r, nil
}
