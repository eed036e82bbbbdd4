package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatify/core/internal/wire"
)

// ReplaceQueue replaces the persisted outbox with the given envelopes,
// preserving order. The queue is always rewritten whole: bursts of
// mutations are collapsed upstream by the debounced persister.
func (db *DB) ReplaceQueue(envelopes []wire.Envelope) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM message_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	now := time.Now().UnixMilli()
	for i := range envelopes {
		raw, err := json.Marshal(envelopes[i])
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO message_queue (envelope, created_at) VALUES (?, ?)`,
			string(raw), now); err != nil {
			return fmt.Errorf("insert envelope: %w", err)
		}
	}
	return tx.Commit()
}

// GetQueue returns the persisted outbox in insertion order.
func (db *DB) GetQueue() ([]wire.Envelope, error) {
	rows, err := db.Query(`SELECT envelope FROM message_queue ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var envelopes []wire.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var env wire.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode persisted envelope: %w", err)
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, rows.Err()
}
