package store

import (
	"database/sql"
	"time"
)

// Well-known sync_state keys.
const (
	StateCursor      = "last_poll"
	StateUserID      = "identity.user_id"
	StateDisplayName = "identity.display_name"
	StateAvatar      = "identity.avatar"
)

// SetState writes a key/value pair into the sync_state partition.
func (db *DB) SetState(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetState reads a sync_state value. Returns "" when the key is absent.
func (db *DB) GetState(key string) (string, error) {
	var value string
	err := db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// DeleteState removes a sync_state key.
func (db *DB) DeleteState(key string) error {
	_, err := db.Exec(`DELETE FROM sync_state WHERE key = ?`, key)
	return err
}
