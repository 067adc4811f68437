package store

import (
	"database/sql"
	"time"
)

// UpsertMessage inserts or updates a message, keyed by msg_id.
// The insertion position (rowid) of an existing row is preserved, so
// re-applying a message never reorders a thread. A status of "delivered"
// is never downgraded to "sent" by a later write.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (msg_id, chat_id, body, from_me, status, encrypted, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(msg_id) DO UPDATE SET
			body = excluded.body,
			status = CASE
				WHEN messages.status = 'delivered' AND excluded.status = 'sent' THEN messages.status
				ELSE excluded.status
			END`,
		m.MsgID, m.ChatID, m.Body, m.FromMe, m.Status, m.Encrypted, m.Timestamp, now)
	return err
}

// GetMessage returns a single message by id, or nil if absent.
func (db *DB) GetMessage(msgID string) (*Message, error) {
	var m Message
	err := db.QueryRow(`
		SELECT msg_id, chat_id, body, from_me, status, encrypted, timestamp
		FROM messages WHERE msg_id = ?`, msgID).
		Scan(&m.MsgID, &m.ChatID, &m.Body, &m.FromMe, &m.Status, &m.Encrypted, &m.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessages returns the messages of a chat ordered by timestamp
// ascending, ties broken by insertion order. afterTs filters out
// messages at or before the given unix-millisecond timestamp; pass 0
// for the whole thread.
func (db *DB) ListMessages(chatID string, afterTs int64) ([]Message, error) {
	rows, err := db.Query(`
		SELECT msg_id, chat_id, body, from_me, status, encrypted, timestamp
		FROM messages
		WHERE chat_id = ? AND timestamp > ?
		ORDER BY timestamp ASC, rowid ASC`, chatID, afterTs)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MsgID, &m.ChatID, &m.Body, &m.FromMe, &m.Status, &m.Encrypted, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RewriteMessageID renames a message in place. Used when the remote
// authority confirms an accepted message under a canonical id: the
// record keeps its rowid, so the conversation position is unchanged.
// If a record under newID already arrived via poll, the old record is
// simply dropped in its favor.
func (db *DB) RewriteMessageID(oldID, newID string) error {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE msg_id = ?`, newID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists > 0 {
		_, err = db.Exec(`DELETE FROM messages WHERE msg_id = ?`, oldID)
		return err
	}
	_, err = db.Exec(`UPDATE messages SET msg_id = ? WHERE msg_id = ?`, newID, oldID)
	return err
}

// UpdateMessageStatus sets the delivery status of a message.
func (db *DB) UpdateMessageStatus(msgID, status string) error {
	_, err := db.Exec(`UPDATE messages SET status = ? WHERE msg_id = ?`, status, msgID)
	return err
}

// DeleteMessage removes a message from the cache.
func (db *DB) DeleteMessage(msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE msg_id = ?`, msgID)
	return err
}

// DeleteChatMessages removes all messages of a chat.
func (db *DB) DeleteChatMessages(chatID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}
