package store

import (
	"database/sql"
	"time"
)

// UpsertChat inserts or updates a chat record. last_message_at never
// moves backward.
func (db *DB) UpsertChat(c *Chat) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO chats (id, name, avatar, peer_id, online, unread_count, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			avatar = excluded.avatar,
			peer_id = excluded.peer_id,
			online = excluded.online,
			unread_count = excluded.unread_count,
			last_message_at = MAX(chats.last_message_at, excluded.last_message_at),
			last_message_preview = CASE
				WHEN excluded.last_message_at >= chats.last_message_at THEN excluded.last_message_preview
				ELSE chats.last_message_preview
			END,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Avatar, c.PeerID, c.Online, c.UnreadCount, c.LastMessageAt, c.LastMessagePreview, now)
	return err
}

// TouchChat advances a chat's preview and last-message timestamp without
// touching the rest of the record. The timestamp never moves backward.
func (db *DB) TouchChat(chatID, preview string, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE chats SET
			last_message_preview = CASE WHEN ? >= last_message_at THEN ? ELSE last_message_preview END,
			last_message_at = MAX(last_message_at, ?),
			updated_at = ?
		WHERE id = ?`,
		ts, preview, ts, now, chatID)
	return err
}

// ListChats returns chats sorted by last message timestamp descending.
func (db *DB) ListChats() ([]Chat, error) {
	rows, err := db.Query(`
		SELECT id, name, avatar, peer_id, online, unread_count, last_message_at, last_message_preview
		FROM chats
		ORDER BY last_message_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var chats []Chat
	for rows.Next() {
		var c Chat
		if err := rows.Scan(&c.ID, &c.Name, &c.Avatar, &c.PeerID, &c.Online, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// GetChat returns a single chat by id, or nil if absent.
func (db *DB) GetChat(chatID string) (*Chat, error) {
	var c Chat
	err := db.QueryRow(`
		SELECT id, name, avatar, peer_id, online, unread_count, last_message_at, last_message_preview
		FROM chats WHERE id = ?`, chatID).
		Scan(&c.ID, &c.Name, &c.Avatar, &c.PeerID, &c.Online, &c.UnreadCount, &c.LastMessageAt, &c.LastMessagePreview)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// IncrementUnread bumps the unread counter of a chat.
func (db *DB) IncrementUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = unread_count + 1 WHERE id = ?`, chatID)
	return err
}

// ResetUnread zeroes the unread counter of a chat.
func (db *DB) ResetUnread(chatID string) error {
	_, err := db.Exec(`UPDATE chats SET unread_count = 0 WHERE id = ?`, chatID)
	return err
}

// DeleteChat removes a chat from the cache.
func (db *DB) DeleteChat(chatID string) error {
	_, err := db.Exec(`DELETE FROM chats WHERE id = ?`, chatID)
	return err
}
