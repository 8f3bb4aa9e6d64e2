package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + server_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, server_id, sender_id, text, read, created_at, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, server_id) DO UPDATE SET
			text = excluded.text,
			read = excluded.read`,
		m.ConversationID, m.ServerID, m.SenderID, m.Text, m.Read, m.CreatedAt, now)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first. A beforeTs of 0 means "from now".
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, server_id, sender_id, text, read, created_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ServerID, &m.SenderID, &m.Text, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkRead flags all messages up to and including serverID as read.
func (db *DB) MarkRead(conversationID string, serverID int64) error {
	_, err := db.Exec(`
		UPDATE messages SET read = 1
		WHERE conversation_id = ? AND server_id <= ? AND read = 0`,
		conversationID, serverID)
	return err
}

// UnreadCount returns the number of unread messages in a conversation.
func (db *DB) UnreadCount(conversationID string) (int, error) {
	var n int
	err := db.QueryRow(`
		SELECT COUNT(*) FROM messages
		WHERE conversation_id = ? AND read = 0`, conversationID).Scan(&n)
	return n, err
}
