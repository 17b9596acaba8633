package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

const messageColumns = `id, local_id, server_id, conversation_id, sender_id, body, msg_type, media_ref,
	sync_status, sync_error, last_sync_at, created_at, updated_at, deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.LocalID, &m.ServerID, &m.ConversationID, &m.SenderID, &m.Body,
		&m.MsgType, &m.MediaRef, &m.SyncStatus, &m.SyncError, &m.LastSyncAt,
		&m.CreatedAt, &m.UpdatedAt, &m.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AbsorbMessage merges a server-confirmed canonical message into the local
// store. If a row with the same local id exists it is replaced in place
// (never inserted again), which keeps the optimistic copy and the confirmed
// copy as one visible row. Otherwise the row is matched by server id, or
// inserted fresh. The matching outbox entry is removed and the conversation
// summary bumped, all in one transaction.
//
// Returns true if anything was applied, false if the canonical message was
// already fully absorbed (idempotent no-op).
func (db *DB) AbsorbMessage(m *Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	applied, err := absorbTx(tx, m, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit absorb: %w", err)
	}
	return applied, nil
}

// AbsorbBatch merges a batch of canonical messages in a single transaction.
// Returns the number of messages that were actually applied.
func (db *DB) AbsorbBatch(msgs []*Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	applied := 0
	for _, m := range msgs {
		ok, err := absorbTx(tx, m, now)
		if err != nil {
			return 0, fmt.Errorf("absorb %s: %w", m.ServerID, err)
		}
		if ok {
			applied++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return applied, nil
}

func absorbTx(tx *sql.Tx, m *Message, now int64) (bool, error) {
	var (
		rowID     int64
		serverID  string
		body      string
		status    string
		createdAt int64
		deletedAt int64
	)

	matched := false
	if m.LocalID != "" {
		err := tx.QueryRow(`
			SELECT id, server_id, body, sync_status, created_at, deleted_at FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND local_id = ?`,
			m.ConversationID, m.SenderID, m.LocalID).
			Scan(&rowID, &serverID, &body, &status, &createdAt, &deletedAt)
		if err != nil && err != sql.ErrNoRows {
			return false, err
		}
		matched = err == nil
	}
	if !matched && m.ServerID != "" {
		err := tx.QueryRow(`
			SELECT id, server_id, body, sync_status, created_at, deleted_at FROM messages
			WHERE server_id = ?`, m.ServerID).
			Scan(&rowID, &serverID, &body, &status, &createdAt, &deletedAt)
		if err != nil && err != sql.ErrNoRows {
			return false, err
		}
		matched = err == nil
	}

	applied := true
	switch {
	case matched && serverID == m.ServerID && status == SyncSent &&
		body == m.Body && createdAt == m.CreatedAt && deletedAt == m.DeletedAt:
		// Already absorbed, nothing to apply.
		applied = false
	case matched:
		// Replace in place: server-confirmed fields win.
		if _, err := tx.Exec(`
			UPDATE messages SET server_id = ?, body = ?, msg_type = ?, media_ref = ?,
				sync_status = ?, sync_error = '', created_at = ?, updated_at = ?, deleted_at = ?
			WHERE id = ?`,
			m.ServerID, m.Body, m.MsgType, m.MediaRef, SyncSent,
			m.CreatedAt, now, m.DeletedAt, rowID); err != nil {
			return false, err
		}
	default:
		if _, err := tx.Exec(`
			INSERT INTO messages (local_id, server_id, conversation_id, sender_id, body, msg_type,
				media_ref, sync_status, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.LocalID, m.ServerID, m.ConversationID, m.SenderID, m.Body, m.MsgType,
			m.MediaRef, SyncSent, m.CreatedAt, now, m.DeletedAt); err != nil {
			return false, err
		}
	}

	// Confirmation removes the outbox entry regardless of whether the message
	// row needed changes.
	if m.LocalID != "" {
		if _, err := tx.Exec(`DELETE FROM outbox WHERE local_id = ?`, m.LocalID); err != nil {
			return false, err
		}
	}

	if !applied {
		return false, nil
	}

	preview := ""
	if m.DeletedAt == 0 {
		preview = truncate(m.Body, 100)
	}
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, last_message_at, last_message_preview, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_at = MAX(conversations.last_message_at, excluded.last_message_at),
			last_message_preview = CASE WHEN excluded.last_message_at > conversations.last_message_at THEN excluded.last_message_preview ELSE conversations.last_message_preview END,
			updated_at = excluded.updated_at`,
		m.ConversationID, m.CreatedAt, preview, now); err != nil {
		return false, err
	}

	return true, nil
}

// MarkSendFailed transitions a cached message to failed after the retry
// policy is exhausted or a terminal delivery error occurred.
func (db *DB) MarkSendFailed(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET sync_status = ?, sync_error = ?, last_sync_at = ?, updated_at = ?
		WHERE local_id = ? AND sync_status = ?`,
		SyncFailed, errMsg, now, now, localID, SyncPending)
	return err
}

// TouchSyncAttempt records a delivery attempt on the cached message.
func (db *DB) TouchSyncAttempt(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE messages SET last_sync_at = ?, sync_error = ? WHERE local_id = ?`,
		now, errMsg, localID)
	return err
}

// ListMessages returns live messages for a conversation using keyset
// pagination by creation time, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND created_at < ? AND deleted_at = 0
		ORDER BY created_at DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// GetMessageByLocalID returns a message by its client idempotency key,
// including tombstoned rows. Returns nil if not found.
func (db *DB) GetMessageByLocalID(localID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages WHERE local_id = ?`, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// GetMessageByServerID returns a message by its canonical server id,
// including tombstoned rows. Returns nil if not found.
func (db *DB) GetMessageByServerID(serverID string) (*Message, error) {
	m, err := scanMessage(db.QueryRow(`
		SELECT `+messageColumns+` FROM messages WHERE server_id = ?`, serverID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

// truncate cuts s to at most maxLen bytes, backing up so a multi-byte rune
// is never split.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	for maxLen > 0 && !utf8.RuneStart(s[maxLen]) {
		maxLen--
	}
	return s[:maxLen]
}
