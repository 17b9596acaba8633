package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Enqueue writes the optimistic cached message and its outbox entry in one
// transaction, before any network attempt. Either both rows exist afterwards
// or neither does; a duplicate local id fails the whole operation.
func (db *DB) Enqueue(m *Message, e *OutboxEntry) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	if _, err := tx.Exec(`
		INSERT INTO messages (local_id, conversation_id, sender_id, body, msg_type, media_ref,
			sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LocalID, m.ConversationID, m.SenderID, m.Body, m.MsgType, m.MediaRef,
		SyncPending, m.CreatedAt, now); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO outbox (local_id, conversation_id, sender_id, body, msg_type, media_ref,
			status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.LocalID, e.ConversationID, e.SenderID, e.Body, e.MsgType, e.MediaRef,
		OutboxQueued, e.CreatedAt); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

const outboxColumns = `local_id, conversation_id, sender_id, body, msg_type, media_ref,
	status, retry_count, last_retry_at, next_retry_at, last_error, created_at`

// DueOutbox returns queued entries whose retry schedule has elapsed, oldest
// first so recipients see messages in send order.
func (db *DB) DueOutbox(now int64) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT `+outboxColumns+`
		FROM outbox WHERE status = ? AND next_retry_at <= ?
		ORDER BY created_at ASC`, OutboxQueued, now)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.LocalID, &e.ConversationID, &e.SenderID, &e.Body, &e.MsgType,
			&e.MediaRef, &e.Status, &e.RetryCount, &e.LastRetryAt, &e.NextRetryAt,
			&e.LastError, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxRetry records a failed attempt: increments the retry count,
// stores the error, and schedules the next attempt. The entry stays queued.
func (db *DB) MarkOutboxRetry(localID, errMsg string, nextRetryAt int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET retry_count = retry_count + 1, last_retry_at = ?,
			next_retry_at = ?, last_error = ?
		WHERE local_id = ?`, now, nextRetryAt, errMsg, localID)
	return err
}

// ParkOutbox takes an entry out of the drain rotation after a terminal error
// or an exhausted retry policy. Parked entries are kept for manual retry.
func (db *DB) ParkOutbox(localID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, last_retry_at = ?, last_error = ?
		WHERE local_id = ?`, OutboxParked, now, errMsg, localID)
	return err
}

// RequeueParked puts all parked entries back in the drain rotation with a
// fresh retry budget. Returns the number of entries requeued.
func (db *DB) RequeueParked() (int64, error) {
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, retry_count = 0, next_retry_at = 0, last_error = ''
		WHERE status = ?`, OutboxQueued, OutboxParked)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountOutbox returns the number of queued and parked entries.
func (db *DB) CountOutbox() (queued, parked int, err error) {
	err = db.QueryRow(`
		SELECT
			COUNT(CASE WHEN status = ? THEN 1 END),
			COUNT(CASE WHEN status = ? THEN 1 END)
		FROM outbox`, OutboxQueued, OutboxParked).Scan(&queued, &parked)
	return queued, parked, err
}

// GetOutboxEntry returns a single entry by local id. Returns nil if absent.
func (db *DB) GetOutboxEntry(localID string) (*OutboxEntry, error) {
	var e OutboxEntry
	err := db.QueryRow(`
		SELECT `+outboxColumns+` FROM outbox WHERE local_id = ?`, localID).
		Scan(&e.LocalID, &e.ConversationID, &e.SenderID, &e.Body, &e.MsgType,
			&e.MediaRef, &e.Status, &e.RetryCount, &e.LastRetryAt, &e.NextRetryAt,
			&e.LastError, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
