package reconcile

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/mirachat/mira/internal/bus"
	"github.com/mirachat/mira/internal/store"
	"go.uber.org/zap"
)

// Result reports what an absorb did.
type Result int

const (
	// Applied means the canonical message changed the local store: it
	// replaced an optimistic row, inserted a fresh row, or applied a
	// remote deletion.
	Applied Result = iota
	// Duplicate means the canonical message was already fully absorbed.
	Duplicate
)

// Reconciler merges server-confirmed canonical messages into the local
// store, eliminating duplicate optimistic entries by local id, and tracks
// the pull-sync checkpoint.
type Reconciler struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a new reconciler.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Reconciler {
	return &Reconciler{db: db, bus: b, logger: logger}
}

// Absorb merges one canonical message. Malformed canonicals are rejected
// before any write so a bad payload cannot partially apply.
func (r *Reconciler) Absorb(m *store.Message) (Result, error) {
	if err := validate(m); err != nil {
		return Duplicate, err
	}

	applied, err := r.db.AbsorbMessage(m)
	if err != nil {
		return Duplicate, fmt.Errorf("absorb message: %w", err)
	}
	if !applied {
		return Duplicate, nil
	}

	r.publish("message.absorbed", map[string]string{
		"conversation_id": m.ConversationID,
		"server_id":       m.ServerID,
	})
	return Applied, nil
}

// AbsorbBatch merges a batch of canonical messages in one transaction,
// typically from a pull-sync. Returns the number actually applied.
func (r *Reconciler) AbsorbBatch(msgs []*store.Message) (int, error) {
	for _, m := range msgs {
		if err := validate(m); err != nil {
			return 0, err
		}
	}

	applied, err := r.db.AbsorbBatch(msgs)
	if err != nil {
		return 0, fmt.Errorf("absorb batch: %w", err)
	}
	if applied > 0 {
		r.publish("sync.pull_complete", map[string]int{
			"received": len(msgs),
			"applied":  applied,
		})
	}
	return applied, nil
}

// UpdateCheckpoint stores the pull-sync high-water mark.
func (r *Reconciler) UpdateCheckpoint(key, value string) error {
	now := time.Now().UnixMilli()
	_, err := r.db.Exec(`
		INSERT INTO sync_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, now)
	return err
}

// GetCheckpoint retrieves a pull-sync checkpoint value. Returns "" if the
// checkpoint has never been set.
func (r *Reconciler) GetCheckpoint(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (r *Reconciler) publish(kind string, payload any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload})
}

func validate(m *store.Message) error {
	if m == nil {
		return fmt.Errorf("canonical message is nil")
	}
	if m.ServerID == "" {
		return fmt.Errorf("canonical message has no server id")
	}
	if m.ConversationID == "" {
		return fmt.Errorf("canonical message %s has no conversation id", m.ServerID)
	}
	return nil
}
