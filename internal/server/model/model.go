// Package model defines the server-side relational schema.
package model

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// Conversation is the server-side conversation record. Watermarks holds the
// per-feature analysis watermark mapping as JSON (feature name → RFC3339Nano
// timestamp); Version backs the optimistic-concurrency save that keeps
// concurrent watermark advances from losing each other.
type Conversation struct {
	ID                 string `gorm:"primaryKey;type:varchar(64)"`
	Title              string `gorm:"type:varchar(255)"`
	LastMessagePreview string `gorm:"type:varchar(255)"`
	LastMessageAt      time.Time
	Watermarks         string `gorm:"type:text"`
	Version            int64  `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// WatermarkMap decodes the watermark mapping. An empty column decodes to an
// empty map.
func (c *Conversation) WatermarkMap() (map[string]time.Time, error) {
	marks := make(map[string]time.Time)
	if c.Watermarks == "" {
		return marks, nil
	}
	raw := make(map[string]string)
	if err := json.Unmarshal([]byte(c.Watermarks), &raw); err != nil {
		return nil, err
	}
	for feature, stamp := range raw {
		ts, err := time.Parse(time.RFC3339Nano, stamp)
		if err != nil {
			return nil, err
		}
		marks[feature] = ts
	}
	return marks, nil
}

// SetWatermark updates one feature's watermark in the encoded mapping.
func (c *Conversation) SetWatermark(feature string, ts time.Time) error {
	marks, err := c.WatermarkMap()
	if err != nil {
		return err
	}
	marks[feature] = ts

	raw := make(map[string]string, len(marks))
	for f, t := range marks {
		raw[f] = t.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	c.Watermarks = string(data)
	return nil
}

// Message is the canonical message record. LocalID is the client-generated
// idempotency key, unique per conversation and sender; the server assigns
// one for messages that arrive without it so the index stays total.
// Body is nullable for media-only messages. AnalyzedAt stamps the last time
// an AI feature consumed this message. CreatedAt is client-supplied and
// orders conversation history; UpdatedAt is server-assigned on insert and on
// soft delete and is the pull-feed cursor, so late deliveries and deletions
// are never behind a client checkpoint.
type Message struct {
	ID             string  `gorm:"primaryKey;type:varchar(64)"`
	ConversationID string  `gorm:"type:varchar(64);not null;index:idx_msg_conv_time,priority:1;uniqueIndex:uniq_conv_sender_local,priority:1"`
	SenderID       string  `gorm:"type:varchar(64);not null;uniqueIndex:uniq_conv_sender_local,priority:2"`
	LocalID        string  `gorm:"type:varchar(64);not null;uniqueIndex:uniq_conv_sender_local,priority:3"`
	Body           *string `gorm:"type:text"`
	MsgType        string  `gorm:"type:varchar(16);not null;default:text"`
	MediaRef       string  `gorm:"type:varchar(255)"`
	AnalyzedAt     *time.Time
	CreatedAt      time.Time `gorm:"index:idx_msg_conv_time,priority:2"`
	UpdatedAt      time.Time `gorm:"index:idx_msg_updated"`
	DeletedAt      gorm.DeletedAt `gorm:"index"`
}

// BodyText returns the message body, empty for media-only messages.
func (m *Message) BodyText() string {
	if m.Body == nil {
		return ""
	}
	return *m.Body
}

// ExtractedItem is one typed result produced by an AI feature over a
// message window.
type ExtractedItem struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"type:varchar(64);not null;index:idx_item_conv_feature,priority:1"`
	Feature        string `gorm:"type:varchar(64);not null;index:idx_item_conv_feature,priority:2"`
	Kind           string `gorm:"type:varchar(64)"`
	Content        string `gorm:"type:text"`
	Confidence     float64
	SourceCount    int
	CreatedAt      time.Time
}

// UsageRecord logs one AI feature invocation for rate limiting and audit.
// Writes to this table are best-effort.
type UsageRecord struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	UserID       string    `gorm:"type:varchar(64);not null;index:idx_usage_user_time,priority:1"`
	Feature      string    `gorm:"type:varchar(64);not null"`
	MessageCount int
	CreatedAt    time.Time `gorm:"index:idx_usage_user_time,priority:2"`
}

// All lists every model for automigration.
func All() []any {
	return []any{&Conversation{}, &Message{}, &ExtractedItem{}, &UsageRecord{}}
}
