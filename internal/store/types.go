package store

// Sync statuses for locally cached messages.
const (
	SyncPending = "pending"
	SyncSent    = "sent"
	SyncFailed  = "failed"
)

// Outbox entry statuses. Parked entries are excluded from normal drains but
// never deleted; they can be requeued deliberately.
const (
	OutboxQueued = "queued"
	OutboxParked = "parked"
)

// Message is the local cache of a canonical message plus its sync state.
// LocalID is the client-generated idempotency key; it joins the optimistic
// row written at send time with the server-confirmed record. ServerID stays
// empty until confirmation. All timestamps are unix milliseconds; DeletedAt
// of zero means live (rows are tombstoned, never physically removed).
type Message struct {
	ID             int64
	LocalID        string
	ServerID       string
	ConversationID string
	SenderID       string
	Body           string
	MsgType        string // text, image, video, audio, file, system
	MediaRef       string
	SyncStatus     string // pending, sent, failed
	SyncError      string
	LastSyncAt     int64
	CreatedAt      int64
	UpdatedAt      int64
	DeletedAt      int64
}

// OutboxEntry represents a pending outgoing message. Entries are deleted
// only when the reconciler confirms the matching canonical message arrived;
// failures record an error and a retry schedule instead.
type OutboxEntry struct {
	LocalID        string
	ConversationID string
	SenderID       string
	Body           string
	MsgType        string
	MediaRef       string
	Status         string // queued, parked
	RetryCount     int
	LastRetryAt    int64
	NextRetryAt    int64
	LastError      string
	CreatedAt      int64
}

// Conversation is the local summary row for a conversation, denormalizing
// the last absorbed message for list views.
type Conversation struct {
	ID                 string
	Title              string
	LastMessageAt      int64
	LastMessagePreview string
	UpdatedAt          int64
}
