package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated, namespace first: "message.enqueued",
// "message.delivered", "message.delivery_failed", "conn.status_changed",
// "sync.pull_complete".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
