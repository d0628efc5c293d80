package domain

import "time"

// EventType names the kinds of work the outbox carries
type EventType string

const (
	EventSyncRequested EventType = "sync.requested"
	EventItemCreated   EventType = "item.created"
	EventItemUpdated   EventType = "item.updated"
	EventItemArchived  EventType = "item.archived"
)

// OutboxEvent is one durable unit of deferred work. Events survive
// until processed; failures retry until the attempt budget runs out,
// after which the event is dead-lettered but retained.
type OutboxEvent struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	EventType EventType `json:"event_type" gorm:"index;not null"`
	Payload   string    `json:"payload"`

	// DedupeKey keeps at most one outstanding event per key. Enforced
	// by a partial unique index over unsettled rows, so concurrent
	// enqueues from the scheduler and the notification gateway
	// converge on a single job instead of racing.
	DedupeKey string `json:"dedupe_key,omitempty" gorm:"index:idx_outbox_active_dedupe,unique,where:processed_at IS NULL AND dead_lettered_at IS NULL AND dedupe_key <> ''"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"last_error,omitempty"`

	ClaimedAt      *time.Time `json:"claimed_at"`
	ProcessedAt    *time.Time `json:"processed_at" gorm:"index"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at" gorm:"index"`
	CreatedAt      time.Time  `json:"created_at" gorm:"index"`
}

// SyncRequestedPayload asks for one sync pass over a connection.
// Resource is "mail", "calendar", or "all".
type SyncRequestedPayload struct {
	ConnectionID string `json:"connection_id"`
	Resource     string `json:"resource"`
}

// ItemEventPayload announces a canonical item change.
type ItemEventPayload struct {
	CanonicalID  string `json:"canonical_id"`
	ConnectionID string `json:"connection_id"`
	Source       string `json:"source"`
}
