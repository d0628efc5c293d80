package repository

import (
	"flowdesk-sync/internal/outbox/domain"
)

// OutboxRepository defines persistence operations for the durable queue
type OutboxRepository interface {
	// Enqueue stores a new event. When dedupeKey is non-empty and an
	// event with the same key is still outstanding, nothing is stored
	// and enqueued is false.
	Enqueue(eventType domain.EventType, payload interface{}, dedupeKey string) (enqueued bool, err error)

	// ClaimBatch atomically claims up to limit due events in creation
	// order. Claims abandoned by a crashed worker become due again
	// after the stale window.
	ClaimBatch(limit int) ([]*domain.OutboxEvent, error)

	// MarkProcessed finalizes a claimed event. Processing is terminal:
	// a processed event is never claimed again.
	MarkProcessed(id string) error

	// Fail releases a claimed event for retry, recording the error.
	// Once attempts reach maxAttempts the event is dead-lettered.
	Fail(event *domain.OutboxEvent, failErr error, maxAttempts int) error

	FindDeadLetters(limit, offset int) ([]*domain.OutboxEvent, error)

	// RequeueDeadLetter puts a dead-lettered event back in line with a
	// fresh attempt budget.
	RequeueDeadLetter(id string) error
}
