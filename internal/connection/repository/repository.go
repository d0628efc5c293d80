package repository

import (
	"time"

	"flowdesk-sync/internal/connection/domain"
)

// ConnectionRepository defines persistence operations for provider connections
type ConnectionRepository interface {
	Create(conn *domain.Connection) error
	FindByID(id string) (*domain.Connection, error)
	FindByIdentity(identity string) (*domain.Connection, error)
	FindActive() ([]*domain.Connection, error)
	FindWatchExpiring(before time.Time) ([]*domain.Connection, error)

	// SaveMailState persists the mail cursor, last-run timestamp,
	// item count and last error after a mail sync pass.
	SaveMailState(conn *domain.Connection) error

	// SaveCalendarState persists the per-calendar sync tokens,
	// last-run timestamp, item count and last error.
	SaveCalendarState(conn *domain.Connection) error

	MarkNeedsReconnect(id string, reason string) error
	UpdateWatch(id string, historyID uint64, expiresAt time.Time) error

	// UpdateCredential stores a re-sealed credential after the provider
	// rotates a refresh token.
	UpdateCredential(id string, credentialRef string) error

	// Deactivate clears the credential and disables sync but keeps
	// cursors so a later reconnect resumes incrementally.
	Deactivate(id string) error

	// FlushCursors clears all cursors; the next sync starts over.
	FlushCursors(id string) error
}
