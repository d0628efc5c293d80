package repository

import (
	"time"

	"flowdesk-sync/internal/item/domain"
)

// ItemStore defines persistence operations for canonical items
type ItemStore interface {
	// Upsert writes an item keyed by its canonical id and reports
	// whether the row was created, updated, or left unchanged. The
	// unchanged case is decided by content hash, which makes
	// re-ingesting the same records a no-op.
	Upsert(item *domain.CanonicalItem) (domain.UpsertResult, error)

	// Archive marks an item archived and reports whether a live row
	// was found. Archiving an unknown or already-archived item is not
	// an error.
	Archive(canonicalID string) (bool, error)

	FindByID(canonicalID string) (*domain.CanonicalItem, error)
	FindByConnection(connectionID string, source domain.Source, includeArchived bool, limit, offset int) ([]*domain.CanonicalItem, error)

	// BusyIntervals returns the occupied calendar spans for a
	// connection inside [from, to), ordered by start. excludeID leaves
	// one item's own span out, for conflict checks against everything
	// else.
	BusyIntervals(connectionID string, from, to time.Time, excludeID string) ([]domain.BusyInterval, error)

	// NextEvent returns the earliest live calendar item starting inside
	// [from, to), or nil when the window is clear.
	NextEvent(connectionID string, from, to time.Time) (*domain.CanonicalItem, error)
}
