package repository

import (
	"flowdesk-sync/internal/proposal/domain"
)

// CandidateQueue defines persistence operations for proposal candidates
type CandidateQueue interface {
	// Enqueue inserts a pending candidate and reports whether it was
	// accepted. An item with an active candidate already queued is
	// skipped, not an error.
	Enqueue(candidate *domain.ProposalCandidate) (bool, error)

	// ClaimBatch atomically moves up to limit candidates from pending
	// to processing and returns them. A claimed candidate is invisible
	// to other workers until released by Complete or Fail; claims left
	// by a dead worker become reclaimable after the staleness window.
	ClaimBatch(limit int) ([]*domain.ProposalCandidate, error)

	// Complete marks a processing candidate done.
	Complete(id string) error

	// Fail releases a claimed candidate after a processing error. The
	// candidate returns to pending until its attempts reach
	// maxAttempts, at which point it dead-letters and never re-enters
	// the queue.
	Fail(candidate *domain.ProposalCandidate, failErr error, maxAttempts int) error

	FindByID(id string) (*domain.ProposalCandidate, error)
	FindDeadLetters(limit, offset int) ([]*domain.ProposalCandidate, error)
}

// ProposalRepository defines persistence operations for action proposals
type ProposalRepository interface {
	Create(proposal *domain.ActionProposal) error
	FindByID(id string) (*domain.ActionProposal, error)

	// FindPending lists pending proposals, newest first. Stale pending
	// proposals are expired before listing. userID narrows the list
	// when non-empty.
	FindPending(userID string, limit, offset int) ([]*domain.ActionProposal, error)

	// HasPendingForItem reports whether a pending proposal of this type
	// already exists for the item. Used to reuse proposals instead of
	// stacking duplicates.
	HasPendingForItem(proposalType domain.ProposalType, itemID string) (bool, error)

	// Resolve transitions a proposal from one status to another only if
	// it still holds the from status, and reports whether the
	// transition happened. This is the gate that makes confirmation
	// effects at-most-once.
	Resolve(id string, from, to domain.ProposalStatus) (bool, error)
}

// AuditLog is the append-only record of executed write-backs
type AuditLog interface {
	Append(entry *domain.AuditLogEntry) error
	FindByProposal(proposalID string) ([]*domain.AuditLogEntry, error)
	FindRecent(limit, offset int) ([]*domain.AuditLogEntry, error)
}
