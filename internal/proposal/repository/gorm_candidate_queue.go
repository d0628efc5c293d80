package repository

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"flowdesk-sync/internal/proposal/domain"
)

// gormCandidateQueue implements CandidateQueue using GORM
type gormCandidateQueue struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// NewGormCandidateQueue creates a new GORM-based CandidateQueue.
// staleAfter bounds how long a processing claim blocks re-delivery
// when a worker dies mid-candidate.
func NewGormCandidateQueue(db *gorm.DB, staleAfter time.Duration) CandidateQueue {
	db.AutoMigrate(&domain.ProposalCandidate{})
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &gormCandidateQueue{db: db, staleAfter: staleAfter}
}

func (r *gormCandidateQueue) Enqueue(candidate *domain.ProposalCandidate) (bool, error) {
	candidate.Status = domain.CandidatePending
	candidate.CreatedAt = time.Now()
	candidate.UpdatedAt = candidate.CreatedAt
	if err := r.db.Create(candidate).Error; err != nil {
		// Partial unique index on active item ids: a duplicate means a
		// candidate for this item is already queued or being processed.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *gormCandidateQueue) ClaimBatch(limit int) ([]*domain.ProposalCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	staleCutoff := time.Now().Add(-r.staleAfter)

	var candidates []*domain.ProposalCandidate
	err := r.db.
		Where("status = ?", domain.CandidatePending).
		Or("status = ? AND claimed_at < ?", domain.CandidateProcessing, staleCutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.ProposalCandidate, 0, len(candidates))
	now := time.Now()
	for _, cand := range candidates {
		res := r.db.Model(&domain.ProposalCandidate{}).
			Where("id = ? AND (status = ? OR (status = ? AND claimed_at < ?))",
				cand.ID, domain.CandidatePending, domain.CandidateProcessing, staleCutoff).
			Updates(map[string]interface{}{
				"status":     domain.CandidateProcessing,
				"claimed_at": now,
				"updated_at": now,
			})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker got there first.
			continue
		}
		cand.Status = domain.CandidateProcessing
		cand.ClaimedAt = &now
		claimed = append(claimed, cand)
	}
	return claimed, nil
}

func (r *gormCandidateQueue) Complete(id string) error {
	now := time.Now()
	return r.db.Model(&domain.ProposalCandidate{}).
		Where("id = ? AND status = ?", id, domain.CandidateProcessing).
		Updates(map[string]interface{}{
			"status":       domain.CandidateCompleted,
			"processed_at": now,
			"updated_at":   now,
		}).Error
}

func (r *gormCandidateQueue) Fail(candidate *domain.ProposalCandidate, failErr error, maxAttempts int) error {
	candidate.Attempts++
	status := domain.CandidatePending
	if candidate.Attempts >= maxAttempts {
		status = domain.CandidateDeadLetter
	}
	candidate.Status = status

	now := time.Now()
	updates := map[string]interface{}{
		"status":     status,
		"attempts":   candidate.Attempts,
		"last_error": failErr.Error(),
		"claimed_at": nil,
		"updated_at": now,
	}
	if status == domain.CandidateDeadLetter {
		// Dead-lettering settles the candidate just like completion.
		updates["processed_at"] = now
	}
	return r.db.Model(&domain.ProposalCandidate{}).
		Where("id = ?", candidate.ID).
		Updates(updates).Error
}

func (r *gormCandidateQueue) FindByID(id string) (*domain.ProposalCandidate, error) {
	var cand domain.ProposalCandidate
	err := r.db.Where("id = ?", id).First(&cand).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &cand, nil
}

func (r *gormCandidateQueue) FindDeadLetters(limit, offset int) ([]*domain.ProposalCandidate, error) {
	if limit <= 0 {
		limit = 50
	}
	var candidates []*domain.ProposalCandidate
	err := r.db.
		Where("status = ?", domain.CandidateDeadLetter).
		Order("updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&candidates).Error
	return candidates, err
}
