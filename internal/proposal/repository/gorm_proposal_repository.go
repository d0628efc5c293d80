package repository

import (
	"time"

	"gorm.io/gorm"

	"flowdesk-sync/internal/proposal/domain"
)

// gormProposalRepository implements ProposalRepository using GORM
type gormProposalRepository struct {
	db          *gorm.DB
	expireAfter time.Duration
}

// NewGormProposalRepository creates a new GORM-based ProposalRepository.
// Pending proposals older than expireAfter flip to expired lazily, on
// the next read or resolve that touches them.
func NewGormProposalRepository(db *gorm.DB, expireAfter time.Duration) ProposalRepository {
	db.AutoMigrate(&domain.ActionProposal{})
	if expireAfter <= 0 {
		expireAfter = 7 * 24 * time.Hour
	}
	return &gormProposalRepository{db: db, expireAfter: expireAfter}
}

// expireStale flips pending proposals past their shelf life to expired.
// Runs before any read or transition that depends on pending status, so
// an expired proposal can never be confirmed.
func (r *gormProposalRepository) expireStale() error {
	cutoff := time.Now().Add(-r.expireAfter)
	now := time.Now()
	return r.db.Model(&domain.ActionProposal{}).
		Where("status = ? AND created_at < ?", domain.ProposalPending, cutoff).
		Updates(map[string]interface{}{
			"status":      domain.ProposalExpired,
			"updated_at":  now,
			"resolved_at": now,
		}).Error
}

func (r *gormProposalRepository) Create(proposal *domain.ActionProposal) error {
	proposal.CreatedAt = time.Now()
	proposal.UpdatedAt = proposal.CreatedAt
	return r.db.Create(proposal).Error
}

func (r *gormProposalRepository) FindByID(id string) (*domain.ActionProposal, error) {
	var proposal domain.ActionProposal
	err := r.db.Where("id = ?", id).First(&proposal).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &proposal, nil
}

func (r *gormProposalRepository) FindPending(userID string, limit, offset int) ([]*domain.ActionProposal, error) {
	if err := r.expireStale(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := r.db.Where("status = ?", domain.ProposalPending)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}

	var proposals []*domain.ActionProposal
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&proposals).Error
	return proposals, err
}

func (r *gormProposalRepository) HasPendingForItem(proposalType domain.ProposalType, itemID string) (bool, error) {
	if err := r.expireStale(); err != nil {
		return false, err
	}
	var count int64
	err := r.db.Model(&domain.ActionProposal{}).
		Where("type = ? AND item_id = ? AND status = ?", proposalType, itemID, domain.ProposalPending).
		Count(&count).Error
	return count > 0, err
}

func (r *gormProposalRepository) Resolve(id string, from, to domain.ProposalStatus) (bool, error) {
	if from == domain.ProposalPending {
		if err := r.expireStale(); err != nil {
			return false, err
		}
	}
	now := time.Now()
	res := r.db.Model(&domain.ActionProposal{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{
			"status":      to,
			"updated_at":  now,
			"resolved_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
