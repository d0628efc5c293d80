package repository

import (
	"time"

	"gorm.io/gorm"

	"flowdesk-sync/internal/proposal/domain"
)

// gormAuditLog implements AuditLog using GORM
type gormAuditLog struct {
	db *gorm.DB
}

// NewGormAuditLog creates a new GORM-based AuditLog
func NewGormAuditLog(db *gorm.DB) AuditLog {
	db.AutoMigrate(&domain.AuditLogEntry{})
	return &gormAuditLog{db: db}
}

func (r *gormAuditLog) Append(entry *domain.AuditLogEntry) error {
	entry.CreatedAt = time.Now()
	return r.db.Create(entry).Error
}

func (r *gormAuditLog) FindByProposal(proposalID string) ([]*domain.AuditLogEntry, error) {
	var entries []*domain.AuditLogEntry
	err := r.db.
		Where("proposal_id = ?", proposalID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

func (r *gormAuditLog) FindRecent(limit, offset int) ([]*domain.AuditLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []*domain.AuditLogEntry
	err := r.db.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	return entries, err
}
