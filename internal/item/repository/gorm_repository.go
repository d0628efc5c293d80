package repository

import (
	"time"

	"gorm.io/gorm"

	"flowdesk-sync/internal/item/domain"
)

// gormItemStore implements ItemStore using GORM
type gormItemStore struct {
	db *gorm.DB
}

// NewGormItemStore creates a new GORM-based ItemStore
func NewGormItemStore(db *gorm.DB) ItemStore {
	db.AutoMigrate(&domain.CanonicalItem{})
	return &gormItemStore{db: db}
}

func (r *gormItemStore) Upsert(item *domain.CanonicalItem) (domain.UpsertResult, error) {
	var result domain.UpsertResult

	err := r.db.Transaction(func(tx *gorm.DB) error {
		var existing domain.CanonicalItem
		err := tx.Where("canonical_id = ?", item.CanonicalID).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			item.CreatedAt = time.Now()
			item.UpdatedAt = time.Now()
			result = domain.UpsertCreated
			return tx.Create(item).Error
		}
		if err != nil {
			return err
		}

		if existing.ContentHash == item.ContentHash && existing.ArchivedAt == nil {
			result = domain.UpsertUnchanged
			return nil
		}

		item.CreatedAt = existing.CreatedAt
		item.UpdatedAt = time.Now()
		item.ArchivedAt = nil
		result = domain.UpsertUpdated
		return tx.Model(&domain.CanonicalItem{}).
			Where("canonical_id = ?", item.CanonicalID).
			Select("*").Omit("canonical_id", "created_at").
			Updates(item).Error
	})

	return result, err
}

func (r *gormItemStore) Archive(canonicalID string) (bool, error) {
	res := r.db.Model(&domain.CanonicalItem{}).
		Where("canonical_id = ? AND archived_at IS NULL", canonicalID).
		Updates(map[string]interface{}{
			"archived_at": time.Now(),
			"updated_at":  time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *gormItemStore) FindByID(canonicalID string) (*domain.CanonicalItem, error) {
	var item domain.CanonicalItem
	err := r.db.Where("canonical_id = ?", canonicalID).First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}

func (r *gormItemStore) FindByConnection(connectionID string, source domain.Source, includeArchived bool, limit, offset int) ([]*domain.CanonicalItem, error) {
	query := r.db.Where("connection_id = ?", connectionID)
	if source != "" {
		query = query.Where("source = ?", source)
	}
	if !includeArchived {
		query = query.Where("archived_at IS NULL")
	}
	if limit <= 0 {
		limit = 50
	}

	var items []*domain.CanonicalItem
	err := query.Order("updated_at DESC").Limit(limit).Offset(offset).Find(&items).Error
	return items, err
}

func (r *gormItemStore) BusyIntervals(connectionID string, from, to time.Time, excludeID string) ([]domain.BusyInterval, error) {
	query := r.db.
		Where("connection_id = ? AND source = ? AND archived_at IS NULL", connectionID, domain.SourceCalendar).
		Where("starts_at IS NOT NULL AND ends_at IS NOT NULL").
		Where("starts_at < ? AND ends_at > ?", to, from)
	if excludeID != "" {
		query = query.Where("canonical_id <> ?", excludeID)
	}

	var items []*domain.CanonicalItem
	if err := query.Order("starts_at ASC").Find(&items).Error; err != nil {
		return nil, err
	}

	intervals := make([]domain.BusyInterval, 0, len(items))
	for _, it := range items {
		intervals = append(intervals, domain.BusyInterval{Start: *it.StartsAt, End: *it.EndsAt})
	}
	return intervals, nil
}

func (r *gormItemStore) NextEvent(connectionID string, from, to time.Time) (*domain.CanonicalItem, error) {
	var item domain.CanonicalItem
	err := r.db.
		Where("connection_id = ? AND source = ? AND archived_at IS NULL", connectionID, domain.SourceCalendar).
		Where("starts_at IS NOT NULL AND starts_at >= ? AND starts_at < ?", from, to).
		Order("starts_at ASC").
		First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
