package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowdesk-sync/internal/outbox/domain"
)

// gormOutboxRepository implements OutboxRepository using GORM
type gormOutboxRepository struct {
	db         *gorm.DB
	staleAfter time.Duration
}

// NewGormOutboxRepository creates a new GORM-based OutboxRepository.
// staleAfter bounds how long a claim blocks re-delivery when a worker
// dies mid-event.
func NewGormOutboxRepository(db *gorm.DB, staleAfter time.Duration) OutboxRepository {
	db.AutoMigrate(&domain.OutboxEvent{})
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	return &gormOutboxRepository{db: db, staleAfter: staleAfter}
}

func (r *gormOutboxRepository) Enqueue(eventType domain.EventType, payload interface{}, dedupeKey string) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	event := &domain.OutboxEvent{
		ID:        uuid.New().String(),
		EventType: eventType,
		Payload:   string(raw),
		DedupeKey: dedupeKey,
		CreatedAt: time.Now(),
	}
	if err := r.db.Create(event).Error; err != nil {
		// Partial unique index on unsettled dedupe keys: a duplicate
		// means an equivalent event is already outstanding.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *gormOutboxRepository) ClaimBatch(limit int) ([]*domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	staleCutoff := time.Now().Add(-r.staleAfter)

	var candidates []*domain.OutboxEvent
	err := r.db.
		Where("processed_at IS NULL AND dead_lettered_at IS NULL").
		Where("claimed_at IS NULL OR claimed_at < ?", staleCutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.OutboxEvent, 0, len(candidates))
	now := time.Now()
	for _, event := range candidates {
		res := r.db.Model(&domain.OutboxEvent{}).
			Where("id = ? AND processed_at IS NULL AND (claimed_at IS NULL OR claimed_at < ?)", event.ID, staleCutoff).
			Update("claimed_at", now)
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Another worker got there first.
			continue
		}
		event.ClaimedAt = &now
		claimed = append(claimed, event)
	}
	return claimed, nil
}

func (r *gormOutboxRepository) MarkProcessed(id string) error {
	return r.db.Model(&domain.OutboxEvent{}).
		Where("id = ? AND processed_at IS NULL", id).
		Update("processed_at", time.Now()).Error
}

func (r *gormOutboxRepository) Fail(event *domain.OutboxEvent, failErr error, maxAttempts int) error {
	event.Attempts++
	updates := map[string]interface{}{
		"attempts":   event.Attempts,
		"last_error": failErr.Error(),
		"claimed_at": nil,
	}
	if event.Attempts >= maxAttempts {
		now := time.Now()
		event.DeadLetteredAt = &now
		updates["dead_lettered_at"] = now
	}
	return r.db.Model(&domain.OutboxEvent{}).
		Where("id = ?", event.ID).
		Updates(updates).Error
}

func (r *gormOutboxRepository) FindDeadLetters(limit, offset int) ([]*domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	var events []*domain.OutboxEvent
	err := r.db.
		Where("dead_lettered_at IS NOT NULL").
		Order("dead_lettered_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&events).Error
	return events, err
}

func (r *gormOutboxRepository) RequeueDeadLetter(id string) error {
	res := r.db.Model(&domain.OutboxEvent{}).
		Where("id = ? AND dead_lettered_at IS NOT NULL", id).
		Updates(map[string]interface{}{
			"dead_lettered_at": nil,
			"claimed_at":       nil,
			"attempts":         0,
			"last_error":       "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
