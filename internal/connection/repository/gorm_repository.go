package repository

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"flowdesk-sync/internal/connection/domain"
)

// gormConnectionRepository implements ConnectionRepository using GORM
type gormConnectionRepository struct {
	db *gorm.DB
}

// NewGormConnectionRepository creates a new GORM-based ConnectionRepository
func NewGormConnectionRepository(db *gorm.DB) ConnectionRepository {
	db.AutoMigrate(&domain.Connection{})
	return &gormConnectionRepository{db: db}
}

func (r *gormConnectionRepository) Create(conn *domain.Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	conn.CreatedAt = time.Now()
	conn.UpdatedAt = time.Now()
	return r.db.Create(conn).Error
}

func (r *gormConnectionRepository) FindByID(id string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.db.Where("id = ?", id).First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (r *gormConnectionRepository) FindByIdentity(identity string) (*domain.Connection, error) {
	var conn domain.Connection
	err := r.db.Where("identity = ?", identity).First(&conn).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func (r *gormConnectionRepository) FindActive() ([]*domain.Connection, error) {
	var conns []*domain.Connection
	err := r.db.Where("active = ?", true).Order("created_at ASC").Find(&conns).Error
	return conns, err
}

func (r *gormConnectionRepository) FindWatchExpiring(before time.Time) ([]*domain.Connection, error) {
	var conns []*domain.Connection
	err := r.db.
		Where("active = ? AND provider = ?", true, domain.ProviderGmail).
		Where("watch_expires_at IS NULL OR watch_expires_at < ?", before).
		Find(&conns).Error
	return conns, err
}

func (r *gormConnectionRepository) SaveMailState(conn *domain.Connection) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", conn.ID).
		Select("mail_cursor", "last_mail_sync_at", "last_mail_error", "mail_item_count", "updated_at").
		Updates(map[string]interface{}{
			"mail_cursor":       conn.MailCursor,
			"last_mail_sync_at": conn.LastMailSyncAt,
			"last_mail_error":   conn.LastMailError,
			"mail_item_count":   conn.MailItemCount,
			"updated_at":        time.Now(),
		}).Error
}

func (r *gormConnectionRepository) SaveCalendarState(conn *domain.Connection) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", conn.ID).
		Select("calendar_sync_tokens", "last_calendar_sync_at", "last_calendar_error", "calendar_item_count", "updated_at").
		Updates(map[string]interface{}{
			"calendar_sync_tokens":  conn.CalendarSyncTokens,
			"last_calendar_sync_at": conn.LastCalendarSyncAt,
			"last_calendar_error":   conn.LastCalendarError,
			"calendar_item_count":   conn.CalendarItemCount,
			"updated_at":            time.Now(),
		}).Error
}

func (r *gormConnectionRepository) MarkNeedsReconnect(id string, reason string) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"needs_reconnect": true,
			"last_mail_error": reason,
			"updated_at":      time.Now(),
		}).Error
}

func (r *gormConnectionRepository) UpdateCredential(id string, credentialRef string) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"credential_ref":  credentialRef,
			"needs_reconnect": false,
			"updated_at":      time.Now(),
		}).Error
}

func (r *gormConnectionRepository) UpdateWatch(id string, historyID uint64, expiresAt time.Time) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"watch_history_id": historyID,
			"watch_expires_at": expiresAt,
			"updated_at":       time.Now(),
		}).Error
}

func (r *gormConnectionRepository) Deactivate(id string) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"active":         false,
			"credential_ref": "",
			"updated_at":     time.Now(),
		}).Error
}

func (r *gormConnectionRepository) FlushCursors(id string) error {
	return r.db.Model(&domain.Connection{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"mail_cursor":          "",
			"calendar_sync_tokens": domain.StringMap{},
			"watch_history_id":     0,
			"updated_at":           time.Now(),
		}).Error
}
