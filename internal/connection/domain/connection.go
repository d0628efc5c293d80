package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Provider identifies the upstream system a connection talks to
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderIMAP  Provider = "imap"
)

// StringMap is a JSON-encoded string map column (calendar id -> sync token)
type StringMap map[string]string

func (m StringMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *StringMap) Scan(value interface{}) error {
	if value == nil {
		*m = StringMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for StringMap: %T", value)
	}
}

// StringList is a JSON-encoded string slice column
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	return string(b), err
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
}

// Connection is an authorized link between a user and one provider account.
// It owns the sync cursors for every resource under that account.
type Connection struct {
	ID            string   `json:"id" gorm:"primaryKey"`
	OrgID         string   `json:"org_id" gorm:"index"`
	UserID        string   `json:"user_id" gorm:"index;not null"`
	Identity      string   `json:"identity" gorm:"uniqueIndex;not null"` // mailbox address
	Provider      Provider `json:"provider" gorm:"not null"`
	CredentialRef string   `json:"-"` // encrypted refresh token or app password
	Active        bool     `json:"active" gorm:"default:true;index"`

	// SyncIntervalSec of 0 means manual-only sync.
	SyncIntervalSec int `json:"sync_interval_sec" gorm:"default:300"`

	// ImapHost is the host:port of the mailbox server for IMAP
	// connections. Unused for API-based providers.
	ImapHost string `json:"imap_host,omitempty"`

	MailCursor     string     `json:"mail_cursor"` // IMAP UID or history id
	MailFolder     string     `json:"mail_folder" gorm:"default:INBOX"`
	LastMailSyncAt *time.Time `json:"last_mail_sync_at"`
	LastMailError  string     `json:"last_mail_error,omitempty"`
	MailItemCount  int64      `json:"mail_item_count"`

	CalendarIDs        StringList `json:"calendar_ids" gorm:"type:jsonb"`
	CalendarSyncTokens StringMap  `json:"calendar_sync_tokens" gorm:"type:jsonb"`
	LastCalendarSyncAt *time.Time `json:"last_calendar_sync_at"`
	LastCalendarError  string     `json:"last_calendar_error,omitempty"`
	CalendarItemCount  int64      `json:"calendar_item_count"`

	NeedsReconnect bool       `json:"needs_reconnect" gorm:"default:false"`
	WatchExpiresAt *time.Time `json:"watch_expires_at"`
	WatchHistoryID uint64     `json:"watch_history_id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MailSyncDue reports whether a periodic mail sync should run now.
func (c *Connection) MailSyncDue(now time.Time) bool {
	if !c.Active || c.SyncIntervalSec <= 0 {
		return false
	}
	if c.LastMailSyncAt == nil {
		return true
	}
	return now.Sub(*c.LastMailSyncAt) >= time.Duration(c.SyncIntervalSec)*time.Second
}

// CalendarSyncDue reports whether a periodic calendar sync should run
// now. Connections without opted-in calendars are never due.
func (c *Connection) CalendarSyncDue(now time.Time) bool {
	if !c.Active || c.SyncIntervalSec <= 0 || len(c.CalendarIDs) == 0 {
		return false
	}
	if c.LastCalendarSyncAt == nil {
		return true
	}
	return now.Sub(*c.LastCalendarSyncAt) >= time.Duration(c.SyncIntervalSec)*time.Second
}
