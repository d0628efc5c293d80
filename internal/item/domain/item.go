package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Source tells which kind of provider record an item came from
type Source string

const (
	SourceMail     Source = "mail"
	SourceCalendar Source = "calendar"
)

// UpsertResult reports what an upsert did to the store.
type UpsertResult string

const (
	UpsertCreated   UpsertResult = "created"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// JSONMap is a JSON-encoded map column
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("unsupported type for JSONMap: %T", value)
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

// CanonicalItem is the normalized task-management form of one provider
// record. The canonical id is derived deterministically from the
// record's durable identity, so re-ingesting the same record always
// lands on the same row.
type CanonicalItem struct {
	CanonicalID  string `json:"canonical_id" gorm:"primaryKey"`
	Source       Source `json:"source" gorm:"index;not null"`
	ConnectionID string `json:"connection_id" gorm:"index;not null"`

	Name         string     `json:"name"`
	Snippet      string     `json:"snippet"`
	Participants StringList `json:"participants" gorm:"type:jsonb"`

	// StartsAt/EndsAt are UTC instants for timed items. All-day items
	// keep their civil dates in StartDate/EndDate instead; inventing a
	// time of day for them would shift across zones.
	StartsAt  *time.Time `json:"starts_at"`
	EndsAt    *time.Time `json:"ends_at"`
	AllDay    bool       `json:"all_day"`
	StartDate string     `json:"start_date,omitempty"`
	EndDate   string     `json:"end_date,omitempty"`

	Category    string `json:"category"`
	ContentHash string `json:"content_hash" gorm:"index"`

	// ProviderMetadata preserves the native payload under an envelope
	// so nothing the provider sent is lost.
	ProviderMetadata JSONMap `json:"provider_metadata" gorm:"type:jsonb"`

	// ProtocolRef addresses the source record for side operations, and
	// Container is the scope it lives in: the mail folder for messages,
	// the calendar id for events.
	ProtocolRef string `json:"protocol_ref,omitempty"`
	Container   string `json:"container,omitempty"`

	ArchivedAt *time.Time `json:"archived_at"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// BusyInterval is an occupied span on a connection's calendar.
type BusyInterval struct {
	Start time.Time
	End   time.Time
}

// Overlaps reports whether [start, end) intersects the interval.
func (b BusyInterval) Overlaps(start, end time.Time) bool {
	return start.Before(b.End) && b.Start.Before(end)
}
