package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// CandidateStatus tracks a candidate through the proposal queue
type CandidateStatus string

const (
	CandidatePending    CandidateStatus = "pending"
	CandidateProcessing CandidateStatus = "processing"
	CandidateCompleted  CandidateStatus = "completed"
	CandidateDeadLetter CandidateStatus = "dead_letter"
)

// ProposalType names the kinds of proposals the engine produces
type ProposalType string

const (
	ProposalRescheduleMeeting ProposalType = "reschedule_meeting"
	ProposalPersonalRequest   ProposalType = "personal_request"
)

// ProposalStatus tracks a proposal through user review
type ProposalStatus string

const (
	ProposalPending   ProposalStatus = "pending"
	ProposalConfirmed ProposalStatus = "confirmed"
	ProposalRejected  ProposalStatus = "rejected"
	ProposalExpired   ProposalStatus = "expired"
)

// ActionKind names a single write-back operation
type ActionKind string

const (
	ActionCalendarCreate ActionKind = "calendar.create"
	ActionCalendarUpdate ActionKind = "calendar.update"
	ActionMailReply      ActionKind = "mail.reply"
)

// ProposalCandidate is one queued unit of proposal work, produced when
// an item lands in the store. Candidates retry on transient failure and
// dead-letter once the attempt budget runs out; the ItemID index keeps
// at most one active candidate per item.
type ProposalCandidate struct {
	ID           string `json:"id" gorm:"primaryKey"`
	OrgID        string `json:"org_id" gorm:"index"`
	UserID       string `json:"user_id" gorm:"index"`
	ConnectionID string `json:"connection_id" gorm:"index;not null"`
	ItemID       string `json:"item_id" gorm:"index:idx_candidate_active_item,unique,where:status IN ('pending','processing');not null"`

	// TriggerKind records what queued the candidate, e.g. "item.created".
	TriggerKind string `json:"trigger_kind"`

	Status    CandidateStatus `json:"status" gorm:"index;not null"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`

	ClaimedAt *time.Time `json:"claimed_at"`
	// ProcessedAt is set when the candidate settles, whether completed
	// or dead-lettered.
	ProcessedAt *time.Time `json:"processed_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProposedAction is one write-back the proposal will execute when
// confirmed. Calendar fields apply to the calendar kinds, reply fields
// to mail.reply.
type ProposedAction struct {
	Kind ActionKind `json:"kind"`

	CalendarID string     `json:"calendar_id,omitempty"`
	EventID    string     `json:"event_id,omitempty"`
	Title      string     `json:"title,omitempty"`
	StartsAt   *time.Time `json:"starts_at,omitempty"`
	EndsAt     *time.Time `json:"ends_at,omitempty"`

	ReplyTo      []string `json:"reply_to,omitempty"`
	ReplySubject string   `json:"reply_subject,omitempty"`
	ReplyBody    string   `json:"reply_body,omitempty"`
	ThreadID     string   `json:"thread_id,omitempty"`
	InReplyTo    string   `json:"in_reply_to,omitempty"`
}

// ProposalPayload is the JSON body of a proposal: the suggested time
// window plus the write-back actions confirmation will execute.
type ProposalPayload struct {
	WindowStart     time.Time        `json:"window_start"`
	WindowEnd       time.Time        `json:"window_end"`
	DurationMinutes int              `json:"duration_minutes"`
	Urgent          bool             `json:"urgent"`
	Confidence      float64          `json:"confidence"`
	Rationale       string           `json:"rationale"`
	Actions         []ProposedAction `json:"actions"`
}

func (p ProposalPayload) Value() (driver.Value, error) {
	b, err := json.Marshal(p)
	return string(b), err
}

func (p *ProposalPayload) Scan(value interface{}) error {
	if value == nil {
		*p = ProposalPayload{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported type for ProposalPayload: %T", value)
	}
}

// ActionProposal is a suggested write-back awaiting user review. Every
// proposal requires explicit confirmation before any external call.
type ActionProposal struct {
	ID     string         `json:"id" gorm:"primaryKey"`
	Type   ProposalType   `json:"type" gorm:"index;not null"`
	Status ProposalStatus `json:"status" gorm:"index;not null"`

	OrgID        string `json:"org_id" gorm:"index"`
	UserID       string `json:"user_id" gorm:"index"`
	ConnectionID string `json:"connection_id" gorm:"index;not null"`
	ItemID       string `json:"item_id" gorm:"index;not null"`

	RequiresConfirmation bool            `json:"requires_confirmation" gorm:"default:true"`
	Payload              ProposalPayload `json:"payload" gorm:"type:jsonb"`

	CreatedAt  time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}

// AuditDetail is the JSON detail column of an audit entry
type AuditDetail map[string]interface{}

func (d AuditDetail) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	return string(b), err
}

func (d *AuditDetail) Scan(value interface{}) error {
	if value == nil {
		*d = AuditDetail{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, d)
	case string:
		return json.Unmarshal([]byte(v), d)
	default:
		return fmt.Errorf("unsupported type for AuditDetail: %T", value)
	}
}

// AuditLogEntry is the append-only record of one executed write-back.
// Exactly one entry exists per confirmed proposal; rejections execute
// nothing and log nothing here.
type AuditLogEntry struct {
	ID         string      `json:"id" gorm:"primaryKey"`
	ProposalID string      `json:"proposal_id" gorm:"index;not null"`
	Action     string      `json:"action" gorm:"not null"`
	Detail     AuditDetail `json:"detail" gorm:"type:jsonb"`
	CreatedAt  time.Time   `json:"created_at" gorm:"index"`
}
