package provider

import (
	"context"
	"time"

	conndomain "flowdesk-sync/internal/connection/domain"
)

// Cursor is an opaque incremental-sync position: an IMAP UID, a mail
// history id, or a calendar sync token depending on the source.
type Cursor string

// RecordKind distinguishes live records from deletions/cancellations.
type RecordKind string

const (
	RecordUpsert RecordKind = "upsert"
	RecordCancel RecordKind = "cancel"
)

// ChangeRecord is one changed provider record, extracted into neutral
// fields. Identity derivation, time normalization and hashing happen
// later in the canonicalizer; adapters only extract.
type ChangeRecord struct {
	Kind     RecordKind
	Source   string // "mail" or "calendar"
	Provider string // "gmail", "imap", "gcal"

	// StableID is the provider's durable identifier for the record:
	// RFC 5322 Message-ID, calendar event id, or a protocol-local id.
	StableID string

	// ProtocolRef addresses the record for side operations such as
	// mark-read (IMAP UID or mail message id). Container is the scope
	// the record lives in: mail folder or calendar id.
	ProtocolRef string
	Container   string

	Name         string // subject or event title
	Body         string // plain-text body, for snippet derivation
	Participants []string
	StartsAt     *time.Time
	EndsAt       *time.Time
	AllDay       bool
	StartDate    string // YYYY-MM-DD, set when AllDay
	EndDate      string

	// Raw is the provider-native payload, preserved verbatim in the
	// canonical item's metadata envelope.
	Raw map[string]interface{}
}

// Page is one fetch result. Invalidated reports that the supplied
// cursor is no longer usable and the caller must fall back to the
// source's recovery path; in that case Records and NextCursor are empty.
type Page struct {
	Records     []ChangeRecord
	NextCursor  Cursor
	Invalidated bool
}

// IncrementalSource is the uniform paged-fetch contract every adapter
// resource implements. The orchestrator drives sync through this
// interface only.
type IncrementalSource interface {
	FetchPage(ctx context.Context, cursor Cursor) (Page, error)
}

// Reply is an outbound mail reply executed on proposal confirmation.
type Reply struct {
	To       []string
	Subject  string
	Body     string
	ThreadID string
	// InReplyTo is the Message-ID being answered.
	InReplyTo string
}

// EventWrite is a calendar write-back executed on proposal confirmation.
type EventWrite struct {
	CalendarID string
	EventID    string // empty means create
	Title      string
	StartsAt   time.Time
	EndsAt     time.Time
	Attendees  []string
}

// MailClient is the per-connection mail facade. Implementations that
// lack a capability return ErrNotSupported from it.
type MailClient interface {
	IncrementalSource

	MarkRead(ctx context.Context, ref string) error
	SendReply(ctx context.Context, reply Reply) error

	// Watch registers push notifications for the mailbox and returns
	// the history seed and the registration expiry.
	Watch(ctx context.Context, topic string) (uint64, time.Time, error)
	StopWatch(ctx context.Context) error
}

// ClientFactory builds authenticated provider facades for a
// connection. Construction resolves the credential; calls after that
// refresh transparently.
type ClientFactory interface {
	Mail(ctx context.Context, conn *conndomain.Connection) (MailClient, error)
	Calendar(ctx context.Context, conn *conndomain.Connection) (CalendarClient, error)
}

// CalendarClient is the per-connection calendar facade.
type CalendarClient interface {
	// Source returns the incremental view of one calendar.
	Source(calendarID string) IncrementalSource

	// Backfill lists events inside a window and returns the fresh sync
	// token delivered with the final page. Used after invalidation.
	Backfill(ctx context.Context, calendarID string, from, to time.Time) (Page, error)

	CreateEvent(ctx context.Context, w EventWrite) (string, error)
	UpdateEvent(ctx context.Context, w EventWrite) error
	GetEvent(ctx context.Context, calendarID, eventID string) (*ChangeRecord, error)
}
