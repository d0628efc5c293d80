package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"flowdesk-sync/internal/canonical"
	conndomain "flowdesk-sync/internal/connection/domain"
	connrepo "flowdesk-sync/internal/connection/repository"
	itemdomain "flowdesk-sync/internal/item/domain"
	itemrepo "flowdesk-sync/internal/item/repository"
	"flowdesk-sync/internal/metrics"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	outboxrepo "flowdesk-sync/internal/outbox/repository"
	"flowdesk-sync/internal/provider"
)

const maxPagesPerRun = 10

// Result summarizes one sync pass over a connection resource.
type Result struct {
	Synced    int      `json:"synced"`
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Archived  int      `json:"archived"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *Result) add(other Result) {
	r.Synced += other.Synced
	r.Created += other.Created
	r.Updated += other.Updated
	r.Unchanged += other.Unchanged
	r.Archived += other.Archived
	r.Skipped += other.Skipped
	r.Errors = append(r.Errors, other.Errors...)
}

// Orchestrator drives incremental sync per connection. One run loads
// the cursor, pages through provider changes, canonicalizes and stores
// each record, and persists the advanced cursor together with run
// telemetry on the connection row.
type Orchestrator struct {
	connections connrepo.ConnectionRepository
	items       itemrepo.ItemStore
	outbox      outboxrepo.OutboxRepository
	clients     provider.ClientFactory
	pubsubTopic string
}

func NewOrchestrator(
	connections connrepo.ConnectionRepository,
	items itemrepo.ItemStore,
	outbox outboxrepo.OutboxRepository,
	clients provider.ClientFactory,
	pubsubTopic string,
) *Orchestrator {
	return &Orchestrator{
		connections: connections,
		items:       items,
		outbox:      outbox,
		clients:     clients,
		pubsubTopic: pubsubTopic,
	}
}

// SyncConnection runs one sync pass. Resource is "mail", "calendar",
// or "all".
func (o *Orchestrator) SyncConnection(ctx context.Context, connectionID, resource string) (*Result, error) {
	conn, err := o.connections.FindByID(connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %s not found", connectionID)
	}
	if !conn.Active {
		return nil, fmt.Errorf("connection %s is inactive", connectionID)
	}

	total := &Result{}
	switch resource {
	case "mail":
		res, err := o.syncMail(ctx, conn)
		total.add(res)
		return total, err
	case "calendar":
		res, err := o.syncCalendars(ctx, conn)
		total.add(res)
		return total, err
	case "", "all":
		mailRes, mailErr := o.syncMail(ctx, conn)
		total.add(mailRes)
		calRes, calErr := o.syncCalendars(ctx, conn)
		total.add(calRes)
		if mailErr != nil {
			return total, mailErr
		}
		return total, calErr
	default:
		return nil, fmt.Errorf("unknown resource %q", resource)
	}
}

// syncMail pages through new mail. Cursor invalidation falls back to
// the adapter's empty-cursor bootstrap exactly once, reseeding the
// cursor without surfacing anything to the user.
func (o *Orchestrator) syncMail(ctx context.Context, conn *conndomain.Connection) (Result, error) {
	client, err := o.clients.Mail(ctx, conn)
	if err != nil {
		return Result{}, o.recordMailFailure(conn, err)
	}

	result, cursor, err := o.drainSource(ctx, conn, client, provider.Cursor(conn.MailCursor), "mail")
	now := time.Now()
	conn.LastMailSyncAt = &now
	conn.MailCursor = string(cursor)
	conn.MailItemCount += int64(result.Created)

	if err != nil {
		saveErr := o.recordMailFailure(conn, err)
		if stateErr := o.connections.SaveMailState(conn); stateErr != nil {
			log.Printf("[Orchestrator] Failed to save mail state for %s: %v", conn.ID, stateErr)
		}
		metrics.SyncRuns.WithLabelValues("mail", "error").Inc()
		return result, saveErr
	}

	conn.LastMailError = ""
	if err := o.connections.SaveMailState(conn); err != nil {
		return result, err
	}

	// First successful mail sync on a push-capable connection also
	// registers the notification watch.
	if conn.Provider == conndomain.ProviderGmail && conn.WatchExpiresAt == nil && o.pubsubTopic != "" {
		o.registerWatch(ctx, conn, client)
	}

	metrics.SyncRuns.WithLabelValues("mail", "ok").Inc()
	return result, nil
}

// syncCalendars walks every opted-in calendar independently; one
// failing calendar does not block the others.
func (o *Orchestrator) syncCalendars(ctx context.Context, conn *conndomain.Connection) (Result, error) {
	if len(conn.CalendarIDs) == 0 {
		return Result{}, nil
	}

	client, err := o.clients.Calendar(ctx, conn)
	if err != nil {
		if errors.Is(err, provider.ErrNotSupported) {
			return Result{}, nil
		}
		return Result{}, o.recordCalendarFailure(conn, err)
	}

	if conn.CalendarSyncTokens == nil {
		conn.CalendarSyncTokens = conndomain.StringMap{}
	}

	total := Result{}
	var firstErr error
	for _, calendarID := range conn.CalendarIDs {
		source := client.Source(calendarID)
		cursor := provider.Cursor(conn.CalendarSyncTokens[calendarID])

		result, next, err := o.drainSource(ctx, conn, source, cursor, "calendar")
		total.add(result)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			// Credential problems affect every calendar alike.
			if provider.IsCredentialError(err) {
				break
			}
			continue
		}
		conn.CalendarSyncTokens[calendarID] = string(next)
	}

	now := time.Now()
	conn.LastCalendarSyncAt = &now
	conn.CalendarItemCount += int64(total.Created)

	if firstErr != nil {
		saveErr := o.recordCalendarFailure(conn, firstErr)
		if stateErr := o.connections.SaveCalendarState(conn); stateErr != nil {
			log.Printf("[Orchestrator] Failed to save calendar state for %s: %v", conn.ID, stateErr)
		}
		metrics.SyncRuns.WithLabelValues("calendar", "error").Inc()
		return total, saveErr
	}

	conn.LastCalendarError = ""
	if err := o.connections.SaveCalendarState(conn); err != nil {
		return total, err
	}
	metrics.SyncRuns.WithLabelValues("calendar", "ok").Inc()
	return total, nil
}

// drainSource pages through a source until it runs dry. Invalidation
// triggers exactly one recovery pass through the empty-cursor
// bootstrap; a second invalidation in the same run is an error.
func (o *Orchestrator) drainSource(ctx context.Context, conn *conndomain.Connection, source provider.IncrementalSource, cursor provider.Cursor, resource string) (Result, provider.Cursor, error) {
	result := Result{}
	recovered := false

	for page := 0; page < maxPagesPerRun; page++ {
		p, err := source.FetchPage(ctx, cursor)
		if err != nil {
			return result, cursor, err
		}

		if p.Invalidated {
			if recovered {
				return result, cursor, fmt.Errorf("%s cursor invalidated twice in one run", resource)
			}
			recovered = true
			log.Printf("[Orchestrator] %s cursor invalidated for %s, running recovery listing", resource, conn.ID)
			metrics.CursorInvalidations.WithLabelValues(resource).Inc()
			cursor = ""
			continue
		}

		pageResult := o.processRecords(conn, p.Records)
		result.add(pageResult)

		if p.NextCursor == cursor || len(p.Records) == 0 {
			return result, p.NextCursor, nil
		}
		cursor = p.NextCursor
	}
	return result, cursor, nil
}

// processRecords canonicalizes and stores one page. Validation
// failures are counted and skipped; the batch keeps going.
func (o *Orchestrator) processRecords(conn *conndomain.Connection, records []provider.ChangeRecord) Result {
	result := Result{}
	for _, rec := range records {
		result.Synced++

		item, err := canonical.Canonicalize(conn.ID, rec)
		if err != nil {
			if canonical.IsValidationError(err) {
				result.Skipped++
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		if rec.Kind == provider.RecordCancel {
			archived, err := o.items.Archive(item.CanonicalID)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if archived {
				result.Archived++
				metrics.ItemsIngested.WithLabelValues(rec.Source, "archived").Inc()
				o.emitItemEvent(outboxdomain.EventItemArchived, item)
			}
			continue
		}

		upsert, err := o.items.Upsert(item)
		if err != nil {
			result.Errors = append(result.Errors, err.Error())
			continue
		}
		metrics.ItemsIngested.WithLabelValues(rec.Source, string(upsert)).Inc()
		switch upsert {
		case itemdomain.UpsertCreated:
			result.Created++
			o.emitItemEvent(outboxdomain.EventItemCreated, item)
		case itemdomain.UpsertUpdated:
			result.Updated++
			o.emitItemEvent(outboxdomain.EventItemUpdated, item)
		default:
			result.Unchanged++
		}
	}
	return result
}

func (o *Orchestrator) emitItemEvent(eventType outboxdomain.EventType, item *itemdomain.CanonicalItem) {
	payload := outboxdomain.ItemEventPayload{
		CanonicalID:  item.CanonicalID,
		ConnectionID: item.ConnectionID,
		Source:       string(item.Source),
	}
	if _, err := o.outbox.Enqueue(eventType, payload, ""); err != nil {
		log.Printf("[Orchestrator] Failed to enqueue %s for %s: %v", eventType, item.CanonicalID, err)
	}
}

func (o *Orchestrator) registerWatch(ctx context.Context, conn *conndomain.Connection, client provider.MailClient) {
	historyID, expiresAt, err := client.Watch(ctx, o.pubsubTopic)
	if err != nil {
		if errors.Is(err, provider.ErrNotSupported) {
			return
		}
		log.Printf("[Orchestrator] Watch registration failed for %s: %v", conn.ID, err)
		return
	}
	if err := o.connections.UpdateWatch(conn.ID, historyID, expiresAt); err != nil {
		log.Printf("[Orchestrator] Failed to persist watch for %s: %v", conn.ID, err)
		return
	}
	log.Printf("[Orchestrator] Watch registered for %s until %s", conn.Identity, expiresAt.Format(time.RFC3339))
}

// recordMailFailure persists a classified failure on the connection
// row. Credential failures flag the connection for reconnection.
func (o *Orchestrator) recordMailFailure(conn *conndomain.Connection, err error) error {
	conn.LastMailError = err.Error()
	if provider.IsCredentialError(err) {
		if markErr := o.connections.MarkNeedsReconnect(conn.ID, err.Error()); markErr != nil {
			log.Printf("[Orchestrator] Failed to flag reconnect for %s: %v", conn.ID, markErr)
		}
	}
	return err
}

func (o *Orchestrator) recordCalendarFailure(conn *conndomain.Connection, err error) error {
	conn.LastCalendarError = err.Error()
	if provider.IsCredentialError(err) {
		if markErr := o.connections.MarkNeedsReconnect(conn.ID, err.Error()); markErr != nil {
			log.Printf("[Orchestrator] Failed to flag reconnect for %s: %v", conn.ID, markErr)
		}
	}
	return err
}
