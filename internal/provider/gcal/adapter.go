package gcal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"flowdesk-sync/internal/credential"
	"flowdesk-sync/internal/provider"
)

// Adapter syncs calendars through sync tokens. A token rejected with
// 410 surfaces as Page.Invalidated; the recovery path is a bounded
// backfill window that yields a fresh token with its final page.
type Adapter struct {
	svc          *calendar.Service
	pageSize     int
	backfillSpan time.Duration
}

func New(ctx context.Context, material *credential.Material, pageSize int, backfillSpan time.Duration) (*Adapter, error) {
	if material.TokenSource == nil {
		return nil, &provider.CredentialError{Op: "build calendar service", Err: errors.New("oauth credential required")}
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	if backfillSpan <= 0 {
		backfillSpan = 365 * 24 * time.Hour
	}

	client := oauth2.NewClient(ctx, material.TokenSource)
	svc, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("unable to create calendar service: %w", err)
	}
	return &Adapter{svc: svc, pageSize: pageSize, backfillSpan: backfillSpan}, nil
}

// Source returns the incremental view of one calendar.
func (a *Adapter) Source(calendarID string) provider.IncrementalSource {
	return &calendarSource{adapter: a, calendarID: calendarID}
}

type calendarSource struct {
	adapter    *Adapter
	calendarID string
}

// FetchPage lists changes after the sync token. An empty cursor runs
// the default backfill window: start of the current UTC day spanning
// the configured backfill span.
func (s *calendarSource) FetchPage(ctx context.Context, cursor provider.Cursor) (provider.Page, error) {
	a := s.adapter
	if cursor == "" {
		now := time.Now().UTC()
		from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return a.Backfill(ctx, s.calendarID, from, from.Add(a.backfillSpan))
	}

	var records []provider.ChangeRecord
	nextCursor := cursor
	pageToken := ""
	for {
		call := a.svc.Events.List(s.calendarID).
			SyncToken(string(cursor)).
			ShowDeleted(true).
			MaxResults(int64(a.pageSize)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			var gerr *googleapi.Error
			if errors.As(err, &gerr) && gerr.Code == http.StatusGone {
				return provider.Page{Invalidated: true}, nil
			}
			return provider.Page{}, provider.Classify("events list", err)
		}

		for _, ev := range resp.Items {
			records = append(records, extractEvent(s.calendarID, ev))
		}
		if resp.NextSyncToken != "" {
			nextCursor = provider.Cursor(resp.NextSyncToken)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return provider.Page{Records: records, NextCursor: nextCursor}, nil
}

// Backfill lists every event inside [from, to) and returns the sync
// token delivered with the final page as the next cursor.
func (a *Adapter) Backfill(ctx context.Context, calendarID string, from, to time.Time) (provider.Page, error) {
	var records []provider.ChangeRecord
	var nextCursor provider.Cursor
	pageToken := ""
	for {
		call := a.svc.Events.List(calendarID).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			ShowDeleted(true).
			MaxResults(int64(a.pageSize)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return provider.Page{}, provider.Classify("events backfill", err)
		}

		for _, ev := range resp.Items {
			records = append(records, extractEvent(calendarID, ev))
		}
		if resp.NextSyncToken != "" {
			nextCursor = provider.Cursor(resp.NextSyncToken)
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return provider.Page{Records: records, NextCursor: nextCursor}, nil
}

func (a *Adapter) CreateEvent(ctx context.Context, w provider.EventWrite) (string, error) {
	created, err := a.svc.Events.Insert(w.CalendarID, buildEvent(w)).Context(ctx).Do()
	if err != nil {
		return "", provider.Classify("event insert", err)
	}
	return created.Id, nil
}

func (a *Adapter) UpdateEvent(ctx context.Context, w provider.EventWrite) error {
	existing, err := a.svc.Events.Get(w.CalendarID, w.EventID).Context(ctx).Do()
	if err != nil {
		return provider.Classify("event get", err)
	}

	existing.Start = &calendar.EventDateTime{DateTime: w.StartsAt.Format(time.RFC3339)}
	existing.End = &calendar.EventDateTime{DateTime: w.EndsAt.Format(time.RFC3339)}
	if w.Title != "" {
		existing.Summary = w.Title
	}

	if _, err := a.svc.Events.Update(w.CalendarID, w.EventID, existing).Context(ctx).Do(); err != nil {
		return provider.Classify("event update", err)
	}
	return nil
}

func (a *Adapter) GetEvent(ctx context.Context, calendarID, eventID string) (*provider.ChangeRecord, error) {
	ev, err := a.svc.Events.Get(calendarID, eventID).Context(ctx).Do()
	if err != nil {
		return nil, provider.Classify("event get", err)
	}
	rec := extractEvent(calendarID, ev)
	return &rec, nil
}

func buildEvent(w provider.EventWrite) *calendar.Event {
	ev := &calendar.Event{
		Summary: w.Title,
		Start:   &calendar.EventDateTime{DateTime: w.StartsAt.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: w.EndsAt.Format(time.RFC3339)},
	}
	for _, email := range w.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}
	return ev
}

func extractEvent(calendarID string, ev *calendar.Event) provider.ChangeRecord {
	rec := provider.ChangeRecord{
		Source:      "calendar",
		Provider:    "gcal",
		StableID:    ev.Id,
		ProtocolRef: ev.Id,
		Container:   calendarID,
		Name:        ev.Summary,
		Body:        ev.Description,
	}

	if ev.Status == "cancelled" {
		rec.Kind = provider.RecordCancel
		return rec
	}
	rec.Kind = provider.RecordUpsert

	for _, att := range ev.Attendees {
		if att.Email != "" {
			rec.Participants = append(rec.Participants, att.Email)
		}
	}

	if ev.Start != nil {
		if ev.Start.Date != "" {
			rec.AllDay = true
			rec.StartDate = ev.Start.Date
		} else if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			rec.StartsAt = &t
		}
	}
	if ev.End != nil {
		if ev.End.Date != "" {
			rec.EndDate = ev.End.Date
		} else if t, err := time.Parse(time.RFC3339, ev.End.DateTime); err == nil {
			rec.EndsAt = &t
		}
	}

	rec.Raw = map[string]interface{}{
		"id":      ev.Id,
		"status":  ev.Status,
		"etag":    ev.Etag,
		"created": ev.Created,
		"updated": ev.Updated,
	}
	if ev.Organizer != nil {
		rec.Raw["organizer"] = ev.Organizer.Email
	}
	return rec
}
