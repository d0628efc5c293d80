package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	itemdomain "flowdesk-sync/internal/item/domain"
	"flowdesk-sync/internal/provider"
)

const snippetLength = 200

// ValidationError marks a provider record that cannot become a
// canonical item. The sync batch counts these and moves on.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("record rejected: %s", e.Reason)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)

// CanonicalID derives the deterministic item id for a record identity.
// Identical (source, stable id) pairs always map to the same id, which
// is what makes re-delivery idempotent.
func CanonicalID(source, stableID string) string {
	sum := sha256.Sum256([]byte(source + ":" + stableID))
	return hex.EncodeToString(sum[:])[:32]
}

// Canonicalize turns one extracted provider record into a canonical
// item. Cancel records produce an item carrying only identity; callers
// archive instead of upserting those.
func Canonicalize(connectionID string, rec provider.ChangeRecord) (*itemdomain.CanonicalItem, error) {
	if rec.StableID == "" {
		return nil, &ValidationError{Reason: "record has no stable identifier"}
	}
	if rec.Source != string(itemdomain.SourceMail) && rec.Source != string(itemdomain.SourceCalendar) {
		return nil, &ValidationError{Reason: "unknown record source " + rec.Source}
	}

	item := &itemdomain.CanonicalItem{
		CanonicalID:  CanonicalID(rec.Source, rec.StableID),
		Source:       itemdomain.Source(rec.Source),
		ConnectionID: connectionID,
		ProtocolRef:  rec.ProtocolRef,
		Container:    rec.Container,
	}
	if rec.Kind == provider.RecordCancel {
		return item, nil
	}

	item.Name = strings.TrimSpace(rec.Name)
	item.Snippet = Snippet(rec.Body)
	item.Participants = itemdomain.StringList(rec.Participants)
	item.AllDay = rec.AllDay

	if rec.AllDay {
		if rec.StartDate == "" {
			return nil, &ValidationError{Reason: "all-day record missing start date"}
		}
		item.StartDate = rec.StartDate
		item.EndDate = rec.EndDate
	} else {
		if rec.StartsAt != nil {
			t := rec.StartsAt.UTC()
			item.StartsAt = &t
		}
		if rec.EndsAt != nil {
			t := rec.EndsAt.UTC()
			item.EndsAt = &t
		}
		if item.StartsAt != nil && item.EndsAt != nil && item.EndsAt.Before(*item.StartsAt) {
			return nil, &ValidationError{Reason: "record ends before it starts"}
		}
	}

	switch item.Source {
	case itemdomain.SourceMail:
		item.Category = "message"
	case itemdomain.SourceCalendar:
		item.Category = "event"
	}

	item.ProviderMetadata = itemdomain.JSONMap{
		"provider": rec.Provider,
		"raw":      rec.Raw,
	}
	item.ContentHash = contentHash(item)

	return item, nil
}

// Snippet collapses a body to plain text and truncates it.
func Snippet(body string) string {
	text := htmlTagPattern.ReplaceAllString(body, " ")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&quot;", "\"")
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > snippetLength {
		return string(runes[:snippetLength])
	}
	return text
}

// contentHash covers every canonical field that matters for change
// detection. Metadata is excluded so provider-side noise (etags,
// history ids) does not force spurious updates.
func contentHash(item *itemdomain.CanonicalItem) string {
	var b strings.Builder
	b.WriteString(item.Name)
	b.WriteByte(0)
	b.WriteString(item.Snippet)
	b.WriteByte(0)
	b.WriteString(strings.Join(item.Participants, ","))
	b.WriteByte(0)
	if item.StartsAt != nil {
		b.WriteString(item.StartsAt.Format("2006-01-02T15:04:05Z"))
	}
	b.WriteByte(0)
	if item.EndsAt != nil {
		b.WriteString(item.EndsAt.Format("2006-01-02T15:04:05Z"))
	}
	b.WriteByte(0)
	if item.AllDay {
		b.WriteString("all_day:" + item.StartDate + ".." + item.EndDate)
	}
	b.WriteByte(0)
	b.WriteString(item.Category)

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
