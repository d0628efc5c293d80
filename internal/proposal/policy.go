package proposal

import (
	"sort"
	"strings"
	"time"

	itemdomain "flowdesk-sync/internal/item/domain"
	"flowdesk-sync/internal/proposal/domain"
)

// Policy is the decision table for proposal generation: which keywords
// trigger which proposal type, how urgency changes slot length, and how
// far ahead the engine looks for free time. All values are explicit so
// the behavior can be read and tested as data.
type Policy struct {
	// DefaultSlot is the suggested slot length; UrgentSlot replaces it
	// when urgency keywords match.
	DefaultSlot time.Duration
	UrgentSlot  time.Duration

	// Lookahead bounds the scheduling window: busy intervals are read
	// and slots searched only inside [now, now+Lookahead).
	Lookahead time.Duration

	UrgencyKeywords []string
	MeetingKeywords []string
	RequestKeywords []string
}

// DefaultPolicy returns the stock decision table.
func DefaultPolicy() Policy {
	return Policy{
		DefaultSlot: 30 * time.Minute,
		UrgentSlot:  15 * time.Minute,
		Lookahead:   14 * 24 * time.Hour,
		UrgencyKeywords: []string{
			"urgent", "asap", "immediately", "critical", "eod", "right away",
		},
		MeetingKeywords: []string{
			"meeting", "reschedule", "call", "sync", "invite", "calendar", "appointment",
		},
		RequestKeywords: []string{
			"can you", "could you", "please", "would you", "request",
		},
	}
}

// WithLookahead returns a copy of the policy with the scheduling window
// overridden when the value is positive.
func (p Policy) WithLookahead(lookahead time.Duration) Policy {
	if lookahead > 0 {
		p.Lookahead = lookahead
	}
	return p
}

// Classification is the outcome of running the policy over a mail item.
type Classification struct {
	Type       domain.ProposalType
	Urgent     bool
	Confidence float64
	Matched    []string
}

// Classify runs the keyword table over a mail item's subject and
// snippet. Meeting keywords win over request keywords; no match means
// no proposal. Urgency is orthogonal and only changes the slot length.
func (p Policy) Classify(name, snippet string) (Classification, bool) {
	text := strings.ToLower(name + " " + snippet)

	var cls Classification
	if hits := matchAny(text, p.MeetingKeywords); len(hits) > 0 {
		cls.Type = domain.ProposalRescheduleMeeting
		cls.Confidence = 0.8
		cls.Matched = hits
	} else if hits := matchAny(text, p.RequestKeywords); len(hits) > 0 {
		cls.Type = domain.ProposalPersonalRequest
		cls.Confidence = 0.6
		cls.Matched = hits
	} else {
		return Classification{}, false
	}

	if hits := matchAny(text, p.UrgencyKeywords); len(hits) > 0 {
		cls.Urgent = true
		cls.Confidence += 0.1
		cls.Matched = append(cls.Matched, hits...)
	}
	return cls, true
}

// SlotDuration returns the slot length the urgency calls for.
func (p Policy) SlotDuration(urgent bool) time.Duration {
	if urgent {
		return p.UrgentSlot
	}
	return p.DefaultSlot
}

// FindSlot returns the earliest start of a free span of the given
// duration inside [from, to), walking the busy intervals in start
// order and jumping past each one that blocks the running candidate.
func FindSlot(busy []itemdomain.BusyInterval, from, to time.Time, duration time.Duration) (time.Time, bool) {
	if duration <= 0 {
		return time.Time{}, false
	}

	sorted := make([]itemdomain.BusyInterval, len(busy))
	copy(sorted, busy)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	start := from
	for _, interval := range sorted {
		if !interval.End.After(start) {
			continue
		}
		if !start.Add(duration).After(interval.Start) {
			break
		}
		start = interval.End
	}

	if start.Add(duration).After(to) {
		return time.Time{}, false
	}
	return start, true
}

func matchAny(text string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits = append(hits, kw)
		}
	}
	return hits
}
