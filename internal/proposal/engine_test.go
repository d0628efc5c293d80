package proposal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"

	conndomain "flowdesk-sync/internal/connection/domain"
	itemdomain "flowdesk-sync/internal/item/domain"
	"flowdesk-sync/internal/proposal/domain"
	"flowdesk-sync/internal/provider"
)

type fakeCandidateQueue struct {
	candidates []*domain.ProposalCandidate
}

func (q *fakeCandidateQueue) Enqueue(c *domain.ProposalCandidate) (bool, error) {
	for _, existing := range q.candidates {
		if existing.ItemID == c.ItemID &&
			(existing.Status == domain.CandidatePending || existing.Status == domain.CandidateProcessing) {
			return false, nil
		}
	}
	c.Status = domain.CandidatePending
	q.candidates = append(q.candidates, c)
	return true, nil
}

func (q *fakeCandidateQueue) ClaimBatch(limit int) ([]*domain.ProposalCandidate, error) {
	var claimed []*domain.ProposalCandidate
	for _, c := range q.candidates {
		if len(claimed) >= limit {
			break
		}
		if c.Status == domain.CandidatePending {
			c.Status = domain.CandidateProcessing
			claimed = append(claimed, c)
		}
	}
	return claimed, nil
}

func (q *fakeCandidateQueue) Complete(id string) error {
	for _, c := range q.candidates {
		if c.ID == id {
			c.Status = domain.CandidateCompleted
			return nil
		}
	}
	return fmt.Errorf("candidate %s not found", id)
}

func (q *fakeCandidateQueue) Fail(c *domain.ProposalCandidate, failErr error, maxAttempts int) error {
	c.Attempts++
	c.LastError = failErr.Error()
	if c.Attempts >= maxAttempts {
		c.Status = domain.CandidateDeadLetter
	} else {
		c.Status = domain.CandidatePending
	}
	return nil
}

func (q *fakeCandidateQueue) FindByID(id string) (*domain.ProposalCandidate, error) {
	for _, c := range q.candidates {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (q *fakeCandidateQueue) FindDeadLetters(limit, offset int) ([]*domain.ProposalCandidate, error) {
	var out []*domain.ProposalCandidate
	for _, c := range q.candidates {
		if c.Status == domain.CandidateDeadLetter {
			out = append(out, c)
		}
	}
	return out, nil
}

type fakeProposalStore struct {
	proposals map[string]*domain.ActionProposal
	created   int
}

func newFakeProposalStore() *fakeProposalStore {
	return &fakeProposalStore{proposals: map[string]*domain.ActionProposal{}}
}

func (s *fakeProposalStore) Create(p *domain.ActionProposal) error {
	s.proposals[p.ID] = p
	s.created++
	return nil
}

func (s *fakeProposalStore) FindByID(id string) (*domain.ActionProposal, error) {
	return s.proposals[id], nil
}

func (s *fakeProposalStore) FindPending(userID string, limit, offset int) ([]*domain.ActionProposal, error) {
	var out []*domain.ActionProposal
	for _, p := range s.proposals {
		if p.Status != domain.ProposalPending {
			continue
		}
		if userID != "" && p.UserID != userID {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeProposalStore) HasPendingForItem(proposalType domain.ProposalType, itemID string) (bool, error) {
	for _, p := range s.proposals {
		if p.Type == proposalType && p.ItemID == itemID && p.Status == domain.ProposalPending {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeProposalStore) Resolve(id string, from, to domain.ProposalStatus) (bool, error) {
	p, ok := s.proposals[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	now := time.Now()
	p.ResolvedAt = &now
	return true, nil
}

type fakeAuditLog struct {
	entries []*domain.AuditLogEntry
}

func (l *fakeAuditLog) Append(e *domain.AuditLogEntry) error {
	l.entries = append(l.entries, e)
	return nil
}

func (l *fakeAuditLog) FindByProposal(proposalID string) ([]*domain.AuditLogEntry, error) {
	var out []*domain.AuditLogEntry
	for _, e := range l.entries {
		if e.ProposalID == proposalID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (l *fakeAuditLog) FindRecent(limit, offset int) ([]*domain.AuditLogEntry, error) {
	return l.entries, nil
}

// fakeItemStore mirrors the real store's busy-interval and next-event
// semantics over an in-memory map so slot decisions are exercised
// against realistic data.
type fakeItemStore struct {
	items   map[string]*itemdomain.CanonicalItem
	findErr error
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{items: map[string]*itemdomain.CanonicalItem{}}
}

func (s *fakeItemStore) add(item *itemdomain.CanonicalItem) {
	s.items[item.CanonicalID] = item
}

func (s *fakeItemStore) Upsert(item *itemdomain.CanonicalItem) (itemdomain.UpsertResult, error) {
	s.items[item.CanonicalID] = item
	return itemdomain.UpsertCreated, nil
}

func (s *fakeItemStore) Archive(canonicalID string) (bool, error) {
	item, ok := s.items[canonicalID]
	if !ok || item.ArchivedAt != nil {
		return false, nil
	}
	now := time.Now()
	item.ArchivedAt = &now
	return true, nil
}

func (s *fakeItemStore) FindByID(canonicalID string) (*itemdomain.CanonicalItem, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.items[canonicalID], nil
}

func (s *fakeItemStore) FindByConnection(connectionID string, source itemdomain.Source, includeArchived bool, limit, offset int) ([]*itemdomain.CanonicalItem, error) {
	var out []*itemdomain.CanonicalItem
	for _, item := range s.items {
		if item.ConnectionID == connectionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *fakeItemStore) BusyIntervals(connectionID string, from, to time.Time, excludeID string) ([]itemdomain.BusyInterval, error) {
	var out []itemdomain.BusyInterval
	for _, item := range s.items {
		if item.ConnectionID != connectionID || item.Source != itemdomain.SourceCalendar {
			continue
		}
		if item.ArchivedAt != nil || item.CanonicalID == excludeID {
			continue
		}
		if item.StartsAt == nil || item.EndsAt == nil {
			continue
		}
		if item.StartsAt.Before(to) && from.Before(*item.EndsAt) {
			out = append(out, itemdomain.BusyInterval{Start: *item.StartsAt, End: *item.EndsAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *fakeItemStore) NextEvent(connectionID string, from, to time.Time) (*itemdomain.CanonicalItem, error) {
	var best *itemdomain.CanonicalItem
	for _, item := range s.items {
		if item.ConnectionID != connectionID || item.Source != itemdomain.SourceCalendar {
			continue
		}
		if item.ArchivedAt != nil || item.StartsAt == nil {
			continue
		}
		if item.StartsAt.Before(from) || !item.StartsAt.Before(to) {
			continue
		}
		if best == nil || item.StartsAt.Before(*best.StartsAt) {
			best = item
		}
	}
	return best, nil
}

type fakeConnectionStore struct {
	conns map[string]*conndomain.Connection
}

func newFakeConnectionStore(conns ...*conndomain.Connection) *fakeConnectionStore {
	s := &fakeConnectionStore{conns: map[string]*conndomain.Connection{}}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *fakeConnectionStore) Create(conn *conndomain.Connection) error {
	s.conns[conn.ID] = conn
	return nil
}

func (s *fakeConnectionStore) FindByID(id string) (*conndomain.Connection, error) {
	return s.conns[id], nil
}

func (s *fakeConnectionStore) FindByIdentity(identity string) (*conndomain.Connection, error) {
	for _, c := range s.conns {
		if c.Identity == identity {
			return c, nil
		}
	}
	return nil, nil
}

func (s *fakeConnectionStore) FindActive() ([]*conndomain.Connection, error) {
	var out []*conndomain.Connection
	for _, c := range s.conns {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeConnectionStore) FindWatchExpiring(before time.Time) ([]*conndomain.Connection, error) {
	var out []*conndomain.Connection
	for _, c := range s.conns {
		if c.WatchExpiresAt != nil && c.WatchExpiresAt.Before(before) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeConnectionStore) SaveMailState(conn *conndomain.Connection) error     { return nil }
func (s *fakeConnectionStore) SaveCalendarState(conn *conndomain.Connection) error { return nil }

func (s *fakeConnectionStore) MarkNeedsReconnect(id string, reason string) error {
	if c, ok := s.conns[id]; ok {
		c.NeedsReconnect = true
		c.LastMailError = reason
	}
	return nil
}

func (s *fakeConnectionStore) UpdateWatch(id string, historyID uint64, expiresAt time.Time) error {
	if c, ok := s.conns[id]; ok {
		c.WatchHistoryID = historyID
		c.WatchExpiresAt = &expiresAt
	}
	return nil
}

func (s *fakeConnectionStore) UpdateCredential(id string, credentialRef string) error {
	if c, ok := s.conns[id]; ok {
		c.CredentialRef = credentialRef
	}
	return nil
}

func (s *fakeConnectionStore) Deactivate(id string) error {
	if c, ok := s.conns[id]; ok {
		c.Active = false
	}
	return nil
}

func (s *fakeConnectionStore) FlushCursors(id string) error {
	if c, ok := s.conns[id]; ok {
		c.MailCursor = ""
		c.CalendarSyncTokens = nil
	}
	return nil
}

type fakeMailClient struct {
	replies  []provider.Reply
	replyErr error
}

func (m *fakeMailClient) FetchPage(ctx context.Context, cursor provider.Cursor) (provider.Page, error) {
	return provider.Page{}, nil
}

func (m *fakeMailClient) MarkRead(ctx context.Context, ref string) error { return nil }

func (m *fakeMailClient) SendReply(ctx context.Context, reply provider.Reply) error {
	if m.replyErr != nil {
		return m.replyErr
	}
	m.replies = append(m.replies, reply)
	return nil
}

func (m *fakeMailClient) Watch(ctx context.Context, topic string) (uint64, time.Time, error) {
	return 0, time.Time{}, provider.ErrNotSupported
}

func (m *fakeMailClient) StopWatch(ctx context.Context) error { return provider.ErrNotSupported }

type fakeCalendarClient struct {
	created   []provider.EventWrite
	updated   []provider.EventWrite
	updateErr error
}

func (c *fakeCalendarClient) Source(calendarID string) provider.IncrementalSource { return nil }

func (c *fakeCalendarClient) Backfill(ctx context.Context, calendarID string, from, to time.Time) (provider.Page, error) {
	return provider.Page{}, nil
}

func (c *fakeCalendarClient) CreateEvent(ctx context.Context, w provider.EventWrite) (string, error) {
	c.created = append(c.created, w)
	return fmt.Sprintf("created-%d", len(c.created)), nil
}

func (c *fakeCalendarClient) UpdateEvent(ctx context.Context, w provider.EventWrite) error {
	if c.updateErr != nil {
		return c.updateErr
	}
	c.updated = append(c.updated, w)
	return nil
}

func (c *fakeCalendarClient) GetEvent(ctx context.Context, calendarID, eventID string) (*provider.ChangeRecord, error) {
	return nil, nil
}

type fakeFactory struct {
	mail      *fakeMailClient
	cal       *fakeCalendarClient
	mailCalls int
	calCalls  int
}

func (f *fakeFactory) Mail(ctx context.Context, conn *conndomain.Connection) (provider.MailClient, error) {
	f.mailCalls++
	return f.mail, nil
}

func (f *fakeFactory) Calendar(ctx context.Context, conn *conndomain.Connection) (provider.CalendarClient, error) {
	f.calCalls++
	return f.cal, nil
}

type engineFixture struct {
	queue   *fakeCandidateQueue
	store   *fakeProposalStore
	audit   *fakeAuditLog
	items   *fakeItemStore
	conns   *fakeConnectionStore
	factory *fakeFactory
	engine  *Engine
}

func newEngineFixture(maxAttempts int) *engineFixture {
	f := &engineFixture{
		queue:   &fakeCandidateQueue{},
		store:   newFakeProposalStore(),
		audit:   &fakeAuditLog{},
		items:   newFakeItemStore(),
		factory: &fakeFactory{mail: &fakeMailClient{}, cal: &fakeCalendarClient{}},
	}
	f.conns = newFakeConnectionStore(&conndomain.Connection{
		ID:          "conn-1",
		OrgID:       "org-1",
		UserID:      "user-1",
		Identity:    "ana@example.com",
		Provider:    conndomain.ProviderGmail,
		Active:      true,
		CalendarIDs: conndomain.StringList{"primary"},
	})
	f.engine = NewEngine(DefaultPolicy(), f.queue, f.store, f.audit, f.items, f.conns, f.factory, 1, 10, maxAttempts, time.Hour)
	return f
}

func (f *engineFixture) enqueue(itemID string) *domain.ProposalCandidate {
	cand := &domain.ProposalCandidate{
		ID:           uuid.New().String(),
		OrgID:        "org-1",
		UserID:       "user-1",
		ConnectionID: "conn-1",
		ItemID:       itemID,
		TriggerKind:  "item.created",
	}
	f.queue.Enqueue(cand)
	return cand
}

func mailItem(id, name, snippet string, participants ...string) *itemdomain.CanonicalItem {
	return &itemdomain.CanonicalItem{
		CanonicalID:  id,
		Source:       itemdomain.SourceMail,
		ConnectionID: "conn-1",
		Name:         name,
		Snippet:      snippet,
		Participants: itemdomain.StringList(participants),
		Category:     "message",
		ProviderMetadata: itemdomain.JSONMap{
			"provider": "gmail",
			"raw": map[string]interface{}{
				"thread_id":  "thread-1",
				"message_id": "<origin@example.com>",
			},
		},
	}
}

func calendarItem(id, protocolRef, calendarID string, start, end time.Time) *itemdomain.CanonicalItem {
	return &itemdomain.CanonicalItem{
		CanonicalID:  id,
		Source:       itemdomain.SourceCalendar,
		ConnectionID: "conn-1",
		Name:         "Existing event",
		Category:     "event",
		ProtocolRef:  protocolRef,
		Container:    calendarID,
		StartsAt:     &start,
		EndsAt:       &end,
	}
}

func TestProcessBatch_UrgentMailGetsShortSlotAfterBusyBlock(t *testing.T) {
	f := newEngineFixture(3)
	now := time.Now().UTC()
	busyEnd := now.Add(35 * time.Minute)

	f.items.add(mailItem("item-mail", "URGENT: need to reschedule", "our call slipped", "ana@example.com"))
	f.items.add(calendarItem("item-busy", "ev-busy", "primary", now.Add(5*time.Minute), busyEnd))
	f.enqueue("item-mail")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("ProcessBatch created %d proposals, want 1", len(created))
	}

	p := created[0]
	if p.Type != domain.ProposalRescheduleMeeting {
		t.Errorf("Type = %q, want %q", p.Type, domain.ProposalRescheduleMeeting)
	}
	if !p.Payload.Urgent {
		t.Error("Urgent = false, want true")
	}
	if p.Payload.DurationMinutes != 15 {
		t.Errorf("DurationMinutes = %d, want 15", p.Payload.DurationMinutes)
	}
	if p.Payload.WindowStart.Before(busyEnd) {
		t.Errorf("WindowStart = %v is inside the busy block ending %v", p.Payload.WindowStart, busyEnd)
	}
	if got := p.Payload.WindowEnd.Sub(p.Payload.WindowStart); got != 15*time.Minute {
		t.Errorf("window length = %v, want 15m", got)
	}
	if !p.RequiresConfirmation {
		t.Error("RequiresConfirmation = false, want true")
	}

	if len(p.Payload.Actions) != 2 {
		t.Fatalf("Actions = %d, want calendar update plus reply", len(p.Payload.Actions))
	}
	update := p.Payload.Actions[0]
	if update.Kind != domain.ActionCalendarUpdate || update.EventID != "ev-busy" {
		t.Errorf("first action = %s on %q, want calendar.update on ev-busy", update.Kind, update.EventID)
	}
	reply := p.Payload.Actions[1]
	if reply.Kind != domain.ActionMailReply {
		t.Errorf("second action = %s, want mail.reply", reply.Kind)
	}
	if len(reply.ReplyTo) != 1 || reply.ReplyTo[0] != "ana@example.com" {
		t.Errorf("ReplyTo = %v, want the sender", reply.ReplyTo)
	}
	if reply.ThreadID != "thread-1" || reply.InReplyTo != "<origin@example.com>" {
		t.Errorf("threading = (%q, %q), want provider metadata carried over", reply.ThreadID, reply.InReplyTo)
	}

	cand, _ := f.queue.FindByID(f.queue.candidates[0].ID)
	if cand.Status != domain.CandidateCompleted {
		t.Errorf("candidate status = %q, want completed", cand.Status)
	}
}

func TestProcessBatch_RequestMailCreatesHold(t *testing.T) {
	f := newEngineFixture(3)
	f.items.add(mailItem("item-req", "Favor", "could you send the report over?"))
	f.enqueue("item-req")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("ProcessBatch created %d proposals, want 1", len(created))
	}

	p := created[0]
	if p.Type != domain.ProposalPersonalRequest {
		t.Errorf("Type = %q, want %q", p.Type, domain.ProposalPersonalRequest)
	}
	if p.Payload.DurationMinutes != 30 {
		t.Errorf("DurationMinutes = %d, want default 30", p.Payload.DurationMinutes)
	}
	if len(p.Payload.Actions) != 1 {
		t.Fatalf("Actions = %d, want a single hold (no participants, no reply)", len(p.Payload.Actions))
	}
	hold := p.Payload.Actions[0]
	if hold.Kind != domain.ActionCalendarCreate || hold.CalendarID != "primary" {
		t.Errorf("action = %s on %q, want calendar.create on primary", hold.Kind, hold.CalendarID)
	}
	if hold.Title != "Hold: Favor" {
		t.Errorf("Title = %q, want %q", hold.Title, "Hold: Favor")
	}
}

func TestProcessBatch_PlainMailCompletesWithoutProposal(t *testing.T) {
	f := newEngineFixture(3)
	f.items.add(mailItem("item-plain", "Holiday photos", "see attached"))
	cand := f.enqueue("item-plain")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created %d proposals for keyword-free mail, want 0", len(created))
	}
	if cand.Status != domain.CandidateCompleted {
		t.Errorf("candidate status = %q, want completed", cand.Status)
	}
	if f.store.created != 0 {
		t.Errorf("store has %d proposals, want 0", f.store.created)
	}
}

func TestProcessBatch_ReusesPendingProposal(t *testing.T) {
	f := newEngineFixture(3)
	f.items.add(mailItem("item-mail", "Team meeting", "when suits?", "bo@example.com"))

	existing := &domain.ActionProposal{
		ID:     uuid.New().String(),
		Type:   domain.ProposalRescheduleMeeting,
		Status: domain.ProposalPending,
		ItemID: "item-mail",
		UserID: "user-1",
	}
	f.store.Create(existing)

	cand := f.enqueue("item-mail")
	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created %d proposals, want 0 (pending proposal reused)", len(created))
	}
	if f.store.created != 1 {
		t.Errorf("store holds %d proposals, want only the pre-existing one", f.store.created)
	}
	if cand.Status != domain.CandidateCompleted {
		t.Errorf("candidate status = %q, want completed", cand.Status)
	}
}

func TestProcessBatch_SkipsArchivedAndMissingItems(t *testing.T) {
	f := newEngineFixture(3)

	archived := mailItem("item-gone", "Meeting", "reschedule?")
	when := time.Now()
	archived.ArchivedAt = &when
	f.items.add(archived)

	candArchived := f.enqueue("item-gone")
	candMissing := f.enqueue("item-never-stored")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created %d proposals, want 0", len(created))
	}
	if candArchived.Status != domain.CandidateCompleted {
		t.Errorf("archived-item candidate status = %q, want completed", candArchived.Status)
	}
	if candMissing.Status != domain.CandidateCompleted {
		t.Errorf("missing-item candidate status = %q, want completed", candMissing.Status)
	}
}

func TestProcessBatch_InactiveConnectionCompletesQuietly(t *testing.T) {
	f := newEngineFixture(3)
	f.conns.conns["conn-1"].Active = false
	f.items.add(mailItem("item-mail", "Meeting", "reschedule?"))
	cand := f.enqueue("item-mail")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 0 || cand.Status != domain.CandidateCompleted {
		t.Errorf("created = %d, candidate = %q; want 0 and completed", len(created), cand.Status)
	}
}

func TestProcessBatch_DeadLettersAfterMaxAttempts(t *testing.T) {
	f := newEngineFixture(2)
	f.items.findErr = errors.New("store offline")
	cand := f.enqueue("item-mail")

	for i := 1; i <= 2; i++ {
		created, err := f.engine.ProcessBatch(context.Background())
		if err != nil {
			t.Fatalf("ProcessBatch #%d returned error: %v", i, err)
		}
		if len(created) != 0 {
			t.Fatalf("ProcessBatch #%d created %d proposals, want 0", i, len(created))
		}
	}

	if cand.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", cand.Attempts)
	}
	if cand.Status != domain.CandidateDeadLetter {
		t.Errorf("status = %q, want dead_letter", cand.Status)
	}
	if cand.LastError == "" {
		t.Error("LastError empty, want the processing error recorded")
	}

	// Dead-lettered candidates never re-enter the queue.
	claimed, _ := f.queue.ClaimBatch(10)
	if len(claimed) != 0 {
		t.Errorf("ClaimBatch returned %d candidates after dead-letter, want 0", len(claimed))
	}

	dead, _ := f.queue.FindDeadLetters(10, 0)
	if len(dead) != 1 {
		t.Errorf("FindDeadLetters returned %d, want 1", len(dead))
	}
}

func TestProcessBatch_RetryAfterTransientFailure(t *testing.T) {
	f := newEngineFixture(3)
	f.items.add(mailItem("item-mail", "Team meeting", "when suits?"))
	f.items.findErr = errors.New("store offline")
	cand := f.enqueue("item-mail")

	if _, err := f.engine.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if cand.Status != domain.CandidatePending || cand.Attempts != 1 {
		t.Fatalf("after failure: status %q attempts %d, want pending/1", cand.Status, cand.Attempts)
	}

	f.items.findErr = nil
	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch retry returned error: %v", err)
	}
	if len(created) != 1 {
		t.Errorf("retry created %d proposals, want 1", len(created))
	}
	if cand.Status != domain.CandidateCompleted {
		t.Errorf("status after retry = %q, want completed", cand.Status)
	}
}

func TestProcessBatch_ConflictingEventProposesMove(t *testing.T) {
	f := newEngineFixture(3)
	now := time.Now().UTC()

	target := calendarItem("item-a", "ev-a", "work@example.com", now.Add(time.Hour), now.Add(2*time.Hour))
	blocker := calendarItem("item-b", "ev-b", "work@example.com", now.Add(90*time.Minute), now.Add(150*time.Minute))
	f.items.add(target)
	f.items.add(blocker)
	f.enqueue("item-a")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d proposals, want 1", len(created))
	}

	p := created[0]
	if p.Type != domain.ProposalRescheduleMeeting {
		t.Errorf("Type = %q, want %q", p.Type, domain.ProposalRescheduleMeeting)
	}
	if p.Payload.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", p.Payload.Confidence)
	}
	if got := p.Payload.WindowEnd.Sub(p.Payload.WindowStart); got != time.Hour {
		t.Errorf("window length = %v, want the event's own 1h", got)
	}
	if p.Payload.WindowStart.Before(*blocker.StartsAt) && p.Payload.WindowEnd.After(*blocker.StartsAt) {
		t.Errorf("proposed window [%v, %v] still overlaps the blocker", p.Payload.WindowStart, p.Payload.WindowEnd)
	}

	if len(p.Payload.Actions) != 1 {
		t.Fatalf("Actions = %d, want a single calendar update", len(p.Payload.Actions))
	}
	action := p.Payload.Actions[0]
	if action.Kind != domain.ActionCalendarUpdate {
		t.Errorf("action kind = %s, want calendar.update", action.Kind)
	}
	if action.EventID != "ev-a" || action.CalendarID != "work@example.com" {
		t.Errorf("action targets (%q, %q), want the conflicted event on its own calendar", action.EventID, action.CalendarID)
	}
}

func TestProcessBatch_EventWithoutConflictProposesNothing(t *testing.T) {
	f := newEngineFixture(3)
	now := time.Now().UTC()

	f.items.add(calendarItem("item-a", "ev-a", "primary", now.Add(time.Hour), now.Add(2*time.Hour)))
	f.items.add(calendarItem("item-b", "ev-b", "primary", now.Add(3*time.Hour), now.Add(4*time.Hour)))
	cand := f.enqueue("item-a")

	created, err := f.engine.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch returned error: %v", err)
	}
	if len(created) != 0 {
		t.Errorf("created %d proposals for a conflict-free event, want 0", len(created))
	}
	if cand.Status != domain.CandidateCompleted {
		t.Errorf("candidate status = %q, want completed", cand.Status)
	}
}

func TestGenerateNow_DrainsQueue(t *testing.T) {
	f := newEngineFixture(3)
	f.engine.batchSize = 1

	f.items.add(mailItem("item-1", "Team meeting", "reschedule?", "a@example.com"))
	f.items.add(mailItem("item-2", "Please review", "could you take a look?"))
	f.enqueue("item-1")
	f.enqueue("item-2")

	created, err := f.engine.GenerateNow(context.Background())
	if err != nil {
		t.Fatalf("GenerateNow returned error: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("GenerateNow created %d proposals, want 2", len(created))
	}
	for _, c := range f.queue.candidates {
		if c.Status != domain.CandidateCompleted {
			t.Errorf("candidate %s status = %q, want completed", c.ItemID, c.Status)
		}
	}
}

func pendingProposal(f *engineFixture, actions ...domain.ProposedAction) *domain.ActionProposal {
	start := time.Now().UTC().Add(time.Hour)
	end := start.Add(30 * time.Minute)
	for i := range actions {
		if actions[i].StartsAt == nil {
			actions[i].StartsAt = &start
			actions[i].EndsAt = &end
		}
	}
	p := &domain.ActionProposal{
		ID:                   uuid.New().String(),
		Type:                 domain.ProposalRescheduleMeeting,
		Status:               domain.ProposalPending,
		OrgID:                "org-1",
		UserID:               "user-1",
		ConnectionID:         "conn-1",
		ItemID:               "item-mail",
		RequiresConfirmation: true,
		Payload: domain.ProposalPayload{
			WindowStart: start,
			WindowEnd:   end,
			Actions:     actions,
		},
	}
	f.store.Create(p)
	return p
}

func TestConfirm_ExecutesEveryActionOnce(t *testing.T) {
	f := newEngineFixture(3)
	p := pendingProposal(f,
		domain.ProposedAction{Kind: domain.ActionCalendarUpdate, CalendarID: "primary", EventID: "ev-1", Title: "Standup"},
		domain.ProposedAction{Kind: domain.ActionMailReply, ReplyTo: []string{"ana@example.com"}, ReplySubject: "Re: Standup", ReplyBody: "Moving it."},
	)

	confirmed, err := f.engine.Confirm(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if confirmed.Status != domain.ProposalConfirmed {
		t.Errorf("status = %q, want confirmed", confirmed.Status)
	}

	if len(f.factory.cal.updated) != 1 {
		t.Errorf("UpdateEvent called %d times, want 1", len(f.factory.cal.updated))
	}
	if got := f.factory.cal.updated[0]; got.EventID != "ev-1" || got.CalendarID != "primary" {
		t.Errorf("UpdateEvent write = %+v, want ev-1 on primary", got)
	}
	if len(f.factory.mail.replies) != 1 {
		t.Errorf("SendReply called %d times, want 1", len(f.factory.mail.replies))
	}

	if len(f.audit.entries) != 1 {
		t.Fatalf("audit entries = %d, want exactly 1", len(f.audit.entries))
	}
	entry := f.audit.entries[0]
	if entry.ProposalID != p.ID || entry.Action != "confirmed" {
		t.Errorf("audit entry = (%q, %q), want proposal id and confirmed", entry.ProposalID, entry.Action)
	}
	outcomes, ok := entry.Detail["actions"].([]map[string]interface{})
	if !ok || len(outcomes) != 2 {
		t.Fatalf("audit detail actions = %v, want 2 outcomes", entry.Detail["actions"])
	}
	for i, outcome := range outcomes {
		if outcome["status"] != "ok" {
			t.Errorf("outcome %d status = %v, want ok", i, outcome["status"])
		}
	}
}

func TestConfirm_SecondCallExecutesNothing(t *testing.T) {
	f := newEngineFixture(3)
	p := pendingProposal(f, domain.ProposedAction{Kind: domain.ActionCalendarUpdate, CalendarID: "primary", EventID: "ev-1"})

	if _, err := f.engine.Confirm(context.Background(), p.ID); err != nil {
		t.Fatalf("first Confirm returned error: %v", err)
	}
	if _, err := f.engine.Confirm(context.Background(), p.ID); !errors.Is(err, ErrProposalResolved) {
		t.Fatalf("second Confirm error = %v, want ErrProposalResolved", err)
	}

	if len(f.factory.cal.updated) != 1 {
		t.Errorf("UpdateEvent called %d times across two confirms, want 1", len(f.factory.cal.updated))
	}
	if len(f.audit.entries) != 1 {
		t.Errorf("audit entries = %d, want 1", len(f.audit.entries))
	}
}

func TestConfirm_RecordsFailedActionAndContinues(t *testing.T) {
	f := newEngineFixture(3)
	f.factory.cal.updateErr = errors.New("calendar unavailable")
	p := pendingProposal(f,
		domain.ProposedAction{Kind: domain.ActionCalendarUpdate, CalendarID: "primary", EventID: "ev-1"},
		domain.ProposedAction{Kind: domain.ActionMailReply, ReplyTo: []string{"ana@example.com"}},
	)

	confirmed, err := f.engine.Confirm(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}
	if confirmed.Status != domain.ProposalConfirmed {
		t.Errorf("status = %q, want confirmed even with a failed action", confirmed.Status)
	}
	if len(f.factory.mail.replies) != 1 {
		t.Errorf("SendReply called %d times, want 1 (failure must not abort later actions)", len(f.factory.mail.replies))
	}

	outcomes := f.audit.entries[0].Detail["actions"].([]map[string]interface{})
	if outcomes[0]["status"] != "failed" {
		t.Errorf("calendar outcome = %v, want failed", outcomes[0]["status"])
	}
	if outcomes[1]["status"] != "ok" {
		t.Errorf("reply outcome = %v, want ok", outcomes[1]["status"])
	}
}

func TestConfirm_UnsupportedActionIsSkipped(t *testing.T) {
	f := newEngineFixture(3)
	f.factory.mail.replyErr = provider.ErrNotSupported
	p := pendingProposal(f, domain.ProposedAction{Kind: domain.ActionMailReply, ReplyTo: []string{"ana@example.com"}})

	if _, err := f.engine.Confirm(context.Background(), p.ID); err != nil {
		t.Fatalf("Confirm returned error: %v", err)
	}

	outcomes := f.audit.entries[0].Detail["actions"].([]map[string]interface{})
	if outcomes[0]["status"] != "skipped" {
		t.Errorf("outcome = %v, want skipped for an unsupported capability", outcomes[0]["status"])
	}
}

func TestConfirm_UnknownProposal(t *testing.T) {
	f := newEngineFixture(3)
	if _, err := f.engine.Confirm(context.Background(), "no-such-id"); !errors.Is(err, ErrProposalNotFound) {
		t.Errorf("Confirm error = %v, want ErrProposalNotFound", err)
	}
}

func TestReject_MakesNoExternalCallsAndNoAudit(t *testing.T) {
	f := newEngineFixture(3)
	p := pendingProposal(f,
		domain.ProposedAction{Kind: domain.ActionCalendarUpdate, CalendarID: "primary", EventID: "ev-1"},
		domain.ProposedAction{Kind: domain.ActionMailReply, ReplyTo: []string{"ana@example.com"}},
	)

	rejected, err := f.engine.Reject(p.ID)
	if err != nil {
		t.Fatalf("Reject returned error: %v", err)
	}
	if rejected.Status != domain.ProposalRejected {
		t.Errorf("status = %q, want rejected", rejected.Status)
	}

	if f.factory.calCalls != 0 || f.factory.mailCalls != 0 {
		t.Errorf("provider clients constructed (%d calendar, %d mail), want none on reject", f.factory.calCalls, f.factory.mailCalls)
	}
	if len(f.audit.entries) != 0 {
		t.Errorf("audit entries = %d, want 0 (audit records executed write-backs only)", len(f.audit.entries))
	}

	if _, err := f.engine.Reject(p.ID); !errors.Is(err, ErrProposalResolved) {
		t.Errorf("second Reject error = %v, want ErrProposalResolved", err)
	}
	if _, err := f.engine.Confirm(context.Background(), p.ID); !errors.Is(err, ErrProposalResolved) {
		t.Errorf("Confirm after Reject error = %v, want ErrProposalResolved", err)
	}
}
