package proposal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	conndomain "flowdesk-sync/internal/connection/domain"
	connrepo "flowdesk-sync/internal/connection/repository"
	itemdomain "flowdesk-sync/internal/item/domain"
	itemrepo "flowdesk-sync/internal/item/repository"
	"flowdesk-sync/internal/metrics"
	"flowdesk-sync/internal/proposal/domain"
	"flowdesk-sync/internal/proposal/repository"
	"flowdesk-sync/internal/provider"
)

var (
	// ErrProposalNotFound means no proposal exists under the id.
	ErrProposalNotFound = errors.New("proposal not found")

	// ErrProposalResolved means the proposal already left pending
	// status, so confirmation or rejection cannot proceed.
	ErrProposalResolved = errors.New("proposal already resolved")
)

// Engine drains the candidate queue and turns items into action
// proposals. Processing re-reads the item and the calendar at claim
// time, so stale queue entries never produce stale suggestions. Nothing
// the engine creates touches a provider until a user confirms it.
type Engine struct {
	policy      Policy
	candidates  repository.CandidateQueue
	proposals   repository.ProposalRepository
	audit       repository.AuditLog
	items       itemrepo.ItemStore
	connections connrepo.ConnectionRepository
	factory     provider.ClientFactory

	workers      int
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	unitTimeout  time.Duration

	stopChan chan struct{}
	workerWg sync.WaitGroup
}

func NewEngine(
	policy Policy,
	candidates repository.CandidateQueue,
	proposals repository.ProposalRepository,
	audit repository.AuditLog,
	items itemrepo.ItemStore,
	connections connrepo.ConnectionRepository,
	factory provider.ClientFactory,
	workers, batchSize, maxAttempts int,
	pollInterval time.Duration,
) *Engine {
	if workers <= 0 {
		workers = 2
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Engine{
		policy:       policy,
		candidates:   candidates,
		proposals:    proposals,
		audit:        audit,
		items:        items,
		connections:  connections,
		factory:      factory,
		workers:      workers,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		unitTimeout:  time.Minute,
		stopChan:     make(chan struct{}),
	}
}

// Start launches the candidate workers.
func (e *Engine) Start() {
	log.Printf("[Proposal] Starting %d engine workers (batch %d, poll %s)", e.workers, e.batchSize, e.pollInterval)
	for i := 0; i < e.workers; i++ {
		e.workerWg.Add(1)
		go e.worker(i)
	}
}

// Stop halts polling and waits for in-flight candidates to settle.
func (e *Engine) Stop() {
	close(e.stopChan)
	e.workerWg.Wait()
	log.Println("[Proposal] Engine stopped")
}

func (e *Engine) worker(workerID int) {
	defer e.workerWg.Done()

	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := e.ProcessBatch(context.Background()); err != nil {
				log.Printf("[Proposal] Worker %d: batch error: %v", workerID, err)
			}
		case <-e.stopChan:
			return
		}
	}
}

// ProcessBatch claims and settles up to one batch of candidates. It
// returns the proposals the batch created.
func (e *Engine) ProcessBatch(ctx context.Context) ([]*domain.ActionProposal, error) {
	claimed, err := e.candidates.ClaimBatch(e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("claim candidates: %w", err)
	}

	var created []*domain.ActionProposal
	for _, cand := range claimed {
		unitCtx, cancel := context.WithTimeout(ctx, e.unitTimeout)
		proposal, err := e.processCandidate(unitCtx, cand)
		cancel()

		if err != nil {
			log.Printf("[Proposal] Candidate %s (item %s) attempt %d failed: %v", cand.ID, cand.ItemID, cand.Attempts+1, err)
			if ferr := e.candidates.Fail(cand, err, e.maxAttempts); ferr != nil {
				return created, fmt.Errorf("record candidate failure %s: %w", cand.ID, ferr)
			}
			if cand.Status == domain.CandidateDeadLetter {
				log.Printf("[Proposal] Candidate %s dead-lettered after %d attempts", cand.ID, cand.Attempts)
				metrics.Candidates.WithLabelValues("dead_letter").Inc()
			} else {
				metrics.Candidates.WithLabelValues("failed").Inc()
			}
			continue
		}

		if cerr := e.candidates.Complete(cand.ID); cerr != nil {
			return created, fmt.Errorf("complete candidate %s: %w", cand.ID, cerr)
		}
		metrics.Candidates.WithLabelValues("completed").Inc()
		if proposal != nil {
			created = append(created, proposal)
		}
	}
	return created, nil
}

// GenerateNow drains the candidate queue synchronously and returns the
// proposals it produced. Backs the manual generation endpoint.
func (e *Engine) GenerateNow(ctx context.Context) ([]*domain.ActionProposal, error) {
	var all []*domain.ActionProposal
	for i := 0; i < 10; i++ {
		created, err := e.ProcessBatch(ctx)
		if err != nil {
			return all, err
		}
		if len(created) == 0 {
			break
		}
		all = append(all, created...)
	}
	return all, nil
}

// plan is a decided proposal before persistence.
type plan struct {
	cls      Classification
	slot     time.Time
	duration time.Duration
	actions  []domain.ProposedAction
}

// processCandidate re-reads the item and calendar state and decides
// whether a proposal is warranted. A nil proposal with nil error means
// the candidate completed with nothing to suggest.
func (e *Engine) processCandidate(ctx context.Context, cand *domain.ProposalCandidate) (*domain.ActionProposal, error) {
	item, err := e.items.FindByID(cand.ItemID)
	if err != nil {
		return nil, fmt.Errorf("read item: %w", err)
	}
	if item == nil || item.ArchivedAt != nil {
		return nil, nil
	}

	conn, err := e.connections.FindByID(cand.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("read connection: %w", err)
	}
	if conn == nil || !conn.Active {
		return nil, nil
	}

	now := time.Now().UTC()
	horizon := now.Add(e.policy.Lookahead)

	var p *plan
	switch item.Source {
	case itemdomain.SourceCalendar:
		p, err = e.planEventMove(item, now, horizon)
	case itemdomain.SourceMail:
		p, err = e.planMailFollowup(conn, item, now, horizon)
	}
	if err != nil || p == nil {
		return nil, err
	}

	exists, err := e.proposals.HasPendingForItem(p.cls.Type, item.CanonicalID)
	if err != nil {
		return nil, fmt.Errorf("check pending proposals: %w", err)
	}
	if exists {
		// An equivalent proposal is already awaiting review; reuse it.
		return nil, nil
	}

	proposal := &domain.ActionProposal{
		ID:                   uuid.New().String(),
		Type:                 p.cls.Type,
		Status:               domain.ProposalPending,
		OrgID:                cand.OrgID,
		UserID:               cand.UserID,
		ConnectionID:         conn.ID,
		ItemID:               item.CanonicalID,
		RequiresConfirmation: true,
		Payload: domain.ProposalPayload{
			WindowStart:     p.slot,
			WindowEnd:       p.slot.Add(p.duration),
			DurationMinutes: int(p.duration / time.Minute),
			Urgent:          p.cls.Urgent,
			Confidence:      p.cls.Confidence,
			Rationale:       rationale(p.cls),
			Actions:         p.actions,
		},
	}
	if err := e.proposals.Create(proposal); err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	metrics.Proposals.WithLabelValues(string(proposal.Type), "created").Inc()
	log.Printf("[Proposal] Created %s proposal %s for item %s (slot %s)", proposal.Type, proposal.ID, item.CanonicalID, p.slot.Format(time.RFC3339))
	return proposal, nil
}

// planEventMove handles calendar items: an event overlapping another
// busy span gets a proposal to move it to the next free slot.
func (e *Engine) planEventMove(item *itemdomain.CanonicalItem, now, horizon time.Time) (*plan, error) {
	if item.AllDay || item.StartsAt == nil || item.EndsAt == nil {
		return nil, nil
	}
	if item.StartsAt.Before(now) {
		return nil, nil
	}

	busy, err := e.items.BusyIntervals(item.ConnectionID, now, horizon, item.CanonicalID)
	if err != nil {
		return nil, fmt.Errorf("read busy intervals: %w", err)
	}

	conflict := false
	for _, interval := range busy {
		if interval.Overlaps(*item.StartsAt, *item.EndsAt) {
			conflict = true
			break
		}
	}
	if !conflict {
		return nil, nil
	}

	d := item.EndsAt.Sub(*item.StartsAt)
	if d <= 0 {
		d = e.policy.DefaultSlot
	}
	start, ok := FindSlot(busy, now, horizon, d)
	if !ok {
		log.Printf("[Proposal] No free slot for event %s inside the lookahead window", item.CanonicalID)
		return nil, nil
	}
	end := start.Add(d)

	return &plan{
		cls:      Classification{Type: domain.ProposalRescheduleMeeting, Confidence: 0.9},
		slot:     start,
		duration: d,
		actions: []domain.ProposedAction{{
			Kind:       domain.ActionCalendarUpdate,
			CalendarID: eventCalendar(item),
			EventID:    item.ProtocolRef,
			Title:      item.Name,
			StartsAt:   &start,
			EndsAt:     &end,
		}},
	}, nil
}

// planMailFollowup handles mail items: the keyword table decides the
// proposal type, urgency sets the slot length, and the actions pair a
// calendar write with a reply to the sender.
func (e *Engine) planMailFollowup(conn *conndomain.Connection, item *itemdomain.CanonicalItem, now, horizon time.Time) (*plan, error) {
	cls, ok := e.policy.Classify(item.Name, item.Snippet)
	if !ok {
		return nil, nil
	}

	busy, err := e.items.BusyIntervals(item.ConnectionID, now, horizon, "")
	if err != nil {
		return nil, fmt.Errorf("read busy intervals: %w", err)
	}

	d := e.policy.SlotDuration(cls.Urgent)
	start, ok := FindSlot(busy, now, horizon, d)
	if !ok {
		log.Printf("[Proposal] No free slot for item %s inside the lookahead window", item.CanonicalID)
		return nil, nil
	}
	end := start.Add(d)

	var actions []domain.ProposedAction
	if cls.Type == domain.ProposalRescheduleMeeting {
		target, err := e.items.NextEvent(item.ConnectionID, now, horizon)
		if err != nil {
			return nil, fmt.Errorf("find target event: %w", err)
		}
		if target != nil {
			actions = append(actions, domain.ProposedAction{
				Kind:       domain.ActionCalendarUpdate,
				CalendarID: eventCalendar(target),
				EventID:    target.ProtocolRef,
				Title:      target.Name,
				StartsAt:   &start,
				EndsAt:     &end,
			})
		} else {
			actions = append(actions, domain.ProposedAction{
				Kind:       domain.ActionCalendarCreate,
				CalendarID: defaultCalendar(conn.CalendarIDs),
				Title:      holdTitle(item.Name),
				StartsAt:   &start,
				EndsAt:     &end,
			})
		}
	} else {
		actions = append(actions, domain.ProposedAction{
			Kind:       domain.ActionCalendarCreate,
			CalendarID: defaultCalendar(conn.CalendarIDs),
			Title:      holdTitle(item.Name),
			StartsAt:   &start,
			EndsAt:     &end,
		})
	}

	if len(item.Participants) > 0 {
		actions = append(actions, domain.ProposedAction{
			Kind:         domain.ActionMailReply,
			ReplyTo:      item.Participants,
			ReplySubject: replySubject(item.Name),
			ReplyBody: fmt.Sprintf(
				"Proposing %s to %s UTC for this. Does that work?",
				start.Format("Mon, 02 Jan 15:04"), end.Format("15:04"),
			),
			ThreadID:  metaString(item.ProviderMetadata, "thread_id"),
			InReplyTo: metaString(item.ProviderMetadata, "message_id"),
		})
	}

	return &plan{cls: cls, slot: start, duration: d, actions: actions}, nil
}

// Confirm executes a pending proposal's write-backs. The status flips
// to confirmed before any external call, so a concurrent or repeated
// confirmation finds the proposal resolved and executes nothing.
// Exactly one audit entry records the outcome of every action.
func (e *Engine) Confirm(ctx context.Context, id string) (*domain.ActionProposal, error) {
	proposal, err := e.proposals.FindByID(id)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, ErrProposalNotFound
	}

	claimed, err := e.proposals.Resolve(id, domain.ProposalPending, domain.ProposalConfirmed)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, ErrProposalResolved
	}
	proposal.Status = domain.ProposalConfirmed

	conn, err := e.connections.FindByID(proposal.ConnectionID)
	if err != nil {
		return nil, err
	}

	outcomes := e.executeActions(ctx, conn, proposal)
	entry := &domain.AuditLogEntry{
		ID:         uuid.New().String(),
		ProposalID: proposal.ID,
		Action:     "confirmed",
		Detail: domain.AuditDetail{
			"proposal_type": string(proposal.Type),
			"item_id":       proposal.ItemID,
			"actions":       outcomes,
		},
	}
	if err := e.audit.Append(entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	metrics.Proposals.WithLabelValues(string(proposal.Type), "confirmed").Inc()
	log.Printf("[Proposal] Confirmed proposal %s (%d actions)", proposal.ID, len(proposal.Payload.Actions))
	return proposal, nil
}

// Reject resolves a pending proposal without any external call.
func (e *Engine) Reject(id string) (*domain.ActionProposal, error) {
	proposal, err := e.proposals.FindByID(id)
	if err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, ErrProposalNotFound
	}

	resolved, err := e.proposals.Resolve(id, domain.ProposalPending, domain.ProposalRejected)
	if err != nil {
		return nil, err
	}
	if !resolved {
		return nil, ErrProposalResolved
	}
	proposal.Status = domain.ProposalRejected

	metrics.Proposals.WithLabelValues(string(proposal.Type), "rejected").Inc()
	log.Printf("[Proposal] Rejected proposal %s", proposal.ID)
	return proposal, nil
}

// executeActions runs every write-back once and records the per-action
// outcome. Failures do not abort later actions; the audit detail keeps
// what actually happened.
func (e *Engine) executeActions(ctx context.Context, conn *conndomain.Connection, proposal *domain.ActionProposal) []map[string]interface{} {
	outcomes := make([]map[string]interface{}, 0, len(proposal.Payload.Actions))

	var mail provider.MailClient
	var cal provider.CalendarClient

	for _, action := range proposal.Payload.Actions {
		outcome := map[string]interface{}{"kind": string(action.Kind), "status": "ok"}

		if conn == nil {
			outcome["status"] = "failed"
			outcome["error"] = "connection no longer exists"
			outcomes = append(outcomes, outcome)
			continue
		}

		var err error
		switch action.Kind {
		case domain.ActionCalendarCreate, domain.ActionCalendarUpdate:
			if cal == nil {
				cal, err = e.factory.Calendar(ctx, conn)
			}
			if err == nil {
				err = runCalendarAction(ctx, cal, action, outcome)
			}
		case domain.ActionMailReply:
			if mail == nil {
				mail, err = e.factory.Mail(ctx, conn)
			}
			if err == nil {
				err = mail.SendReply(ctx, provider.Reply{
					To:        action.ReplyTo,
					Subject:   action.ReplySubject,
					Body:      action.ReplyBody,
					ThreadID:  action.ThreadID,
					InReplyTo: action.InReplyTo,
				})
			}
		default:
			err = fmt.Errorf("unknown action kind %s", action.Kind)
		}

		if err != nil {
			if errors.Is(err, provider.ErrNotSupported) {
				outcome["status"] = "skipped"
			} else {
				outcome["status"] = "failed"
			}
			outcome["error"] = err.Error()
			log.Printf("[Proposal] Action %s on proposal %s: %v", action.Kind, proposal.ID, err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func runCalendarAction(ctx context.Context, cal provider.CalendarClient, action domain.ProposedAction, outcome map[string]interface{}) error {
	write := provider.EventWrite{
		CalendarID: action.CalendarID,
		EventID:    action.EventID,
		Title:      action.Title,
	}
	if action.StartsAt != nil {
		write.StartsAt = *action.StartsAt
	}
	if action.EndsAt != nil {
		write.EndsAt = *action.EndsAt
	}

	if action.Kind == domain.ActionCalendarCreate {
		eventID, err := cal.CreateEvent(ctx, write)
		if err != nil {
			return err
		}
		outcome["event_id"] = eventID
		return nil
	}
	return cal.UpdateEvent(ctx, write)
}

func rationale(cls Classification) string {
	switch {
	case cls.Type == domain.ProposalRescheduleMeeting && len(cls.Matched) == 0:
		return "Event overlaps another calendar entry; next free slot proposed."
	case cls.Type == domain.ProposalRescheduleMeeting:
		return fmt.Sprintf("Message mentions scheduling (%s); next free slot proposed.", strings.Join(cls.Matched, ", "))
	default:
		return fmt.Sprintf("Message looks like a request (%s); hold proposed for handling it.", strings.Join(cls.Matched, ", "))
	}
}

func eventCalendar(item *itemdomain.CanonicalItem) string {
	if item.Container != "" {
		return item.Container
	}
	return "primary"
}

func defaultCalendar(ids []string) string {
	if len(ids) > 0 {
		return ids[0]
	}
	return "primary"
}

func holdTitle(name string) string {
	if name == "" {
		return "Hold"
	}
	return "Hold: " + name
}

func replySubject(name string) string {
	if name == "" {
		return "Re:"
	}
	return "Re: " + name
}

func metaString(meta itemdomain.JSONMap, key string) string {
	raw, _ := meta["raw"].(map[string]interface{})
	if raw == nil {
		return ""
	}
	value, _ := raw[key].(string)
	return value
}
