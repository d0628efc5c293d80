package sync

import (
	"fmt"
	"log"
	"time"

	connrepo "flowdesk-sync/internal/connection/repository"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	outboxrepo "flowdesk-sync/internal/outbox/repository"
)

// Scheduler enqueues periodic sync jobs for connections whose interval
// has elapsed. It only enqueues; the outbox dispatcher runs the work.
// The dedupe key keeps one outstanding job per connection resource, so
// scheduler ticks and push notifications converge on the same job.
type Scheduler struct {
	connections connrepo.ConnectionRepository
	outbox      outboxrepo.OutboxRepository
	interval    time.Duration
	stopChan    chan struct{}
}

func NewScheduler(connections connrepo.ConnectionRepository, outbox outboxrepo.OutboxRepository, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		connections: connections,
		outbox:      outbox,
		interval:    interval,
		stopChan:    make(chan struct{}),
	}
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	log.Printf("[SyncScheduler] Starting due-check loop (interval: %s)", s.interval)

	go func() {
		// Run immediately on start
		s.enqueueDue()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.enqueueDue()
			case <-s.stopChan:
				log.Println("[SyncScheduler] Scheduler stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopChan)
}

func (s *Scheduler) enqueueDue() {
	now := time.Now()

	conns, err := s.connections.FindActive()
	if err != nil {
		log.Printf("[SyncScheduler] Error listing connections: %v", err)
		return
	}

	for _, conn := range conns {
		if conn.NeedsReconnect {
			continue
		}
		if conn.MailSyncDue(now) {
			s.enqueue(conn.ID, "mail")
		}
		if conn.CalendarSyncDue(now) {
			s.enqueue(conn.ID, "calendar")
		}
	}
}

func (s *Scheduler) enqueue(connectionID, resource string) {
	payload := outboxdomain.SyncRequestedPayload{
		ConnectionID: connectionID,
		Resource:     resource,
	}
	dedupeKey := fmt.Sprintf("sync:%s:%s", connectionID, resource)

	enqueued, err := s.outbox.Enqueue(outboxdomain.EventSyncRequested, payload, dedupeKey)
	if err != nil {
		log.Printf("[SyncScheduler] Error enqueueing %s sync for %s: %v", resource, connectionID, err)
		return
	}
	if enqueued {
		log.Printf("[SyncScheduler] Enqueued %s sync for connection %s", resource, connectionID)
	}
}
