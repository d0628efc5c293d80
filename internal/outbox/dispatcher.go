package outbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"flowdesk-sync/internal/metrics"
	"flowdesk-sync/internal/outbox/domain"
	"flowdesk-sync/internal/outbox/repository"
)

// Handler processes one claimed event. A nil return finalizes the
// event; an error releases it for retry.
type Handler func(ctx context.Context, event *domain.OutboxEvent) error

// NoopHandler settles events that exist only as a durable record for
// downstream consumers.
func NoopHandler() Handler {
	return func(ctx context.Context, event *domain.OutboxEvent) error {
		return nil
	}
}

// Dispatcher drains the outbox with a fixed worker pool. Each worker
// claims a batch, runs the registered handler per event, and settles
// the outcome. Handlers must be idempotent: a crash between handling
// and settling re-delivers the event.
type Dispatcher struct {
	repo         repository.OutboxRepository
	handlers     map[domain.EventType]Handler
	workers      int
	batchSize    int
	maxAttempts  int
	pollInterval time.Duration
	unitTimeout  time.Duration

	stopChan chan struct{}
	workerWg sync.WaitGroup
}

func NewDispatcher(repo repository.OutboxRepository, workers, batchSize, maxAttempts int, pollInterval time.Duration) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Dispatcher{
		repo:         repo,
		handlers:     make(map[domain.EventType]Handler),
		workers:      workers,
		batchSize:    batchSize,
		maxAttempts:  maxAttempts,
		pollInterval: pollInterval,
		unitTimeout:  2 * time.Minute,
		stopChan:     make(chan struct{}),
	}
}

// Register wires a handler for one event type. Must be called before
// Start.
func (d *Dispatcher) Register(eventType domain.EventType, handler Handler) {
	d.handlers[eventType] = handler
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	log.Printf("[Outbox] Starting %d dispatch workers (batch %d, poll %s)", d.workers, d.batchSize, d.pollInterval)
	for i := 0; i < d.workers; i++ {
		d.workerWg.Add(1)
		go d.worker(i)
	}
}

// Stop halts polling and waits for in-flight events to settle.
func (d *Dispatcher) Stop() {
	close(d.stopChan)
	d.workerWg.Wait()
	log.Println("[Outbox] Dispatcher stopped")
}

func (d *Dispatcher) worker(workerID int) {
	defer d.workerWg.Done()

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.ProcessBatch(context.Background()); err != nil {
				log.Printf("[Outbox] Worker %d: batch error: %v", workerID, err)
			}
		case <-d.stopChan:
			return
		}
	}
}

// ProcessBatch claims and settles up to one batch of due events. It
// returns how many events were handled successfully.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (int, error) {
	events, err := d.repo.ClaimBatch(d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("claim batch: %w", err)
	}

	processed := 0
	for _, event := range events {
		if err := d.handle(ctx, event); err != nil {
			log.Printf("[Outbox] Event %s (%s) attempt %d failed: %v", event.ID, event.EventType, event.Attempts+1, err)
			if ferr := d.repo.Fail(event, err, d.maxAttempts); ferr != nil {
				return processed, fmt.Errorf("record failure for %s: %w", event.ID, ferr)
			}
			if event.DeadLetteredAt != nil {
				log.Printf("[Outbox] Event %s (%s) dead-lettered after %d attempts", event.ID, event.EventType, event.Attempts)
				metrics.OutboxEvents.WithLabelValues(string(event.EventType), "dead_letter").Inc()
			} else {
				metrics.OutboxEvents.WithLabelValues(string(event.EventType), "failed").Inc()
			}
			continue
		}

		if err := d.repo.MarkProcessed(event.ID); err != nil {
			return processed, fmt.Errorf("mark processed %s: %w", event.ID, err)
		}
		metrics.OutboxEvents.WithLabelValues(string(event.EventType), "processed").Inc()
		processed++
	}
	return processed, nil
}

func (d *Dispatcher) handle(ctx context.Context, event *domain.OutboxEvent) error {
	handler, ok := d.handlers[event.EventType]
	if !ok {
		return fmt.Errorf("no handler registered for %s", event.EventType)
	}

	unitCtx, cancel := context.WithTimeout(ctx, d.unitTimeout)
	defer cancel()
	return handler(unitCtx, event)
}
