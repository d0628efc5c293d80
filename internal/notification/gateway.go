package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	pubsub "cloud.google.com/go/pubsub/apiv1"
	"cloud.google.com/go/pubsub/apiv1/pubsubpb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"

	connrepo "flowdesk-sync/internal/connection/repository"
	"flowdesk-sync/internal/metrics"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	outboxrepo "flowdesk-sync/internal/outbox/repository"
)

// MailNotification is the push payload the mail provider publishes on
// the notification topic.
type MailNotification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

// subscriberAPI is the slice of the Pub/Sub subscriber client the
// gateway uses.
type subscriberAPI interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
	Close() error
}

// Gateway pulls mailbox notifications in batches and converts them to
// queued sync jobs. Several notifications for one mailbox inside a
// batch collapse into a single job; every pulled message is
// acknowledged once the jobs are durably enqueued.
type Gateway struct {
	subscriber   subscriberAPI
	subscription string
	connections  connrepo.ConnectionRepository
	outbox       outboxrepo.OutboxRepository
	batchSize    int
	pollInterval time.Duration
	stopChan     chan struct{}
}

func NewGateway(ctx context.Context, projectID, subscriptionName string, connections connrepo.ConnectionRepository, outbox outboxrepo.OutboxRepository, batchSize int, pollInterval time.Duration, credentialsFile string) (*Gateway, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	subscriber, err := pubsub.NewSubscriberClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscriber client: %w", err)
	}

	if batchSize <= 0 {
		batchSize = 50
	}
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	return &Gateway{
		subscriber:   subscriber,
		subscription: fmt.Sprintf("projects/%s/subscriptions/%s", projectID, subscriptionName),
		connections:  connections,
		outbox:       outbox,
		batchSize:    batchSize,
		pollInterval: pollInterval,
		stopChan:     make(chan struct{}),
	}, nil
}

// Start begins the pull loop.
func (g *Gateway) Start() {
	log.Printf("[PubSub] Starting notification gateway on %s (batch %d)", g.subscription, g.batchSize)

	go func() {
		ticker := time.NewTicker(g.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := g.PullOnce(context.Background()); err != nil {
					log.Printf("[PubSub] Pull error: %v", err)
					metrics.PullBatches.WithLabelValues("error").Inc()
				}
			case <-g.stopChan:
				log.Println("[PubSub] Notification gateway stopped")
				return
			}
		}
	}()
}

// Stop halts the pull loop and releases the subscriber.
func (g *Gateway) Stop() {
	close(g.stopChan)
	if err := g.subscriber.Close(); err != nil {
		log.Printf("[PubSub] Error closing subscriber: %v", err)
	}
}

// PullOnce pulls one batch, enqueues at most one mail sync job per
// mailbox, and acknowledges every pulled message. Acknowledgement only
// happens after the jobs are durably enqueued; on enqueue failure the
// batch stays unacked and redelivers, which the dedupe key absorbs.
func (g *Gateway) PullOnce(ctx context.Context) (int, error) {
	resp, err := g.subscriber.Pull(ctx, &pubsubpb.PullRequest{
		Subscription: g.subscription,
		MaxMessages:  int32(g.batchSize),
	})
	if err != nil {
		return 0, fmt.Errorf("pull: %w", err)
	}
	if len(resp.ReceivedMessages) == 0 {
		metrics.PullBatches.WithLabelValues("empty").Inc()
		return 0, nil
	}

	ackIDs := make([]string, 0, len(resp.ReceivedMessages))
	latest := make(map[string]uint64)
	for _, rm := range resp.ReceivedMessages {
		ackIDs = append(ackIDs, rm.AckId)

		var notification MailNotification
		if err := json.Unmarshal(rm.Message.Data, &notification); err != nil {
			log.Printf("[PubSub] Discarding malformed notification: %v", err)
			continue
		}
		if notification.EmailAddress == "" {
			log.Printf("[PubSub] Discarding notification without mailbox address")
			continue
		}
		if notification.HistoryID > latest[notification.EmailAddress] {
			latest[notification.EmailAddress] = notification.HistoryID
		}
	}

	jobs := 0
	for identity, historyID := range latest {
		enqueued, err := g.enqueueSync(identity, historyID)
		if err != nil {
			return jobs, err
		}
		if enqueued {
			jobs++
		}
	}

	if err := g.subscriber.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: g.subscription,
		AckIds:       ackIDs,
	}); err != nil {
		return jobs, fmt.Errorf("acknowledge: %w", err)
	}

	log.Printf("[PubSub] Pulled %d notifications for %d mailboxes, enqueued %d sync jobs", len(resp.ReceivedMessages), len(latest), jobs)
	metrics.PullBatches.WithLabelValues("ok").Inc()
	return jobs, nil
}

func (g *Gateway) enqueueSync(identity string, historyID uint64) (bool, error) {
	conn, err := g.connections.FindByIdentity(identity)
	if err != nil {
		return false, err
	}
	if conn == nil {
		log.Printf("[PubSub] No connection for mailbox %s, dropping notification", identity)
		return false, nil
	}
	if !conn.Active || conn.NeedsReconnect {
		log.Printf("[PubSub] Connection %s not syncable, dropping notification", conn.ID)
		return false, nil
	}

	payload := outboxdomain.SyncRequestedPayload{
		ConnectionID: conn.ID,
		Resource:     "mail",
	}
	dedupeKey := fmt.Sprintf("sync:%s:mail", conn.ID)
	enqueued, err := g.outbox.Enqueue(outboxdomain.EventSyncRequested, payload, dedupeKey)
	if err != nil {
		return false, err
	}
	if enqueued {
		log.Printf("[PubSub] Notification for %s (historyId %d) enqueued mail sync", identity, historyID)
	}
	return enqueued, nil
}
