package proposal

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"

	connrepo "flowdesk-sync/internal/connection/repository"
	"flowdesk-sync/internal/outbox"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	"flowdesk-sync/internal/proposal/domain"
	"flowdesk-sync/internal/proposal/repository"
)

// NewItemCreatedHandler queues a proposal candidate for every new item.
// The queue holds at most one active candidate per item, so re-delivery
// of the same event is harmless.
func NewItemCreatedHandler(queue repository.CandidateQueue, connections connrepo.ConnectionRepository) outbox.Handler {
	return func(ctx context.Context, event *outboxdomain.OutboxEvent) error {
		var payload outboxdomain.ItemEventPayload
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode item event: %w", err)
		}

		conn, err := connections.FindByID(payload.ConnectionID)
		if err != nil {
			return err
		}
		if conn == nil {
			// Connection removed between ingest and dispatch.
			return nil
		}

		queued, err := queue.Enqueue(&domain.ProposalCandidate{
			ID:           uuid.New().String(),
			OrgID:        conn.OrgID,
			UserID:       conn.UserID,
			ConnectionID: conn.ID,
			ItemID:       payload.CanonicalID,
			TriggerKind:  string(event.EventType),
		})
		if err != nil {
			return fmt.Errorf("enqueue candidate for %s: %w", payload.CanonicalID, err)
		}
		if queued {
			log.Printf("[Proposal] Queued candidate for item %s", payload.CanonicalID)
		}
		return nil
	}
}
