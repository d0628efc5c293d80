package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	itemdomain "flowdesk-sync/internal/item/domain"
	itemrepo "flowdesk-sync/internal/item/repository"
	"flowdesk-sync/internal/outbox"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	"flowdesk-sync/internal/provider"

	connrepo "flowdesk-sync/internal/connection/repository"
)

// NewSyncRequestedHandler runs one sync pass per queued request.
func NewSyncRequestedHandler(orchestrator *Orchestrator) outbox.Handler {
	return func(ctx context.Context, event *outboxdomain.OutboxEvent) error {
		var payload outboxdomain.SyncRequestedPayload
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode sync request: %w", err)
		}

		result, err := orchestrator.SyncConnection(ctx, payload.ConnectionID, payload.Resource)
		if err != nil {
			return err
		}
		log.Printf("[Sync] Connection %s %s: %d synced, %d created, %d updated, %d archived, %d skipped",
			payload.ConnectionID, payload.Resource, result.Synced, result.Created, result.Updated, result.Archived, result.Skipped)
		return nil
	}
}

// NewItemArchivedHandler propagates an archive back to the mail source
// by marking the message read. Calendar archives need no side effect.
// Marking an already-read message read again is harmless, which keeps
// re-delivery safe.
func NewItemArchivedHandler(items itemrepo.ItemStore, connections connrepo.ConnectionRepository, clients provider.ClientFactory) outbox.Handler {
	return func(ctx context.Context, event *outboxdomain.OutboxEvent) error {
		var payload outboxdomain.ItemEventPayload
		if err := json.Unmarshal([]byte(event.Payload), &payload); err != nil {
			return fmt.Errorf("decode item event: %w", err)
		}
		if payload.Source != string(itemdomain.SourceMail) {
			return nil
		}

		item, err := items.FindByID(payload.CanonicalID)
		if err != nil {
			return err
		}
		if item == nil || item.ProtocolRef == "" {
			return nil
		}

		conn, err := connections.FindByID(payload.ConnectionID)
		if err != nil {
			return err
		}
		if conn == nil || !conn.Active {
			return nil
		}

		client, err := clients.Mail(ctx, conn)
		if err != nil {
			return err
		}
		if err := client.MarkRead(ctx, item.ProtocolRef); err != nil {
			return fmt.Errorf("mark source read for %s: %w", payload.CanonicalID, err)
		}
		log.Printf("[Sync] Marked source message read for archived item %s", payload.CanonicalID)
		return nil
	}
}
