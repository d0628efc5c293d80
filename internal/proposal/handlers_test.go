package proposal

import (
	"context"
	"encoding/json"
	"testing"

	conndomain "flowdesk-sync/internal/connection/domain"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
)

func itemCreatedEvent(t *testing.T, canonicalID, connectionID string) *outboxdomain.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(outboxdomain.ItemEventPayload{
		CanonicalID:  canonicalID,
		ConnectionID: connectionID,
		Source:       "mail",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &outboxdomain.OutboxEvent{
		ID:        "evt-1",
		EventType: outboxdomain.EventItemCreated,
		Payload:   string(payload),
	}
}

func TestItemCreatedHandler_QueuesCandidate(t *testing.T) {
	queue := &fakeCandidateQueue{}
	conns := newFakeConnectionStore(&conndomain.Connection{
		ID:     "conn-1",
		OrgID:  "org-1",
		UserID: "user-1",
		Active: true,
	})
	handler := NewItemCreatedHandler(queue, conns)

	if err := handler(context.Background(), itemCreatedEvent(t, "item-1", "conn-1")); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}

	if len(queue.candidates) != 1 {
		t.Fatalf("queued %d candidates, want 1", len(queue.candidates))
	}
	cand := queue.candidates[0]
	if cand.ItemID != "item-1" || cand.ConnectionID != "conn-1" {
		t.Errorf("candidate = (%q, %q), want item-1 on conn-1", cand.ItemID, cand.ConnectionID)
	}
	if cand.OrgID != "org-1" || cand.UserID != "user-1" {
		t.Errorf("ownership = (%q, %q), want carried from the connection", cand.OrgID, cand.UserID)
	}
	if cand.TriggerKind != "item.created" {
		t.Errorf("TriggerKind = %q, want item.created", cand.TriggerKind)
	}
}

func TestItemCreatedHandler_RedeliveryQueuesOnce(t *testing.T) {
	queue := &fakeCandidateQueue{}
	conns := newFakeConnectionStore(&conndomain.Connection{ID: "conn-1", Active: true})
	handler := NewItemCreatedHandler(queue, conns)

	for i := 0; i < 3; i++ {
		if err := handler(context.Background(), itemCreatedEvent(t, "item-1", "conn-1")); err != nil {
			t.Fatalf("delivery %d returned error: %v", i, err)
		}
	}

	if len(queue.candidates) != 1 {
		t.Errorf("queued %d candidates after redelivery, want 1", len(queue.candidates))
	}
}

func TestItemCreatedHandler_DropsWhenConnectionGone(t *testing.T) {
	queue := &fakeCandidateQueue{}
	handler := NewItemCreatedHandler(queue, newFakeConnectionStore())

	if err := handler(context.Background(), itemCreatedEvent(t, "item-1", "conn-gone")); err != nil {
		t.Fatalf("handler returned error: %v, want nil for a removed connection", err)
	}
	if len(queue.candidates) != 0 {
		t.Errorf("queued %d candidates, want 0", len(queue.candidates))
	}
}

func TestItemCreatedHandler_RejectsMalformedPayload(t *testing.T) {
	queue := &fakeCandidateQueue{}
	handler := NewItemCreatedHandler(queue, newFakeConnectionStore())

	event := &outboxdomain.OutboxEvent{
		ID:        "evt-bad",
		EventType: outboxdomain.EventItemCreated,
		Payload:   "{not json",
	}
	if err := handler(context.Background(), event); err == nil {
		t.Error("handler accepted a malformed payload, want an error")
	}
}
