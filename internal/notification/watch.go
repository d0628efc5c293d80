package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	connrepo "flowdesk-sync/internal/connection/repository"
	"flowdesk-sync/internal/credential"
	"flowdesk-sync/internal/provider"
)

// WatchManager keeps push registrations alive. Mailbox watches expire
// roughly weekly; the manager re-registers every watch that is inside
// the renewal buffer of its expiry, skipping connections whose stored
// credential no longer even decrypts.
type WatchManager struct {
	connections  connrepo.ConnectionRepository
	resolver     credential.Resolver
	clients      provider.ClientFactory
	topic        string
	renewBuffer  time.Duration
	scanInterval time.Duration
	stopChan     chan struct{}
}

func NewWatchManager(connections connrepo.ConnectionRepository, resolver credential.Resolver, clients provider.ClientFactory, projectID, topicName string, renewBuffer, scanInterval time.Duration) *WatchManager {
	if renewBuffer <= 0 {
		renewBuffer = 12 * time.Hour
	}
	if scanInterval <= 0 {
		scanInterval = time.Hour
	}
	return &WatchManager{
		connections:  connections,
		resolver:     resolver,
		clients:      clients,
		topic:        fmt.Sprintf("projects/%s/topics/%s", projectID, topicName),
		renewBuffer:  renewBuffer,
		scanInterval: scanInterval,
		stopChan:     make(chan struct{}),
	}
}

// Start begins the renewal loop.
func (m *WatchManager) Start() {
	log.Printf("[WatchManager] Starting renewal loop (buffer %s, scan every %s)", m.renewBuffer, m.scanInterval)

	go func() {
		m.RenewDue(context.Background())

		ticker := time.NewTicker(m.scanInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.RenewDue(context.Background())
			case <-m.stopChan:
				log.Println("[WatchManager] Renewal loop stopped")
				return
			}
		}
	}()
}

// Stop gracefully stops the renewal loop
func (m *WatchManager) Stop() {
	close(m.stopChan)
}

// RenewDue re-registers every watch expiring inside the buffer.
func (m *WatchManager) RenewDue(ctx context.Context) {
	conns, err := m.connections.FindWatchExpiring(time.Now().Add(m.renewBuffer))
	if err != nil {
		log.Printf("[WatchManager] Error listing expiring watches: %v", err)
		return
	}

	for _, conn := range conns {
		if conn.NeedsReconnect {
			continue
		}
		if err := m.resolver.Check(conn); err != nil {
			log.Printf("[WatchManager] Skipping %s, credential unusable: %v", conn.ID, err)
			continue
		}

		client, err := m.clients.Mail(ctx, conn)
		if err != nil {
			m.recordFailure(conn.ID, err)
			continue
		}

		historyID, expiresAt, err := client.Watch(ctx, m.topic)
		if err != nil {
			m.recordFailure(conn.ID, err)
			continue
		}

		if err := m.connections.UpdateWatch(conn.ID, historyID, expiresAt); err != nil {
			log.Printf("[WatchManager] Failed to persist watch for %s: %v", conn.ID, err)
			continue
		}
		log.Printf("[WatchManager] Renewed watch for %s until %s", conn.Identity, expiresAt.Format(time.RFC3339))
	}
}

func (m *WatchManager) recordFailure(connectionID string, err error) {
	log.Printf("[WatchManager] Watch renewal failed for %s: %v", connectionID, err)
	if provider.IsCredentialError(err) {
		if markErr := m.connections.MarkNeedsReconnect(connectionID, err.Error()); markErr != nil {
			log.Printf("[WatchManager] Failed to flag reconnect for %s: %v", connectionID, markErr)
		}
	}
}
