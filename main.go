package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	api "flowdesk-sync/cmd/api"
	connrepo "flowdesk-sync/internal/connection/repository"
	"flowdesk-sync/internal/credential"
	itemrepo "flowdesk-sync/internal/item/repository"
	"flowdesk-sync/internal/notification"
	"flowdesk-sync/internal/outbox"
	outboxdomain "flowdesk-sync/internal/outbox/domain"
	outboxrepo "flowdesk-sync/internal/outbox/repository"
	"flowdesk-sync/internal/proposal"
	proposalrepo "flowdesk-sync/internal/proposal/repository"
	"flowdesk-sync/internal/provider/clients"
	syncsvc "flowdesk-sync/internal/sync"
	"flowdesk-sync/pkg/config"
	"flowdesk-sync/pkg/database"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize database
	db, err := database.NewPostgresConnection(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Initialize repositories (dependency injection)
	connections := connrepo.NewGormConnectionRepository(db)
	items := itemrepo.NewGormItemStore(db)
	outboxRepo := outboxrepo.NewGormOutboxRepository(db, 0)
	candidates := proposalrepo.NewGormCandidateQueue(db, 0)
	proposals := proposalrepo.NewGormProposalRepository(db, cfg.ProposalExpireAfter)
	audit := proposalrepo.NewGormAuditLog(db)

	// Credential resolver and provider client factory
	resolver := credential.NewResolver(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.EncryptionKey, connections)
	factory := clients.NewFactory(resolver, cfg.MailPageSize, cfg.RelistCap, cfg.BackfillSpan)

	// Sync orchestrator; the full topic resource name also serves as the
	// watch registration target.
	topicResource := ""
	if cfg.PubSubProjectID != "" && cfg.PubSubTopic != "" {
		topicResource = fmt.Sprintf("projects/%s/topics/%s", cfg.PubSubProjectID, cfg.PubSubTopic)
	}
	orchestrator := syncsvc.NewOrchestrator(connections, items, outboxRepo, factory, topicResource)

	// Proposal engine
	engine := proposal.NewEngine(
		proposal.DefaultPolicy().WithLookahead(cfg.ProposalLookahead),
		candidates, proposals, audit, items, connections, factory,
		cfg.ProposalWorkers, cfg.ProposalBatchSize, cfg.ProposalMaxAttempts, cfg.ProposalPollInterval,
	)

	// Outbox dispatcher with handlers for every event type
	dispatcher := outbox.NewDispatcher(outboxRepo, cfg.OutboxWorkers, cfg.OutboxBatchSize, cfg.OutboxMaxAttempts, cfg.OutboxPollInterval)
	dispatcher.Register(outboxdomain.EventSyncRequested, syncsvc.NewSyncRequestedHandler(orchestrator))
	dispatcher.Register(outboxdomain.EventItemCreated, proposal.NewItemCreatedHandler(candidates, connections))
	dispatcher.Register(outboxdomain.EventItemUpdated, outbox.NoopHandler())
	dispatcher.Register(outboxdomain.EventItemArchived, syncsvc.NewItemArchivedHandler(items, connections, factory))
	dispatcher.Start()
	defer dispatcher.Stop()

	// Periodic sync scheduler
	scheduler := syncsvc.NewScheduler(connections, outboxRepo, cfg.SyncTickInterval)
	scheduler.Start()
	defer scheduler.Stop()

	// Notification gateway (Pub/Sub pull) and watch renewal.
	// Only start if a project is configured.
	if cfg.PubSubProjectID != "" {
		subscriptionName := cfg.PubSubSubscription
		if parts := strings.Split(subscriptionName, "/"); len(parts) > 1 {
			subscriptionName = parts[len(parts)-1]
		}

		gateway, err := notification.NewGateway(context.Background(), cfg.PubSubProjectID, subscriptionName,
			connections, outboxRepo, cfg.PullBatchSize, cfg.PullInterval, cfg.GoogleCredentials)
		if err != nil {
			log.Printf("[Main] Notification gateway disabled: %v", err)
		} else {
			gateway.Start()
			defer gateway.Stop()
		}

		watchManager := notification.NewWatchManager(connections, resolver, factory,
			cfg.PubSubProjectID, cfg.PubSubTopic, cfg.WatchRenewBuffer, cfg.WatchScanInterval)
		watchManager.Start()
		defer watchManager.Stop()
	} else {
		log.Println("[Main] PUBSUB_PROJECT_ID not configured, notification gateway disabled")
	}

	// Proposal engine workers
	engine.Start()
	defer engine.Stop()

	// Initialize HTTP handler
	handler := api.NewHandler(cfg, connections, items, outboxRepo, candidates, proposals, audit, orchestrator, engine, resolver)

	log.Printf("Server starting on port %s", cfg.Port)
	if err := handler.Start(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
