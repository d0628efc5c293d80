package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	DatabaseDSN        string
	JWTSecret          string
	EncryptionKey      string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleCredentials  string

	PubSubProjectID    string
	PubSubSubscription string
	PubSubTopic        string
	PullBatchSize      int
	PullInterval       time.Duration

	SyncTickInterval  time.Duration
	MailPageSize      int
	RelistCap         int
	BackfillSpan      time.Duration
	WatchRenewBuffer  time.Duration
	WatchScanInterval time.Duration

	OutboxWorkers      int
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxPollInterval time.Duration

	ProposalWorkers      int
	ProposalBatchSize    int
	ProposalMaxAttempts  int
	ProposalPollInterval time.Duration
	ProposalLookahead    time.Duration
	ProposalExpireAfter  time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDSN:        getEnv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=flowdesk port=5432 sslmode=disable"),
		JWTSecret:          getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		EncryptionKey:      getEnv("ENCRYPTION_KEY", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleCredentials:  getEnv("GOOGLE_CREDENTIALS", ""),

		PubSubProjectID:    getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubSubscription: getEnv("PUBSUB_SUBSCRIPTION", "mail-notifications-sub"),
		PubSubTopic:        getEnv("PUBSUB_TOPIC", "mail-notifications"),
		PullBatchSize:      getEnvInt("PULL_BATCH_SIZE", 50),
		PullInterval:       getEnvDuration("PULL_INTERVAL", 10*time.Second),

		SyncTickInterval:  getEnvDuration("SYNC_TICK_INTERVAL", time.Minute),
		MailPageSize:      getEnvInt("MAIL_PAGE_SIZE", 100),
		RelistCap:         getEnvInt("RELIST_CAP", 500),
		BackfillSpan:      getEnvDuration("BACKFILL_SPAN", 365*24*time.Hour),
		WatchRenewBuffer:  getEnvDuration("WATCH_RENEW_BUFFER", 12*time.Hour),
		WatchScanInterval: getEnvDuration("WATCH_SCAN_INTERVAL", time.Hour),

		OutboxWorkers:      getEnvInt("OUTBOX_WORKERS", 4),
		OutboxBatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 20),
		OutboxMaxAttempts:  getEnvInt("OUTBOX_MAX_ATTEMPTS", 5),
		OutboxPollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", 5*time.Second),

		ProposalWorkers:      getEnvInt("PROPOSAL_WORKERS", 2),
		ProposalBatchSize:    getEnvInt("PROPOSAL_BATCH_SIZE", 10),
		ProposalMaxAttempts:  getEnvInt("PROPOSAL_MAX_ATTEMPTS", 3),
		ProposalPollInterval: getEnvDuration("PROPOSAL_POLL_INTERVAL", 10*time.Second),
		ProposalLookahead:    getEnvDuration("PROPOSAL_LOOKAHEAD", 14*24*time.Hour),
		ProposalExpireAfter:  getEnvDuration("PROPOSAL_EXPIRE_AFTER", 7*24*time.Hour),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
