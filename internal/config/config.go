package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	NatsURL        string
	JaegerEndpoint string
	Port           string

	VaultKey      string
	SessionSecret string

	Processor     string
	ProcessorMode string
	StripeBaseURL string

	ReaderDriver     string
	DiscoveryTimeout time.Duration
	PreferredGrace   time.Duration
	ConnectTimeout   time.Duration
	CollectTimeout   time.Duration

	WebhookTopic    string
	EventsTopic     string
	WebhookDedupTTL time.Duration
}

// Load reads the environment, after merging an optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DatabaseDriver: getEnv("DATABASE_DRIVER", "sqlite3"),
		DatabaseURL:    getEnv("DATABASE_URL", "file:terminal.db?_busy_timeout=5000"),
		RedisURL:       os.Getenv("REDIS_URL"),
		KafkaBrokers:   os.Getenv("KAFKA_BROKERS"),
		NatsURL:        os.Getenv("NATS_URL"),
		JaegerEndpoint: os.Getenv("JAEGER_ENDPOINT"),
		Port:           getEnv("PORT", "8082"),

		VaultKey:      os.Getenv("VAULT_ENCRYPTION_KEY"),
		SessionSecret: os.Getenv("SESSION_SECRET"),

		Processor:     getEnv("PROCESSOR", "stripe"),
		ProcessorMode: getEnv("PROCESSOR_MODE", "test"),
		StripeBaseURL: getEnv("STRIPE_API_BASE", "https://api.stripe.com"),

		ReaderDriver:     getEnv("READER_DRIVER", "simulated"),
		DiscoveryTimeout: getDuration("READER_DISCOVERY_TIMEOUT", 15*time.Second),
		PreferredGrace:   getDuration("READER_PREFERRED_GRACE", 2*time.Second),
		ConnectTimeout:   getDuration("READER_CONNECT_TIMEOUT", 30*time.Second),
		CollectTimeout:   getDuration("READER_COLLECT_TIMEOUT", 2*time.Minute),

		WebhookTopic:    getEnv("WEBHOOK_TOPIC", "processor.webhooks"),
		EventsTopic:     getEnv("EVENTS_TOPIC", "transaction.reconciled"),
		WebhookDedupTTL: getDuration("WEBHOOK_DEDUP_TTL", 24*time.Hour),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
