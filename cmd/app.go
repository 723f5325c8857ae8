package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/juju/clock"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/config"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/events"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/lock"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/processor"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/reader"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/repository"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/service"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/vault"
)

// app holds the wired components and the connections to release on exit.
type app struct {
	cfg          *config.Config
	db           *sql.DB
	redis        *redis.Client
	nc           *nats.Conn
	publisher    *events.KafkaPublisher
	vault        *vault.Vault
	orchestrator *service.Orchestrator
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	mode := models.Mode(cfg.ProcessorMode)
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid processor mode %q", cfg.ProcessorMode)
	}

	// Derive the vault key
	key, degraded, err := vault.KeyFromSecrets(cfg.VaultKey, cfg.SessionSecret)
	if err != nil {
		return nil, err
	}
	if degraded {
		telemetry.Logger.Warn("VAULT_ENCRYPTION_KEY is not set, deriving the vault key from SESSION_SECRET")
	}
	cipher, err := vault.NewCipher(key)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	// Open the database
	var dialect repository.Dialect
	a.db, dialect, err = repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	// Initialize repositories
	credentials := repository.NewCredentialRepository(a.db, dialect)
	if err := credentials.InitDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize credential store: %w", err)
	}
	transactions := repository.NewTransactionRepository(a.db, dialect)
	if err := transactions.InitDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize transaction store: %w", err)
	}
	a.vault = vault.New(credentials, cipher, clock.WallClock)

	var locker interfaces.Locker = lock.NewKeyedLocker()
	var dedupe service.Deduper = service.NopDeduper{}
	var prefs interfaces.PreferenceStore = reader.NewMemoryPreferenceStore()
	// Connect to Redis
	if cfg.RedisURL != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		locker = lock.Chain{locker, lock.NewRedisLocker(a.redis, lock.RedisLockerConfig{})}
		dedupe = service.NewRedisDeduper(a.redis, cfg.WebhookDedupTTL)
		prefs = reader.NewRedisPreferenceStore(a.redis, deviceID())
	}

	var publisher interfaces.EventPublisher = events.NopPublisher{}
	// Connect to Kafka
	if cfg.KafkaBrokers != "" {
		a.publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.EventsTopic)
		publisher = a.publisher
	}

	// Register processors
	registry := processor.NewRegistry(
		processor.NewStripeClient(cfg.StripeBaseURL, mode, a.vault, nil),
		processor.NewSimulatedProcessor(""),
	)
	if err := registry.SetDefault(cfg.Processor); err != nil {
		return nil, err
	}
	proc, err := registry.Default()
	if err != nil {
		return nil, err
	}

	driver, err := a.readerDriver()
	if err != nil {
		return nil, err
	}

	// Initialize reader manager
	readerCfg := reader.DefaultConfig()
	readerCfg.DiscoveryTimeout = cfg.DiscoveryTimeout
	readerCfg.PreferredGrace = cfg.PreferredGrace
	readerCfg.ConnectTimeout = cfg.ConnectTimeout
	readerCfg.Preferences = prefs
	readers := reader.NewManager(driver, proc, readerCfg)

	// Initialize orchestrator service
	reconciler := service.NewReconciler(transactions, locker, publisher, clock.WallClock)
	a.orchestrator = service.NewOrchestrator(service.Deps{
		Vault:      a.vault,
		Registry:   registry,
		Readers:    readers,
		Lifecycle:  service.NewCoordinator(proc, reconciler, cfg.CollectTimeout),
		Reconciler: reconciler,
		Repo:       transactions,
		Dedupe:     dedupe,
	})

	telemetry.Logger.Info("Components initialized",
		zap.String("db_driver", cfg.DatabaseDriver),
		zap.String("processor", proc.Name()),
		zap.String("mode", string(mode)),
		zap.String("reader_driver", cfg.ReaderDriver),
		zap.Bool("redis", a.redis != nil),
		zap.Bool("kafka", a.publisher != nil),
	)
	ok = true
	return a, nil
}

func (a *app) readerDriver() (interfaces.ReaderDriver, error) {
	switch a.cfg.ReaderDriver {
	case "simulated":
		return reader.NewSimulatedDriver(reader.DefaultSimulatedReader()), nil
	case "nats":
		if a.cfg.NatsURL == "" {
			return nil, errors.New("READER_DRIVER=nats requires NATS_URL")
		}
		nc, err := nats.Connect(a.cfg.NatsURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		a.nc = nc
		return reader.NewNATSDriver(nc, "terminal"), nil
	}
	return nil, fmt.Errorf("unknown reader driver %q", a.cfg.ReaderDriver)
}

func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			telemetry.Logger.Warn("Failed to close Kafka writer", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}

// deviceID scopes the remembered reader to this host.
func deviceID() string {
	if id := os.Getenv("DEVICE_ID"); id != "" {
		return id
	}
	host, err := os.Hostname()
	if err != nil {
		return "default"
	}
	return host
}
