package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/stretchr/testify/require"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/processor"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/reader"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/repository"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/vault"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events map[string]int
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = map[string]int{}
	}
	p.events[key]++
	return nil
}

func (p *recordingPublisher) count(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[key]
}

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memoryDeduper) Claim(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memoryDeduper) Release(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

type testStore struct {
	transactions *repository.TransactionRepository
	credentials  *repository.CredentialRepository
}

func newTestStore(t *testing.T) testStore {
	t.Helper()
	db, dialect, err := repository.Open("sqlite3", filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := testStore{
		transactions: repository.NewTransactionRepository(db, dialect),
		credentials:  repository.NewCredentialRepository(db, dialect),
	}
	require.NoError(t, s.transactions.InitDB())
	require.NoError(t, s.credentials.InitDB())
	return s
}

func newTestReconciler(t *testing.T) (*Reconciler, *repository.TransactionRepository, *recordingPublisher) {
	t.Helper()
	store := newTestStore(t)
	pub := &recordingPublisher{}
	return NewReconciler(store.transactions, nil, pub, clock.WallClock), store.transactions, pub
}

type testEnv struct {
	orchestrator *Orchestrator
	processor    *processor.SimulatedProcessor
	driver       *reader.SimulatedDriver
	vault        *vault.Vault
	repo         *repository.TransactionRepository
	reconciler   *Reconciler
	dedupe       *memoryDeduper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newTestStore(t)

	key, err := vault.DeriveKey("test-vault-key")
	require.NoError(t, err)
	c, err := vault.NewCipher(key)
	require.NoError(t, err)
	v := vault.New(store.credentials, c, clock.WallClock)

	sim := processor.NewSimulatedProcessor("")
	registry := processor.NewRegistry(sim, processor.NewStripeClient("http://127.0.0.1:0", models.ModeTest, v, nil))

	driver := reader.NewSimulatedDriver(reader.DefaultSimulatedReader())
	cfg := reader.DefaultConfig()
	cfg.DiscoveryTimeout = time.Second
	readers := reader.NewManager(driver, sim, cfg)

	reconciler := NewReconciler(store.transactions, nil, &recordingPublisher{}, clock.WallClock)
	dedupe := &memoryDeduper{}
	o := NewOrchestrator(Deps{
		Vault:      v,
		Registry:   registry,
		Readers:    readers,
		Lifecycle:  NewCoordinator(sim, reconciler, time.Second),
		Reconciler: reconciler,
		Repo:       store.transactions,
		Dedupe:     dedupe,
	})
	return &testEnv{orchestrator: o, processor: sim, driver: driver, vault: v, repo: store.transactions, reconciler: reconciler, dedupe: dedupe}
}
