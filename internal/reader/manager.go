package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/metrics"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

var (
	ErrDiscoveryTimeout  = errors.New("reader discovery timed out")
	ErrDiscoveryCanceled = errors.New("reader discovery canceled")
	ErrDiscoveryFailed   = errors.New("reader discovery failed")
	ErrConnectionToken   = errors.New("connection token unavailable")
	ErrConnectionFailure = errors.New("reader connection failed")
)

// TokenProvider issues reader connection tokens.
type TokenProvider interface {
	CreateConnectionToken(ctx context.Context) (string, error)
}

type Config struct {
	// DiscoveryTimeout is the window one discovery pass waits for a candidate.
	DiscoveryTimeout time.Duration
	// DiscoveryRetries is the number of extra passes after a timed-out one.
	DiscoveryRetries int
	// PreferredGrace bounds how long an already-seen candidate is held back
	// while waiting for the remembered reader.
	PreferredGrace time.Duration
	ConnectTimeout time.Duration
	Preferences    interfaces.PreferenceStore
	Clock          clock.Clock
}

func (c *Config) setDefaults() {
	if c.DiscoveryTimeout <= 0 {
		c.DiscoveryTimeout = 15 * time.Second
	}
	if c.DiscoveryRetries < 0 {
		c.DiscoveryRetries = 0
	}
	if c.PreferredGrace <= 0 {
		c.PreferredGrace = 2 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.Preferences == nil {
		c.Preferences = NewMemoryPreferenceStore()
	}
	if c.Clock == nil {
		c.Clock = clock.WallClock
	}
}

// DefaultConfig retries a timed-out discovery exactly once.
func DefaultConfig() Config {
	return Config{DiscoveryRetries: 1}
}

// attempt is one discovery+connect cycle; every concurrent Connect caller
// awaits the same attempt.
type attempt struct {
	done     chan struct{}
	terminal interfaces.Terminal
	err      error
	cancel   context.CancelFunc
}

// Manager finds and binds a single card reader for the process.
type Manager struct {
	driver interfaces.ReaderDriver
	tokens TokenProvider
	cfg    Config

	mu       sync.Mutex
	state    models.ReaderState
	terminal interfaces.Terminal
	inflight *attempt
	lastErr  error

	// slot is held for the duration of a charge.
	slot chan struct{}
}

func NewManager(driver interfaces.ReaderDriver, tokens TokenProvider, cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		driver: driver,
		tokens: tokens,
		cfg:    cfg,
		state:  models.ReaderIdle,
		slot:   make(chan struct{}, 1),
	}
}

func (m *Manager) State() models.ReaderState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastError is the error that ended the most recent failed attempt.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Bound reports whether a reachable reader is bound.
func (m *Manager) Bound() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boundLocked() != nil
}

func (m *Manager) boundLocked() interfaces.Terminal {
	if m.terminal == nil {
		return nil
	}
	if !m.terminal.Connected() {
		telemetry.Logger.Warn("Bound reader is no longer reachable",
			zap.String("reader_id", m.terminal.Reader().ID))
		m.terminal = nil
		m.state = models.ReaderIdle
		return nil
	}
	return m.terminal
}

// Connect returns the bound reader, discovering and connecting one first if
// needed. Concurrent callers share a single in-flight attempt. Cancelling the
// ctx of the caller that started the attempt cancels discovery; once a reader
// is selected the connection proceeds regardless.
func (m *Manager) Connect(ctx context.Context) (interfaces.Terminal, error) {
	m.mu.Lock()
	if t := m.boundLocked(); t != nil {
		m.mu.Unlock()
		return t, nil
	}
	a := m.inflight
	started := false
	if a == nil {
		a = m.startLocked()
		started = true
	}
	m.mu.Unlock()

	if started {
		stop := context.AfterFunc(ctx, func() { m.cancelAttempt(a) })
		defer stop()
	}

	select {
	case <-a.done:
		return a.terminal, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelDiscovery stops an in-flight discovery. It reports false when there
// was nothing to cancel, including when a reader is already connecting.
func (m *Manager) CancelDiscovery() bool {
	m.mu.Lock()
	a := m.inflight
	m.mu.Unlock()
	if a == nil {
		return false
	}
	return m.cancelAttempt(a)
}

func (m *Manager) cancelAttempt(a *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inflight != a {
		return false
	}
	if m.state != models.ReaderDiscovering && m.state != models.ReaderFailed {
		return false
	}
	a.cancel()
	return true
}

func (m *Manager) startLocked() *attempt {
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.inflight = a
	m.state = models.ReaderDiscovering
	go m.run(ctx, a)
	return a
}

func (m *Manager) run(ctx context.Context, a *attempt) {
	defer a.cancel()

	var (
		reader models.Reader
		err    error
	)
	for pass := 0; pass <= m.cfg.DiscoveryRetries; pass++ {
		if pass > 0 {
			telemetry.Logger.Info("Retrying reader discovery", zap.Int("pass", pass+1))
			m.setState(models.ReaderDiscovering)
		}
		reader, err = m.discover(ctx)
		if !errors.Is(err, ErrDiscoveryTimeout) {
			break
		}
		metrics.DiscoveryAttemptsTotal.WithLabelValues("timeout").Inc()
		m.setState(models.ReaderFailed)
	}
	if err != nil {
		m.finish(a, nil, err)
		return
	}
	metrics.DiscoveryAttemptsTotal.WithLabelValues("found").Inc()

	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		m.finish(a, nil, ErrDiscoveryCanceled)
		return
	}
	m.state = models.ReaderConnecting
	m.mu.Unlock()

	term, err := m.connect(reader)
	m.finish(a, term, err)
}

// discover runs one discovery window.
func (m *Manager) discover(ctx context.Context) (models.Reader, error) {
	preferred, err := m.cfg.Preferences.PreferredReader(ctx)
	if err != nil {
		telemetry.Logger.Warn("Failed to read preferred reader", zap.Error(err))
		preferred = ""
	}

	windowCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	candidates, err := m.driver.Discover(windowCtx)
	if err != nil {
		if ctx.Err() != nil {
			return models.Reader{}, ErrDiscoveryCanceled
		}
		return models.Reader{}, fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	timer := m.cfg.Clock.NewTimer(m.cfg.DiscoveryTimeout)
	defer timer.Stop()

	// Without a preference the first candidate wins. With one, the first
	// other candidate is used if the preferred reader does not show up
	// within the grace period.
	var (
		fallback *models.Reader
		grace    <-chan time.Time
	)
	for {
		select {
		case r, ok := <-candidates:
			if !ok {
				candidates = nil
				if fallback != nil {
					return *fallback, nil
				}
				continue
			}
			if preferred == "" || r.ID == preferred {
				return r, nil
			}
			if fallback == nil {
				fallback = &r
				graceTimer := m.cfg.Clock.NewTimer(m.cfg.PreferredGrace)
				defer graceTimer.Stop()
				grace = graceTimer.Chan()
			}
		case <-grace:
			return *fallback, nil
		case <-timer.Chan():
			if fallback != nil {
				return *fallback, nil
			}
			return models.Reader{}, ErrDiscoveryTimeout
		case <-ctx.Done():
			return models.Reader{}, ErrDiscoveryCanceled
		}
	}
}

func (m *Manager) connect(reader models.Reader) (interfaces.Terminal, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()

	token, err := m.tokens.CreateConnectionToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionToken, err)
	}

	term, err := m.driver.Connect(ctx, reader, token)
	if err != nil {
		return nil, fmt.Errorf("%w: reader %s: %w", ErrConnectionFailure, reader.ID, err)
	}

	if err := m.cfg.Preferences.SetPreferredReader(ctx, reader.ID); err != nil {
		telemetry.Logger.Warn("Failed to remember preferred reader",
			zap.String("reader_id", reader.ID), zap.Error(err))
	}
	return term, nil
}

func (m *Manager) finish(a *attempt, term interfaces.Terminal, err error) {
	m.mu.Lock()
	m.inflight = nil
	if err != nil {
		m.state = models.ReaderIdle
		m.terminal = nil
		m.lastErr = err
	} else {
		m.state = models.ReaderBound
		m.terminal = term
		m.lastErr = nil
	}
	m.mu.Unlock()

	if err != nil {
		telemetry.Logger.Warn("Reader attempt failed", zap.Error(err))
	} else {
		telemetry.Logger.Info("Reader bound",
			zap.String("reader_id", term.Reader().ID),
			zap.String("label", term.Reader().Label))
	}

	a.terminal, a.err = term, err
	close(a.done)
}

func (m *Manager) setState(s models.ReaderState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Lease is exclusive use of the bound reader for one charge.
type Lease struct {
	m        *Manager
	terminal interfaces.Terminal
	once     sync.Once
}

func (l *Lease) Terminal() interfaces.Terminal { return l.terminal }

// Release returns the reader to Bound. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		if l.m.state == models.ReaderCharging {
			l.m.state = models.ReaderBound
			l.m.boundLocked()
		}
		l.m.mu.Unlock()
		<-l.m.slot
	})
}

// Acquire waits for the charge slot and binds a reader if none is bound.
// While the lease is held no other charge can start discovery.
func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	term, err := m.Connect(ctx)
	if err != nil {
		<-m.slot
		return nil, err
	}

	m.mu.Lock()
	m.state = models.ReaderCharging
	m.mu.Unlock()

	return &Lease{m: m, terminal: term}, nil
}

// Disconnect unbinds the reader, waiting for any charge in progress.
func (m *Manager) Disconnect(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.slot }()

	m.mu.Lock()
	term := m.terminal
	m.terminal = nil
	if m.inflight == nil {
		m.state = models.ReaderIdle
	}
	m.mu.Unlock()

	if term == nil {
		return nil
	}
	return term.Disconnect(ctx)
}
