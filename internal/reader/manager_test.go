package reader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTokens struct {
	err   error
	calls atomic.Int32
}

func (f *fakeTokens) CreateConnectionToken(context.Context) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "pst_test_token", nil
}

func testReader(id string) models.Reader {
	return models.Reader{ID: id, Label: id, DeviceType: "simulated_wisepos_e", Simulated: true}
}

func newTestManager(driver *SimulatedDriver, tokens TokenProvider, window time.Duration) *Manager {
	cfg := DefaultConfig()
	cfg.DiscoveryTimeout = window
	cfg.ConnectTimeout = time.Second
	return NewManager(driver, tokens, cfg)
}

func waitIdle(t *testing.T, m *Manager) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == models.ReaderIdle }, time.Second, 5*time.Millisecond)
}

func TestConnect_BindsFirstReader(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	tokens := &fakeTokens{}
	m := newTestManager(driver, tokens, time.Second)

	term, err := m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tmr_a", term.Reader().ID)
	assert.Equal(t, models.ReaderBound, m.State())
	assert.True(t, m.Bound())
	assert.Equal(t, int32(1), tokens.calls.Load())

	preferred, err := m.cfg.Preferences.PreferredReader(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tmr_a", preferred)
}

func TestConnect_ReusesBoundReader(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	m := newTestManager(driver, &fakeTokens{}, time.Second)

	first, err := m.Connect(context.Background())
	require.NoError(t, err)
	second, err := m.Connect(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, driver.Discoveries())
	assert.Equal(t, 1, driver.Connects())
}

func TestConnect_RetriesDiscoveryOnce(t *testing.T) {
	driver := NewSimulatedDriver()
	tokens := &fakeTokens{}
	m := newTestManager(driver, tokens, 30*time.Millisecond)

	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryTimeout)

	assert.Equal(t, 2, driver.Discoveries())
	assert.Equal(t, models.ReaderIdle, m.State())
	assert.ErrorIs(t, m.LastError(), ErrDiscoveryTimeout)
	assert.Zero(t, tokens.calls.Load())
}

func TestConnect_NoRetryWhenDisabled(t *testing.T) {
	driver := NewSimulatedDriver()
	m := NewManager(driver, &fakeTokens{}, Config{DiscoveryTimeout: 20 * time.Millisecond})

	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Equal(t, 1, driver.Discoveries())
}

func TestConnect_ConcurrentCallersShareAttempt(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	driver.AnnounceDelay = 20 * time.Millisecond
	tokens := &fakeTokens{}
	m := newTestManager(driver, tokens, time.Second)

	const callers = 5
	terms := make([]interfaces.Terminal, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			terms[i], errs[i] = m.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, terms[0], terms[i])
	}
	assert.Equal(t, 1, driver.Discoveries())
	assert.Equal(t, 1, driver.Connects())
	assert.Equal(t, int32(1), tokens.calls.Load())
}

func TestCancelDiscovery(t *testing.T) {
	driver := NewSimulatedDriver()
	m := newTestManager(driver, &fakeTokens{}, 5*time.Second)

	assert.False(t, m.CancelDiscovery(), "nothing to cancel while idle")

	done := make(chan error, 1)
	go func() {
		_, err := m.Connect(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool { return m.State() == models.ReaderDiscovering }, time.Second, time.Millisecond)

	assert.True(t, m.CancelDiscovery())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrDiscoveryCanceled)
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after cancel")
	}
	assert.Equal(t, models.ReaderIdle, m.State())
	assert.Equal(t, 1, driver.Discoveries())
}

func TestConnect_CallerContextCancelsDiscovery(t *testing.T) {
	driver := NewSimulatedDriver()
	m := newTestManager(driver, &fakeTokens{}, 5*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := m.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	waitIdle(t, m)
	assert.ErrorIs(t, m.LastError(), ErrDiscoveryCanceled)
}

func TestConnect_TokenFailure(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	m := newTestManager(driver, &fakeTokens{err: errors.New("processor unreachable")}, time.Second)

	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionToken)
	assert.NotErrorIs(t, err, ErrConnectionFailure)
	assert.Zero(t, driver.Connects())
	assert.Equal(t, models.ReaderIdle, m.State())
}

func TestConnect_ConnectionFailure(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	driver.ConnectErr = errors.New("bluetooth pairing rejected")
	m := newTestManager(driver, &fakeTokens{}, time.Second)

	_, err := m.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionFailure)
	assert.Contains(t, err.Error(), "tmr_a")
	assert.Equal(t, models.ReaderIdle, m.State())
	assert.False(t, m.Bound())
}

func TestConnect_PreferredReader(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		window    time.Duration
		grace     time.Duration
		want      string
	}{
		{name: "no preference takes first", preferred: "", window: time.Second, want: "tmr_a"},
		{name: "preference waits for its reader", preferred: "tmr_b", window: time.Second, want: "tmr_b"},
		{name: "missing preference falls back", preferred: "tmr_gone", window: 60 * time.Millisecond, want: "tmr_a"},
		{name: "missing preference falls back after grace", preferred: "tmr_gone", window: 10 * time.Second, grace: 50 * time.Millisecond, want: "tmr_a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			driver := NewSimulatedDriver(testReader("tmr_a"), testReader("tmr_b"))
			driver.AnnounceDelay = 5 * time.Millisecond
			prefs := NewMemoryPreferenceStore()
			require.NoError(t, prefs.SetPreferredReader(context.Background(), tt.preferred))

			cfg := DefaultConfig()
			cfg.DiscoveryTimeout = tt.window
			cfg.PreferredGrace = tt.grace
			cfg.Preferences = prefs
			m := NewManager(driver, &fakeTokens{}, cfg)

			start := time.Now()
			term, err := m.Connect(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, term.Reader().ID)
			assert.Equal(t, 1, driver.Discoveries())
			assert.Less(t, time.Since(start), 5*time.Second)
		})
	}
}

func TestAcquire_SerializesCharges(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	m := newTestManager(driver, &fakeTokens{}, time.Second)

	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.ReaderCharging, m.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	lease.Release()
	lease.Release()
	assert.Equal(t, models.ReaderBound, m.State())

	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, lease.Terminal(), again.Terminal())
	again.Release()

	assert.Equal(t, 1, driver.Discoveries())
}

func TestAcquire_ReleasesSlotOnConnectError(t *testing.T) {
	driver := NewSimulatedDriver()
	m := newTestManager(driver, &fakeTokens{}, 10*time.Millisecond)

	_, err := m.Acquire(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryTimeout)

	driver.readers = []models.Reader{testReader("tmr_late")}
	lease, err := m.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tmr_late", lease.Terminal().Reader().ID)
	lease.Release()
}

func TestDisconnect(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	m := newTestManager(driver, &fakeTokens{}, time.Second)

	term, err := m.Connect(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Disconnect(context.Background()))
	assert.False(t, term.Connected())
	assert.Equal(t, models.ReaderIdle, m.State())

	_, err = m.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, driver.Discoveries())
}

func TestBound_DropsUnreachableReader(t *testing.T) {
	driver := NewSimulatedDriver(testReader("tmr_a"))
	m := newTestManager(driver, &fakeTokens{}, time.Second)

	term, err := m.Connect(context.Background())
	require.NoError(t, err)
	require.NoError(t, term.Disconnect(context.Background()))

	assert.False(t, m.Bound())
	assert.Equal(t, models.ReaderIdle, m.State())
}
