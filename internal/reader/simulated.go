package reader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
)

var ErrReaderBusy = errors.New("reader is already collecting")

// SimulatedDriver is an in-process reader network for test mode and local
// development.
type SimulatedDriver struct {
	readers []models.Reader

	// AnnounceDelay is waited before each reader is announced.
	AnnounceDelay time.Duration
	// CollectDelay is how long a simulated card presentment takes.
	CollectDelay time.Duration
	// ConnectErr, when set, fails every connection.
	ConnectErr error

	mu          sync.Mutex
	discoveries int
	connects    int
	terminals   []*SimulatedTerminal
}

func NewSimulatedDriver(readers ...models.Reader) *SimulatedDriver {
	return &SimulatedDriver{readers: readers}
}

// DefaultSimulatedReader mirrors the processor's virtual reader.
func DefaultSimulatedReader() models.Reader {
	return models.Reader{
		ID:           "tmr_simulated_wpe",
		Label:        "Simulated WisePOS E",
		DeviceType:   "simulated_wisepos_e",
		SerialNumber: "SIMULATOR",
		Simulated:    true,
	}
}

func (d *SimulatedDriver) Discoveries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discoveries
}

func (d *SimulatedDriver) Connects() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

func (d *SimulatedDriver) Discover(ctx context.Context) (<-chan models.Reader, error) {
	d.mu.Lock()
	d.discoveries++
	readers := append([]models.Reader(nil), d.readers...)
	delay := d.AnnounceDelay
	d.mu.Unlock()

	out := make(chan models.Reader)
	go func() {
		defer close(out)
		for _, r := range readers {
			if delay > 0 {
				t := time.NewTimer(delay)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return
				}
			}
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return out, nil
}

func (d *SimulatedDriver) Connect(ctx context.Context, reader models.Reader, connectionToken string) (interfaces.Terminal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}
	if connectionToken == "" {
		return nil, errors.New("missing connection token")
	}
	t := &SimulatedTerminal{reader: reader, connected: true, collectDelay: d.CollectDelay}
	d.terminals = append(d.terminals, t)
	return t, nil
}

// SimulatedTerminal is a connected simulated reader.
type SimulatedTerminal struct {
	reader       models.Reader
	collectDelay time.Duration

	mu         sync.Mutex
	connected  bool
	collecting bool
	collects   int
}

func (t *SimulatedTerminal) Reader() models.Reader { return t.reader }

func (t *SimulatedTerminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *SimulatedTerminal) Collecting() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collecting
}

func (t *SimulatedTerminal) Collects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.collects
}

func (t *SimulatedTerminal) CollectPaymentMethod(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, errors.New("reader disconnected")
	}
	if t.collecting {
		t.mu.Unlock()
		return nil, ErrReaderBusy
	}
	t.collecting = true
	t.collects++
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.collecting = false
		t.mu.Unlock()
	}()

	if t.collectDelay > 0 {
		timer := time.NewTimer(t.collectDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	collected := *intent
	collected.PaymentMethod = "pm_card_present_" + t.reader.ID
	collected.Status = models.IntentRequiresConfirmation
	return &collected, nil
}

func (t *SimulatedTerminal) Disconnect(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}
