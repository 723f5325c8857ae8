package reader

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/terminal-orchestrator/internal/interfaces"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/models"
	"github.com/akylbek/payment-system/terminal-orchestrator/internal/telemetry"
)

// Subjects used on the reader network:
//
//	<prefix>.discover                 request, every reader answers on the reply inbox
//	<prefix>.readers.<id>.connect     request {connection_token}
//	<prefix>.readers.<id>.collect     request {payment_intent}
//	<prefix>.readers.<id>.cancel      publish, aborts a collection
//	<prefix>.readers.<id>.disconnect  publish
const defaultSubjectPrefix = "terminal"

type readerReply struct {
	Intent *models.PaymentIntent `json:"payment_intent,omitempty"`
	Error  string                `json:"error,omitempty"`
}

// NATSDriver reaches card readers over a NATS reader network.
type NATSDriver struct {
	nc     *nats.Conn
	prefix string
}

func NewNATSDriver(nc *nats.Conn, subjectPrefix string) *NATSDriver {
	if subjectPrefix == "" {
		subjectPrefix = defaultSubjectPrefix
	}
	return &NATSDriver{nc: nc, prefix: subjectPrefix}
}

func (d *NATSDriver) readerSubject(readerID, verb string) string {
	return fmt.Sprintf("%s.readers.%s.%s", d.prefix, readerID, verb)
}

func (d *NATSDriver) Discover(ctx context.Context) (<-chan models.Reader, error) {
	inbox := d.nc.NewInbox()
	msgs := make(chan *nats.Msg, 16)
	sub, err := d.nc.ChanSubscribe(inbox, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to discovery inbox: %w", err)
	}
	if err := d.nc.PublishRequest(d.prefix+".discover", inbox, nil); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to broadcast discovery: %w", err)
	}

	out := make(chan models.Reader)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()
		for {
			select {
			case msg := <-msgs:
				var r models.Reader
				if err := sonic.Unmarshal(msg.Data, &r); err != nil || r.ID == "" {
					telemetry.Logger.Warn("Ignoring malformed reader announcement", zap.Error(err))
					continue
				}
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (d *NATSDriver) Connect(ctx context.Context, reader models.Reader, connectionToken string) (interfaces.Terminal, error) {
	payload, err := sonic.Marshal(map[string]string{"connection_token": connectionToken})
	if err != nil {
		return nil, err
	}
	if _, err := d.request(ctx, d.readerSubject(reader.ID, "connect"), payload); err != nil {
		return nil, err
	}
	return &natsTerminal{driver: d, reader: reader, connected: true}, nil
}

func (d *NATSDriver) request(ctx context.Context, subject string, payload []byte) (*readerReply, error) {
	msg, err := d.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return nil, err
	}
	var reply readerReply
	if err := sonic.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("malformed reply on %s: %w", subject, err)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return &reply, nil
}

type natsTerminal struct {
	driver *NATSDriver
	reader models.Reader

	mu        sync.Mutex
	connected bool
}

func (t *natsTerminal) Reader() models.Reader { return t.reader }

func (t *natsTerminal) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.driver.nc.IsConnected()
}

func (t *natsTerminal) CollectPaymentMethod(ctx context.Context, intent *models.PaymentIntent) (*models.PaymentIntent, error) {
	payload, err := sonic.Marshal(map[string]*models.PaymentIntent{"payment_intent": intent})
	if err != nil {
		return nil, err
	}
	reply, err := t.driver.request(ctx, t.driver.readerSubject(t.reader.ID, "collect"), payload)
	if err != nil {
		if ctx.Err() != nil {
			// The reader keeps waiting for a card until told otherwise.
			if perr := t.driver.nc.Publish(t.driver.readerSubject(t.reader.ID, "cancel"), []byte(intent.ID)); perr != nil {
				telemetry.Logger.Warn("Failed to cancel collection on reader",
					zap.String("reader_id", t.reader.ID), zap.Error(perr))
			}
			return nil, ctx.Err()
		}
		return nil, err
	}
	if reply.Intent == nil {
		return nil, errors.New("reader returned no payment intent")
	}
	return reply.Intent, nil
}

func (t *natsTerminal) Disconnect(context.Context) error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return t.driver.nc.Publish(t.driver.readerSubject(t.reader.ID, "disconnect"), nil)
}
