package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSRelay carries events over a core NATS subject.
type NATSRelay struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

// DialNATS connects with reconnects enabled forever.
func DialNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(500*time.Millisecond),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

func NewNATSRelay(nc *nats.Conn, subject string, log *zap.Logger) *NATSRelay {
	return &NATSRelay{nc: nc, subject: subject, log: log}
}

var _ Relay = (*NATSRelay)(nil)

func (r *NATSRelay) Publish(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

func (r *NATSRelay) Run(ctx context.Context, deliver func(Event)) error {
	ch := make(chan *nats.Msg, 1024)
	sub, err := r.nc.ChanSubscribe(r.subject, ch)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", r.subject, err)
	}
	defer sub.Unsubscribe()
	r.log.Info("nats relay subscribed", zap.String("subject", r.subject))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-ch:
			var ev Event
			if err := json.Unmarshal(m.Data, &ev); err != nil {
				r.log.Warn("nats relay: bad payload", zap.Error(err))
				continue
			}
			deliver(ev)
		}
	}
}

func (r *NATSRelay) Close() error {
	return r.nc.Drain()
}
