// Package bus wraps NATS JetStream as the event fabric between metald and
// its consumers (UI push bridges, fleet dashboards, audit tailers).
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
)

// Bus publishes and consumes JSON events over JetStream.
type Bus struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials the NATS endpoint and initializes a JetStream context.
func Connect(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &Bus{nc: nc, js: js}, nil
}

// Close drains and shuts down the connection.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

// Publish marshals v as JSON onto subject.
func (b *Bus) Publish(ctx context.Context, subject string, v any) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = b.js.Publish(subject, data, nats.Context(ctx))
	return err
}

type drainCloser struct {
	sub  *nats.Subscription
	once sync.Once
	err  error
}

func (d *drainCloser) Close() error {
	d.once.Do(func() { d.err = d.sub.Drain() })
	return d.err
}

// Subscribe attaches a durable consumer to subject and feeds each message
// to handler. A handler error naks the message for redelivery. The
// subscription drains when ctx is cancelled or the closer is closed.
func (b *Bus) Subscribe(ctx context.Context, subject, durable string, handler func(ctx context.Context, data []byte) error) (io.Closer, error) {
	if b == nil {
		return nil, errors.New("nil bus")
	}
	if handler == nil {
		return nil, errors.New("handler is required")
	}

	sub, err := b.js.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(ctx, msg.Data); err != nil {
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	}, nats.Durable(durable), nats.ManualAck(), nats.AckExplicit())
	if err != nil {
		return nil, err
	}

	closer := &drainCloser{sub: sub}
	go func() {
		<-ctx.Done()
		_ = closer.Close()
	}()
	return closer, nil
}
