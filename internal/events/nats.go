package events

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn the publisher uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSPublisher publishes events to a NATS subject.
type NATSPublisher struct {
	conn     natsConn
	subject  string
	encoding Encoding
}

// NewNATSPublisher connects to url.
func NewNATSPublisher(url, subject string, enc Encoding) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("payment-reconciler"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, subject, enc), nil
}

func newNATSPublisher(conn natsConn, subject string, enc Encoding) *NATSPublisher {
	return &NATSPublisher{conn: conn, subject: subject, encoding: enc}
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := Encode(e, p.encoding)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	return nil
}

func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
