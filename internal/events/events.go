// Package events publishes reconciliation outcomes to downstream consumers.
// Publishing is best effort: callers log publish failures and carry on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// TypeReconciliationOutcome is the type of the events the engine emits.
const TypeReconciliationOutcome = "reconciliation.outcome"

// Event describes the outcome of one reconciliation attempt.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OrderID    int64     `json:"order_id"`
	OrderKey   string    `json:"order_key"`
	Channel    string    `json:"channel"`
	Canonical  string    `json:"canonical_status"`
	Transition string    `json:"transition"`
	Outcome    string    `json:"outcome"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEvent returns an outcome event with a fresh id and timestamp.
func NewEvent() Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TypeReconciliationOutcome,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Encoding selects the wire format of published events.
type Encoding string

const (
	EncodingJSON  Encoding = "json"
	EncodingProto Encoding = "proto"
)

// Encode serializes e. The proto encoding is a google.protobuf.Struct
// carrying the same fields as the JSON form.
func Encode(e Event, enc Encoding) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	switch enc {
	case "", EncodingJSON:
		return raw, nil
	case EncodingProto:
		var fields map[string]interface{}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("failed to flatten event: %w", err)
		}
		s, err := structpb.NewStruct(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to build event struct: %w", err)
		}
		return proto.Marshal(s)
	default:
		return nil, fmt.Errorf("unknown event encoding %q", enc)
	}
}

// Decode is the inverse of Encode.
func Decode(data []byte, enc Encoding) (Event, error) {
	var e Event
	switch enc {
	case "", EncodingJSON:
		if err := json.Unmarshal(data, &e); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
		}
	case EncodingProto:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal event struct: %w", err)
		}
		raw, err := s.MarshalJSON()
		if err != nil {
			return Event{}, fmt.Errorf("failed to convert event struct: %w", err)
		}
		if err := json.Unmarshal(raw, &e); err != nil {
			return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
		}
	default:
		return Event{}, fmt.Errorf("unknown event encoding %q", enc)
	}
	return e, nil
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }

// Multi fans an event out to several publishers and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Observer counts publish attempts per backend.
type Observer interface {
	EventPublished(backend string, err error)
}

type observed struct {
	Publisher
	backend  string
	observer Observer
}

// Observe reports every Publish call on p to o under the backend label.
func Observe(p Publisher, backend string, o Observer) Publisher {
	return observed{Publisher: p, backend: backend, observer: o}
}

func (p observed) Publish(ctx context.Context, e Event) error {
	err := p.Publisher.Publish(ctx, e)
	p.observer.EventPublished(p.backend, err)
	return err
}
