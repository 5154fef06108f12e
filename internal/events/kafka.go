package events

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// Writer is the subset of *kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic keyed by order key, so the
// events of one order stay ordered within a partition.
type KafkaPublisher struct {
	writer   Writer
	encoding Encoding
}

// NewKafkaPublisher creates a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string, enc Encoding) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return NewKafkaPublisherWithWriter(w, enc)
}

// NewKafkaPublisherWithWriter allows injecting a test writer.
func NewKafkaPublisherWithWriter(w Writer, enc Encoding) *KafkaPublisher {
	return &KafkaPublisher{writer: w, encoding: enc}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e, p.encoding)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(e.OrderKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "content-type", Value: []byte(contentType(p.encoding))},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write error: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func contentType(enc Encoding) string {
	if enc == EncodingProto {
		return "application/protobuf"
	}
	return "application/json"
}
