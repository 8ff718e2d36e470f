// Package kafkapub publishes saga lifecycle events to Kafka.
package kafkapub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/fortressi/sagaflow"
)

type Config struct {
	Brokers []string
	Topic   string
	// WriteTimeout bounds a single publish. Zero means 10s.
	WriteTimeout time.Duration
}

// messageWriter is the slice of kafka.Writer the publisher needs, so tests
// can swap it out.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is a sagaflow.EventPublisher backed by a kafka-go Writer.
// Messages are keyed by correlation id so one saga's events stay ordered
// within a partition.
type Publisher struct {
	writer  messageWriter
	topic   string
	timeout time.Duration
}

var _ sagaflow.EventPublisher = (*Publisher)(nil)

func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return newPublisher(w, cfg), nil
}

func newPublisher(w messageWriter, cfg Config) *Publisher {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Publisher{writer: w, topic: cfg.Topic, timeout: timeout}
}

// envelope is the wire form of a lifecycle event.
type envelope struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	SagaType      string          `json:"saga_type"`
	Status        sagaflow.Status `json:"status"`
	Payload       map[string]any  `json:"payload,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

func (p *Publisher) Publish(ctx context.Context, ev sagaflow.LifecycleEvent) error {
	data, err := json.Marshal(envelope{
		ID:            ev.ID,
		Name:          ev.Name,
		Source:        ev.Source,
		CorrelationID: ev.CorrelationID,
		CausationID:   ev.CausationID,
		SagaType:      ev.SagaType,
		Status:        ev.Status,
		Payload:       ev.Payload,
		OccurredAt:    ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize lifecycle event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(ev.CorrelationID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Name)},
			{Key: "saga_type", Value: []byte(ev.SagaType)},
		},
		Time: ev.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Name, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
