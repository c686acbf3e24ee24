// Package events publishes payment status changes to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/segmentio/kafka-go"

	"github.com/shieldai/shieldai-backend/internal/models"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
)

var (
	publishedCounter = metrics.GetOrCreateCounter(`mpesa_status_events_total{result="published"}`)
	failedCounter    = metrics.GetOrCreateCounter(`mpesa_status_events_total{result="failed"}`)
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes StatusChanged events keyed by checkout request id,
// so every event for one payment lands on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewWriter returns a synchronous writer that waits for all replicas.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.ReferenceHash{},
		BatchSize:              defaultBatchSize,
		BatchTimeout:           defaultBatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		Async:                  false,
		AllowAutoTopicCreation: false,
	}
}

// NewKafkaPublisher wraps a Kafka writer
func NewKafkaPublisher(writer *kafka.Writer, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger}
}

// Publish writes one event
func (p *KafkaPublisher) Publish(ctx context.Context, event models.StatusChanged) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(event.CheckoutRequestID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "source", Value: []byte(event.Source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		failedCounter.Inc()
		return fmt.Errorf("failed to write status event: %w", err)
	}

	publishedCounter.Inc()
	p.logger.DebugContext(ctx, "status event published", "event_id", event.EventID, "status", event.Status)
	return nil
}

// Close flushes and closes the writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Noop discards events. It is used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, models.StatusChanged) error { return nil }

func (Noop) Close() error { return nil }

// Publisher is what the binaries hold: either Kafka or Noop.
type Publisher interface {
	Publish(ctx context.Context, event models.StatusChanged) error
	Close() error
}

// New returns a Kafka publisher, or Noop when no brokers are configured.
func New(brokers []string, topic string, logger *slog.Logger) Publisher {
	if len(brokers) == 0 {
		logger.Info("kafka brokers not configured, status events disabled")
		return Noop{}
	}
	return NewKafkaPublisher(NewWriter(brokers, topic), logger)
}
