// Package kafka emits entity lifecycle events so downstream consumers can
// follow merge-store changes without polling it.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/bramble/pkg/tracing"
)

// Event types published to the output topic.
const (
	EventEntityCreated  = "entity.created"
	EventEntityUpdated  = "entity.updated"
	EventEntityLinked   = "entity.linked"
	EventEntityUnlinked = "entity.unlinked"
	EventEntityTagged   = "entity.tagged"

	EventCorrelationContradiction = "correlation.contradiction"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// EntityEvent describes one merge-store change.
type EntityEvent struct {
	EventType string    `json:"event_type"`
	EntityID  string    `json:"entity_id"`
	Adapters  []string  `json:"adapters,omitempty"`
	Replaced  []string  `json:"replaced,omitempty"`
	TagName   string    `json:"tag_name,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WarningEvent carries a correlation contradiction to the notification
// topic consumers.
type WarningEvent struct {
	EventType        string    `json:"event_type"`
	NotificationType string    `json:"notification_type"`
	Message          string    `json:"message"`
	Content          []string  `json:"content"`
	Timestamp        time.Time `json:"timestamp"`
}

// PublishEntityEvent publishes an entity event to Kafka
func (p *Producer) PublishEntityEvent(ctx context.Context, event *EntityEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishEntityEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.EntityID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish entity event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"entity_id":  event.EntityID,
	}).Debug("Published entity event")

	return nil
}

// PublishWarningEvent publishes a correlation warning to Kafka
func (p *Producer) PublishWarningEvent(ctx context.Context, event *WarningEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishWarningEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.NotificationType),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish warning event")
		return err
	}

	return nil
}
