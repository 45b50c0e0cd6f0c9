package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bioflow/collector/internal/core/domain"
)

// Config holds the broker and topic settings for inbound event
// consumption and outbound publishing.
type Config struct {
	Brokers             []string `yaml:"brokers"`
	GroupID             string   `yaml:"group_id"`
	Topics              []string `yaml:"topics"`
	DLQSuffix           string   `yaml:"dlq_suffix"`
	RetryCompletedTopic string   `yaml:"retry_completed_topic"`
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	if c.GroupID == "" {
		return fmt.Errorf("kafka: group_id is required")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("kafka: no topics configured")
	}
	if c.DLQSuffix == "" {
		c.DLQSuffix = ".DLT"
	}
	if c.RetryCompletedTopic == "" {
		c.RetryCompletedTopic = "ExceptionRetryCompleted"
	}
	return nil
}

// Message is one fetched record. Ack must be called once the record
// has been fully handled (or routed to the dead letter topic) so the
// group offset advances.
type Message struct {
	Topic string
	Key   []byte
	Value []byte

	raw    kafka.Message
	reader *kafka.Reader
}

func (m *Message) Ack(ctx context.Context) error {
	if m.reader == nil {
		return nil
	}
	return m.reader.CommitMessages(ctx, m.raw)
}

// Consumer wraps a consumer-group reader for a single topic. Offsets
// are committed explicitly, never on fetch, so a crash before Ack
// replays the record.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

func NewConsumer(cfg Config, topic string) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10 << 20,
			CommitInterval: 0, // explicit commits only
		}),
		logger: slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
}

func (c *Consumer) Fetch(ctx context.Context) (*Message, error) {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:  msg.Topic,
		Key:    msg.Key,
		Value:  msg.Value,
		raw:    msg,
		reader: c.reader,
	}, nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// Producer writes messages to arbitrary topics over one shared
// writer.
type Producer struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewProducer(cfg Config) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		logger: slog.Default().With("component", "kafka-producer"),
	}
}

func (p *Producer) Publish(ctx context.Context, topic string, key, value []byte, headers ...kafka.Header) error {
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     key,
		Value:   value,
		Headers: headers,
	})
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// DLQPublisher routes unprocessable records to the dead letter topic
// derived from the source topic name. The original payload is carried
// through byte for byte; the failure reason rides in a header.
type DLQPublisher struct {
	producer *Producer
	suffix   string
	logger   *slog.Logger
}

func NewDLQPublisher(producer *Producer, suffix string) *DLQPublisher {
	if suffix == "" {
		suffix = ".DLT"
	}
	return &DLQPublisher{
		producer: producer,
		suffix:   suffix,
		logger:   slog.Default().With("component", "dlq-publisher"),
	}
}

func (d *DLQPublisher) Publish(ctx context.Context, sourceTopic string, key, value []byte, cause error) error {
	topic := sourceTopic + d.suffix
	reason := "unknown"
	if cause != nil {
		reason = cause.Error()
	}
	err := d.producer.Publish(ctx, topic, key, value, kafka.Header{
		Key:   "error-message",
		Value: []byte(reason),
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	d.logger.Warn("routed message to dead letter topic", "topic", topic, "reason", reason)
	return nil
}

// RetryEventPublisher emits retry completion events for downstream
// services that track exception lifecycles.
type RetryEventPublisher struct {
	producer *Producer
	topic    string
}

func NewRetryEventPublisher(producer *Producer, topic string) *RetryEventPublisher {
	if topic == "" {
		topic = "ExceptionRetryCompleted"
	}
	return &RetryEventPublisher{producer: producer, topic: topic}
}

func (r *RetryEventPublisher) PublishRetryCompleted(ctx context.Context, evt domain.RetryCompletedEvent) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode retry event: %w", err)
	}
	return r.producer.Publish(ctx, r.topic, []byte(evt.TransactionID), raw)
}
