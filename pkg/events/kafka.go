package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/uhyunpark/cloakbook/pkg/attest"
)

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	MaxAttempts  int
	WriteTimeout time.Duration
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes every attestation to one topic, keyed by kind so
// a consumer sees each kind in order.
type KafkaPublisher struct {
	writer  MessageWriter
	topic   string
	timeout time.Duration
	sugar   *zap.SugaredLogger
}

var _ attest.Publisher = (*KafkaPublisher)(nil)

func NewKafkaPublisher(cfg KafkaConfig, sugar *zap.SugaredLogger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka brokers and topic are required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            cfg.MaxAttempts,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
	}
	sugar.Infow("kafka_publisher_created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return NewKafkaPublisherWithWriter(w, cfg.Topic, cfg.WriteTimeout, sugar), nil
}

func NewKafkaPublisherWithWriter(w MessageWriter, topic string, timeout time.Duration, sugar *zap.SugaredLogger) *KafkaPublisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaPublisher{writer: w, topic: topic, timeout: timeout, sugar: sugar}
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Publish(ctx context.Context, a *attest.Attestation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal attestation: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(a.Kind),
		Value: data,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(a.ID)},
			{Key: "scheme", Value: []byte(a.Scheme)},
		},
		Time: a.Timestamp,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	p.sugar.Debugw("kafka_attestation_sent", "topic", p.topic, "id", a.ID)
	return nil
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }
