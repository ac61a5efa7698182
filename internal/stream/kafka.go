// internal/stream/kafka.go
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/domain"
)

// messageWriter is the subset of *kafka.Writer used by the sink.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the event export topic.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	// Async makes Publish non-blocking; delivery errors are only logged.
	Async bool
}

// KafkaSink exports status events to a Kafka topic, keyed by transaction id
// so that each transaction's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to cfg.Topic.
func NewKafkaSink(cfg KafkaConfig, logger *zap.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	log := logger.Named("kafka_sink").With(zap.String("topic", cfg.Topic))
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        cfg.Async,
		BatchTimeout: cfg.BatchTimeout,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("Failed to export events", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return newKafkaSink(w, cfg.Topic, log), nil
}

func newKafkaSink(w messageWriter, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{writer: w, topic: topic, logger: logger}
}

// Publish writes one event.
func (s *KafkaSink) Publish(ctx context.Context, event domain.StatusEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.TransactionID),
		Value: value,
		Time:  event.Timestamp,
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(event.Status)},
		},
	})
}

// Close flushes pending messages and closes the writer.
func (s *KafkaSink) Close() error {
	s.logger.Info("Closing kafka sink")
	return s.writer.Close()
}
