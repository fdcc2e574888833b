package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/burrowlabs/burrow/cfg"
	"github.com/burrowlabs/burrow/publisher"
)

const (
	DefaultKafkaBatchSize  = 16
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if len(config.Brokers) == 0 {
			return nil, fmt.Errorf("kafka sink requires brokers")
		}
		kafkaConfig := KafkaConfig{
			Brokers:      config.Brokers,
			BatchSize:    config.BatchSize,
			BatchBytes:   DefaultKafkaBatchBytes,
			RequiredAcks: kafka.RequireAll,
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers      []string           // Kafka broker addresses
	BatchSize    int                // Batch size for writes
	BatchBytes   int64              // Max batch bytes
	RequiredAcks kafka.RequiredAcks // Ack requirement
}

// NewKafkaSink creates a new Kafka sink
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: true,
	}

	return &KafkaSink{writer: writer}, nil
}

// Publish sends a message to Kafka. The topic is set per message so one
// writer serves any number of topics.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
