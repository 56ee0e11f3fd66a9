package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stratadb/strata/internal/core"
)

// KafkaConfig holds configuration for the change-event publisher.
type KafkaConfig struct {
	// Brokers is a list of Kafka broker addresses (e.g., ["localhost:9092"]).
	Brokers []string `yaml:"brokers" json:"brokers"`

	// Topic is the Kafka topic change events are published to.
	Topic string `yaml:"topic" json:"topic"`

	// BatchSize is the batch size for the Kafka producer.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// BatchTimeout is the timeout for batching messages.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`

	// WriteTimeout is the timeout for writing messages.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// RequiredAcks is the number of acknowledgments required (0, 1, or -1 for all).
	RequiredAcks int `yaml:"required_acks" json:"required_acks"`
}

// changeEvent is the message body published for each committed write.
type changeEvent struct {
	Bucket    string                 `json:"bucket"`
	Key       string                 `json:"key"`
	Operation string                 `json:"operation"`
	Etag      string                 `json:"etag,omitempty"`
	ID        int64                  `json:"id,omitempty"`
	Value     map[string]interface{} `json:"value,omitempty"`
	Time      int64                  `json:"time"`
}

// KafkaNotifier is a post trigger that publishes committed change events
// to a Kafka topic. Buckets opt in by naming "kafka-notify" in their
// post chain.
type KafkaNotifier struct {
	writer *kafka.Writer
	mu     sync.RWMutex
	closed bool
}

// NewKafkaNotifier creates the publisher.
func NewKafkaNotifier(config KafkaConfig) (*KafkaNotifier, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}

	log.Printf("[KAFKA] initializing change-event publisher (brokers: %v, topic: %s)",
		config.Brokers, config.Topic)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		WriteTimeout: config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		MaxAttempts:  3,
		Async:        false,
	}

	return &KafkaNotifier{writer: writer}, nil
}

// Name returns the identifier buckets use to reference this trigger.
func (k *KafkaNotifier) Name() string {
	return "kafka-notify"
}

// Run publishes one change event. The write is already committed; a
// publish failure fails the request but does not undo the write.
func (k *KafkaNotifier) Run(ctx context.Context, args *core.PostTriggerArgs) error {
	k.mu.RLock()
	if k.closed {
		k.mu.RUnlock()
		return fmt.Errorf("kafka notifier is closed")
	}
	k.mu.RUnlock()

	event := changeEvent{
		Bucket:    args.Bucket.Name,
		Key:       args.Key,
		Operation: args.Operation,
		Etag:      args.Etag,
		ID:        args.ID,
		Value:     args.Value,
		Time:      time.Now().UnixMilli(),
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize change event: %w", err)
	}

	msg := kafka.Message{
		// Key by bucket::key so events for one object stay ordered
		// within a partition.
		Key:   []byte(args.Bucket.Name + "::" + args.Key),
		Value: body,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("[KAFKA] ERROR: failed to publish change event for %s::%s: %v",
			args.Bucket.Name, args.Key, err)
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Close shuts down the producer.
func (k *KafkaNotifier) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return nil
	}
	k.closed = true
	return k.writer.Close()
}
