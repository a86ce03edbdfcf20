// Package notify delivers best-effort, post-commit notifications of ingest
// outcomes onto a Kafka topic, for downstream consumers that want to react
// to processed/duplicate/quarantined decisions without polling the API.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaProducerConfig configures the outcome producer.
type KafkaProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the outcome topic to write to.
	Topic string

	// MaxAttempts is the total number of write attempts, the first one
	// included, that NotifyIngestOutcome makes on any write error.
	// Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the kafka writer's timeout for write operations.
	// Defaults to 10s if zero. Each attempt in NotifyIngestOutcome is also
	// bounded by a fixed 5s context deadline.
	WriteTimeout time.Duration
}

// KafkaNotifier implements ingest.Notifier over a kafka-go Writer, keyed by
// (tenant_id, idempotency_key) so all outcomes for one idempotency record
// land on the same partition in order.
type KafkaNotifier struct {
	writer      *kafka.Writer
	maxAttempts int
}

// outcomeMessage is the JSON value written to the outcome topic.
type outcomeMessage struct {
	TenantID       string    `json:"tenant_id"`
	IdempotencyKey string    `json:"idempotency_key"`
	RawID          int64     `json:"raw_id"`
	Outcome        string    `json:"outcome"`
	ProducedAt     time.Time `json:"produced_at"`
}

// NewKafkaNotifier constructs a KafkaNotifier. Returns an error if brokers
// or topic are missing.
func NewKafkaNotifier(cfg KafkaProducerConfig) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("notify: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("notify: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaNotifier{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// NotifyIngestOutcome produces one outcome message, retrying on transient
// write failure with a capped exponential backoff.
func (n *KafkaNotifier) NotifyIngestOutcome(ctx context.Context, tenantID, idempotencyKey string, rawID int64, outcome string) error {
	value, err := json.Marshal(outcomeMessage{
		TenantID:       tenantID,
		IdempotencyKey: idempotencyKey,
		RawID:          rawID,
		Outcome:        outcome,
		ProducedAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal outcome message: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		key := tenantID + ":" + idempotencyKey
		msg := kafka.Message{Key: []byte(key), Value: value, Time: time.Now().UTC()}

		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := n.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}

		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("produce outcome failed after %d attempts: %w", n.maxAttempts, lastErr)
}

// Close shuts down the underlying writer.
func (n *KafkaNotifier) Close() error {
	if n == nil || n.writer == nil {
		return nil
	}
	return n.writer.Close()
}
