// Package broker wraps the ordered log (Kafka) behind the two narrow
// contracts the pipeline needs: a durable producer for ingress and the
// sweeper, and a single-member batch consumer for the reducer.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// ErrUnavailable marks retryable broker failures: flush timeout, buffer
// overflow, broker rejection. Ingress maps it to 503; retry is the
// client's concern so the exactly-once decision stays with the caller.
var ErrUnavailable = errors.New("broker unavailable")

// Producer appends a message to the log and returns its assigned offset
// once the broker acknowledges durability.
type Producer interface {
	Produce(ctx context.Context, topic, key string, value []byte) (offset int64, err error)
	Healthy(ctx context.Context) error
	Close() error
}

// KafkaProducer is the sarama-backed Producer. Acks wait for the full
// ISR so a returned offset means the event is durable.
type KafkaProducer struct {
	producer sarama.SyncProducer
	client   sarama.Client
}

// NewKafkaProducer connects a synchronous producer to the cluster.
func NewKafkaProducer(brokers []string, clientID string) (*KafkaProducer, error) {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Timeout = 5 * time.Second

	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect kafka: %w", err)
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create producer: %w", err)
	}

	slog.Info("Kafka producer connected", "brokers", brokers, "client_id", clientID)
	return &KafkaProducer{producer: producer, client: client}, nil
}

// Produce appends one message under the given key and blocks until the
// broker confirms durability or the produce fails.
func (p *KafkaProducer) Produce(ctx context.Context, topic, key string, value []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	_, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return offset, nil
}

// Healthy reports whether at least one broker connection is alive.
func (p *KafkaProducer) Healthy(ctx context.Context) error {
	brokers := p.client.Brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("%w: no brokers", ErrUnavailable)
	}
	for _, b := range brokers {
		if ok, _ := b.Connected(); ok {
			return nil
		}
	}
	// No live connection cached; refreshing metadata forces a dial.
	if err := p.client.RefreshMetadata(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close flushes and releases the producer.
func (p *KafkaProducer) Close() error {
	if err := p.producer.Close(); err != nil {
		p.client.Close()
		return err
	}
	return p.client.Close()
}
