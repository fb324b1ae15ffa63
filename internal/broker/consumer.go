package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// Message is one consumed log entry with its assigned offset.
type Message struct {
	Offset int64
	Key    []byte
	Value  []byte
}

// BatchHandler processes one batch. Offsets are marked and committed
// synchronously only after the handler returns nil; an error leaves the
// batch uncommitted so it is redelivered.
type BatchHandler func(ctx context.Context, batch []Message) error

// BatchConsumer drives a consumer group with exactly one member and
// hands the handler batches of up to MaxBatch messages collected within
// PollTimeout. Auto-commit is off: the commit point is the handler's
// success, which is what gives the reducer its persist-before-commit
// ordering.
type BatchConsumer struct {
	group       sarama.ConsumerGroup
	topic       string
	maxBatch    int
	pollTimeout time.Duration
	handler     BatchHandler
}

// NewBatchConsumer joins the consumer group for the topic.
func NewBatchConsumer(brokers []string, groupID, topic string, maxBatch int, pollTimeout time.Duration) (*BatchConsumer, error) {
	if maxBatch <= 0 {
		maxBatch = 100
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}

	cfg := sarama.NewConfig()
	cfg.ClientID = groupID
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("join consumer group %s: %w", groupID, err)
	}

	slog.Info("Kafka consumer group joined", "group", groupID, "topic", topic)
	return &BatchConsumer{
		group:       group,
		topic:       topic,
		maxBatch:    maxBatch,
		pollTimeout: pollTimeout,
	}, nil
}

// Run consumes until ctx is cancelled, invoking handler per batch.
func (c *BatchConsumer) Run(ctx context.Context, handler BatchHandler) error {
	c.handler = handler

	go func() {
		for err := range c.group.Errors() {
			slog.Warn("consumer group error", "error", err)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Consume blocks through one group session; it returns on
		// rebalance and must be called again.
		if err := c.group.Consume(ctx, []string{c.topic}, c); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("consume session: %w", err)
		}
	}
}

// Close leaves the group.
func (c *BatchConsumer) Close() error { return c.group.Close() }

// Setup implements sarama.ConsumerGroupHandler.
func (c *BatchConsumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup implements sarama.ConsumerGroupHandler.
func (c *BatchConsumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim implements sarama.ConsumerGroupHandler: collect up to
// maxBatch messages per pollTimeout window, hand them to the handler,
// then mark and commit synchronously.
func (c *BatchConsumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	var (
		batch []Message
		last  *sarama.ConsumerMessage
	)
	timer := time.NewTimer(c.pollTimeout)
	defer timer.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.handler(session.Context(), batch); err != nil {
			// Leave the batch unmarked: the session context ends and the
			// events are redelivered after the caller's backoff.
			return err
		}
		session.MarkMessage(last, "")
		session.Commit()
		batch = nil
		last = nil
		return nil
	}

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return flush()
			}
			batch = append(batch, Message{Offset: msg.Offset, Key: msg.Key, Value: msg.Value})
			last = msg
			if len(batch) >= c.maxBatch {
				if err := flush(); err != nil {
					return err
				}
				timer.Reset(c.pollTimeout)
			}
		case <-timer.C:
			if err := flush(); err != nil {
				return err
			}
			timer.Reset(c.pollTimeout)
		case <-session.Context().Done():
			return flush()
		}
	}
}
