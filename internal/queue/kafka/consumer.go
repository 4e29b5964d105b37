package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"fleetguard/internal/config"
	"fleetguard/internal/queue"
)

const (
	// fetchRetryDelay pauses the loop after a broker error so an unreachable
	// cluster does not turn into a hot loop.
	fetchRetryDelay = time.Second

	maxFetchBytes = 10 << 20
)

// Consumer reads one topic as a member of the configured consumer group.
// Offsets are committed only after the handler succeeded, so events are
// delivered at least once; the adapter's dedup and the store's idempotent
// admit absorb redeliveries.
type Consumer struct {
	reader *kafka.Reader
	logger *slog.Logger
}

// NewConsumer creates a group consumer for topic.
func NewConsumer(cfg *config.KafkaConfig, topic string, logger *slog.Logger) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    maxFetchBytes,
			StartOffset: kafka.FirstOffset,
		}),
		logger: logger.With("topic", topic, "group", cfg.ConsumerGroup),
	}
}

// Start fetches and handles messages until ctx is canceled. Broker errors
// are retried after a pause; a commit failure ends consumption.
func (c *Consumer) Start(ctx context.Context, handler queue.MessageHandler) error {
	c.logger.Info("kafka consumer started")

	for {
		record, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped")
				return ctx.Err()
			}
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(fetchRetryDelay):
			}
			continue
		}

		msg := &queue.Message{
			Key:     record.Key,
			Value:   record.Value,
			Headers: fromKafkaHeaders(record.Headers),
		}

		if err := handler(ctx, msg); err != nil {
			c.logger.Error("failed to handle message",
				"error", err,
				"partition", record.Partition,
				"offset", record.Offset,
				"alertID", msg.Header(queue.HeaderAlertID),
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, record); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to commit offset %d on partition %d: %w", record.Offset, record.Partition, err)
		}
	}
}

// Close leaves the consumer group and closes the reader.
func (c *Consumer) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
