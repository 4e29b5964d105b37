package ingest

import (
	"context"
	"log/slog"

	"fleetguard/internal/queue"
)

// QueueSource admits events consumed from the event queue: the Kafka event
// topic in storage mode, or the in-memory queue fed by the HTTP API.
type QueueSource struct {
	consumer queue.Consumer
	adapter  *Adapter
	logger   *slog.Logger
}

// NewQueueSource creates a queue-backed source.
func NewQueueSource(consumer queue.Consumer, adapter *Adapter, logger *slog.Logger) *QueueSource {
	return &QueueSource{
		consumer: consumer,
		adapter:  adapter,
		logger:   logger.With("source", "queue"),
	}
}

// Start consumes until ctx is canceled. This is a blocking call.
func (s *QueueSource) Start(ctx context.Context) error {
	s.logger.Info("queue source started")
	return s.consumer.Start(ctx, s.handleMessage)
}

// handleMessage ingests one message. Bad events are dropped rather than
// returned, so a poison message is never redelivered.
func (s *QueueSource) handleMessage(ctx context.Context, msg *queue.Message) error {
	result := s.adapter.IngestBatch(ctx, "queue", msg.Value)
	if result.Malformed > 0 {
		s.logger.Warn("queue message contained malformed events",
			"key", string(msg.Key),
			"malformed", result.Malformed,
		)
	}
	return nil
}
