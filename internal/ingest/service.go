// Package ingest turns inbound alert payloads into admitted alerts.
//
// Every transport (WebSocket push, HTTP poll, queue consumer and the HTTP
// API) funnels into the Adapter, which normalizes, validates and
// deduplicates events before handing them to the lifecycle service. The
// Service in this file is the asynchronous front door used by the HTTP API:
// it validates a request body and publishes each event to the event queue,
// from which a QueueSource feeds the Adapter.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
	"fleetguard/internal/queue"
)

// ErrPublishFailed is returned when the event queue rejects an event.
var ErrPublishFailed = errors.New("failed to publish event to queue")

// Service validates inbound HTTP payloads and publishes them to the event
// queue for asynchronous admission.
type Service struct {
	producer queue.Producer
	logger   *slog.Logger
}

// NewService creates a new ingest service.
func NewService(producer queue.Producer, logger *slog.Logger) *Service {
	return &Service{
		producer: producer,
		logger:   logger,
	}
}

// Publish validates a JSON object or array of events and publishes each one.
// Validation happens up front so that a malformed body is rejected whole and
// nothing is published. It returns the accepted events.
func (s *Service) Publish(ctx context.Context, data []byte) ([]domain.AlertEvent, error) {
	ingestStart := time.Now()

	raws, err := domain.ParseRawEvents(data)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	events := make([]domain.AlertEvent, 0, len(raws))
	for i, raw := range raws {
		event, err := raw.Normalize()
		if err != nil {
			metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
			if len(raws) > 1 {
				return nil, fmt.Errorf("event %d: %w", i, err)
			}
			return nil, err
		}
		events = append(events, event)
	}

	for i := range events {
		if err := s.publish(ctx, &events[i]); err != nil {
			return events[:i], err
		}
	}

	metrics.EventIngestLatency.Observe(time.Since(ingestStart).Seconds())
	return events, nil
}

// publish serializes one canonical event onto the queue.
func (s *Service) publish(ctx context.Context, event *domain.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to serialize event", "error", err, "alertID", event.ID)
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	// Events of one device share a partition so they are admitted in order.
	partitionKey := computePartitionKey(event.DeviceID)
	msg := &queue.Message{
		Key:   []byte(partitionKey),
		Value: payload,
		Headers: map[string]string{
			queue.HeaderAlertID:   event.ID,
			queue.HeaderDeviceID:  event.DeviceID,
			queue.HeaderAlertType: string(event.AlertType),
		},
	}

	publishStart := time.Now()
	if err := s.producer.Publish(ctx, msg); err != nil {
		s.logger.Error("failed to publish event", "error", err, "alertID", event.ID)
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	metrics.QueuePublishLatency.Observe(time.Since(publishStart).Seconds())
	metrics.EventsPublishedTotal.Inc()

	s.logger.Debug("event published to queue",
		"alertID", event.ID,
		"deviceID", event.DeviceID,
		"partitionKey", partitionKey,
	)
	return nil
}

// computePartitionKey generates a deterministic partition key for a device.
func computePartitionKey(deviceID string) string {
	hash := sha256.Sum256([]byte("device:" + deviceID))
	return hex.EncodeToString(hash[:8])
}
