package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Sink receives notifications forwarded from the hub.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Deliver handles one notification.
	Deliver(ctx context.Context, n Notification) error
}

// LogSink writes every notification to the structured log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a new log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Name returns the sink name.
func (s *LogSink) Name() string { return "log" }

// Deliver logs the notification.
func (s *LogSink) Deliver(ctx context.Context, n Notification) error {
	switch n.Kind {
	case KindTransition:
		s.logger.Info("alert transition",
			"alertID", n.AlertID,
			"deviceID", n.DeviceID,
			"fromStatus", n.FromStatus,
			"toStatus", n.ToStatus,
			"actor", n.Actor,
			"escalatedTo", n.EscalatedTo,
		)
	case KindFlood:
		s.logger.Warn("alert flood detected",
			"scope", n.Scope,
			"alertType", n.AlertType,
			"count", n.Count,
			"threshold", n.Threshold,
		)
	case KindReport:
		s.logger.Info("compliance report requested",
			"driverID", n.DriverID,
			"requestID", n.RequestID,
			"riskRating", n.RiskRating,
			"events", n.Count,
		)
	default:
		s.logger.Info("notification", "kind", n.Kind)
	}
	return nil
}

// RedisSink publishes notifications as JSON on a Redis pub/sub channel so
// dashboards outside this process can follow the alert stream.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink creates a new Redis pub/sub sink.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	return &RedisSink{client: client, channel: channel}
}

// Name returns the sink name.
func (s *RedisSink) Name() string { return "redis" }

// Deliver publishes the notification.
func (s *RedisSink) Deliver(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
