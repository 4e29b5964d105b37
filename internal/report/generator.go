// Package report hands compliance report requests to the report generator
// collaborator without ever blocking event ingestion.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"fleetguard/internal/domain"
	"fleetguard/internal/queue"
)

// Generator produces a compliance report for a batch of violations and
// returns the report identifier.
type Generator interface {
	Generate(ctx context.Context, req *domain.GenerateReportRequest) (string, error)
}

// Compile-time checks that the generators satisfy the interface.
var (
	_ Generator = (*QueueGenerator)(nil)
	_ Generator = (*LogGenerator)(nil)
)

// QueueGenerator publishes report requests as JSON on a queue, typically the
// Kafka report topic consumed by the document service. The request ID is the
// report identifier.
type QueueGenerator struct {
	producer queue.Producer
}

// NewQueueGenerator creates a generator that publishes to the producer.
func NewQueueGenerator(producer queue.Producer) *QueueGenerator {
	return &QueueGenerator{producer: producer}
}

// Generate publishes the request keyed by driver so one driver's reports
// stay ordered.
func (g *QueueGenerator) Generate(ctx context.Context, req *domain.GenerateReportRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal report request: %w", err)
	}

	msg := &queue.Message{
		Key:   []byte(req.DriverID),
		Value: data,
		Headers: map[string]string{
			queue.HeaderRequestID:  req.RequestID,
			queue.HeaderRiskRating: string(req.RiskRating),
		},
	}
	if err := g.producer.Publish(ctx, msg); err != nil {
		return "", fmt.Errorf("failed to publish report request: %w", err)
	}

	return req.RequestID, nil
}

// LogGenerator logs report requests. Used in memory mode where no document
// service is attached.
type LogGenerator struct {
	logger *slog.Logger
}

// NewLogGenerator creates a generator that only logs.
func NewLogGenerator(logger *slog.Logger) *LogGenerator {
	return &LogGenerator{logger: logger}
}

// Generate logs the request and returns its ID.
func (g *LogGenerator) Generate(ctx context.Context, req *domain.GenerateReportRequest) (string, error) {
	g.logger.Info("compliance report requested",
		"requestID", req.RequestID,
		"driverID", req.DriverID,
		"riskRating", req.RiskRating,
		"eventIDs", req.EventIDs(),
	)
	return req.RequestID, nil
}
