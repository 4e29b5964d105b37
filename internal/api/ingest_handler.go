package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"fleetguard/internal/domain"
	"fleetguard/internal/ingest"
)

// IngestHandler handles HTTP requests for event ingestion.
type IngestHandler struct {
	service *ingest.Service
	logger  *slog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(service *ingest.Service, logger *slog.Logger) *IngestHandler {
	return &IngestHandler{
		service: service,
		logger:  logger,
	}
}

// IngestEvents handles POST /v1/events
// Accepts a single event object or an array of events, validates them and
// publishes them to the event queue. Returns 202 Accepted immediately -
// admission happens asynchronously.
func (h *IngestHandler) IngestEvents(c *fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return BadRequest(c, "request body is required")
	}

	events, err := h.service.Publish(c.Context(), body)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedEvent) {
			h.logger.Debug("event validation failed", "error", err)
			return DomainError(c, err)
		}
		h.logger.Error("failed to publish events", "error", err, "published", len(events))
		return InternalError(c, "failed to ingest events")
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}

	h.logger.Debug("events accepted", "count", len(ids))

	// Return 202 Accepted - events will be admitted asynchronously
	return Accepted(c, fiber.Map{
		"status":   "accepted",
		"eventIds": ids,
	})
}
