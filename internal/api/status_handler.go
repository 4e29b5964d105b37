package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"fleetguard/internal/lifecycle"
)

// StatusHandler serves the derived views: flood state, driver violation
// tallies and report outcomes.
type StatusHandler struct {
	service *lifecycle.Service
	logger  *slog.Logger
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(service *lifecycle.Service, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		service: service,
		logger:  logger,
	}
}

// Flood handles GET /v1/flood
// The flood condition is recomputed at request time.
func (h *StatusHandler) Flood(c *fiber.Ctx) error {
	return Success(c, h.service.FloodStatus())
}

// Violations handles GET /v1/drivers/:id/violations
func (h *StatusHandler) Violations(c *fiber.Ctx) error {
	driverID := c.Params("id")
	if driverID == "" {
		return BadRequest(c, "driver id is required")
	}

	resp := fiber.Map{"count": h.service.ViolationCount(driverID)}
	if window, ok := h.service.ViolationWindow(driverID); ok {
		resp["window"] = window
	}
	return Success(c, resp)
}

// Reports handles GET /v1/reports
// Returns recent report dispatch outcomes, newest first.
func (h *StatusHandler) Reports(c *fiber.Ctx) error {
	return Success(c, h.service.ReportOutcomes())
}

// Summary handles GET /v1/alerts/summary
// Returns alert counts by status.
func (h *StatusHandler) Summary(c *fiber.Ctx) error {
	return Success(c, h.service.CountByStatus())
}
