package api

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"fleetguard/internal/domain"
	"fleetguard/internal/lifecycle"
)

// defaultActor is recorded when a command carries no actor.
const defaultActor = "operator"

// AlertHandler handles the alert query and command surface.
type AlertHandler struct {
	service *lifecycle.Service
	logger  *slog.Logger
}

// NewAlertHandler creates a new alert handler.
func NewAlertHandler(service *lifecycle.Service, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{
		service: service,
		logger:  logger,
	}
}

// CommandRequest is the body accepted by the command endpoints. Fields a
// command does not use are ignored.
type CommandRequest struct {
	Actor  string `json:"actor" form:"actor"`
	Target string `json:"target" form:"target"`
	Notes  string `json:"notes" form:"notes"`
	Text   string `json:"text" form:"text"`
}

// List handles GET /v1/alerts
// Returns alerts matching query parameters, newest event first.
func (h *AlertHandler) List(c *fiber.Ctx) error {
	filter := domain.AlertFilter{
		DeviceID: c.Query("device"),
		DriverID: c.Query("driver"),
	}

	if status := c.Query("status"); status != "" {
		filter.Status = domain.Status(status)
		if !filter.Status.IsValid() {
			return BadRequest(c, "unknown status "+status)
		}
	}
	if priority := c.Query("priority"); priority != "" {
		filter.Priority = domain.Priority(priority)
		if !filter.Priority.IsValid() {
			return BadRequest(c, "unknown priority "+priority)
		}
	}
	if alertType := c.Query("type"); alertType != "" {
		filter.Type = domain.NormalizeAlertType(alertType)
	}

	var err error
	if filter.Since, err = parseTime(c.Query("since")); err != nil {
		return BadRequest(c, "since must be RFC3339")
	}
	if filter.Until, err = parseTime(c.Query("until")); err != nil {
		return BadRequest(c, "until must be RFC3339")
	}

	// Parse pagination
	if limit := c.Query("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offset := c.Query("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	// Default limit if not specified
	if filter.Limit == 0 {
		filter.Limit = 100
	}

	return Success(c, h.service.List(c.Context(), filter))
}

// Get handles GET /v1/alerts/:id
func (h *AlertHandler) Get(c *fiber.Ctx) error {
	alert, err := h.service.Get(c.Context(), c.Params("id"))
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, alert)
}

// History handles GET /v1/alerts/:id/history
func (h *AlertHandler) History(c *fiber.Ctx) error {
	history, err := h.service.History(c.Context(), c.Params("id"))
	if err != nil {
		return DomainError(c, err)
	}
	return Success(c, history)
}

// Acknowledge handles POST /v1/alerts/:id/acknowledge
func (h *AlertHandler) Acknowledge(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandAcknowledge, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.Acknowledge(ctx, id, req.Actor)
	})
}

// Investigate handles POST /v1/alerts/:id/investigate
func (h *AlertHandler) Investigate(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandInvestigate, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.Investigate(ctx, id, req.Actor)
	})
}

// Escalate handles POST /v1/alerts/:id/escalate
// An empty target is resolved from the escalation policy.
func (h *AlertHandler) Escalate(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandEscalate, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.Escalate(ctx, id, req.Actor, req.Target)
	})
}

// DeEscalate handles POST /v1/alerts/:id/de-escalate
func (h *AlertHandler) DeEscalate(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandDeEscalate, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.DeEscalate(ctx, id, req.Actor)
	})
}

// Resolve handles POST /v1/alerts/:id/resolve
func (h *AlertHandler) Resolve(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandResolve, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.Resolve(ctx, id, req.Actor)
	})
}

// Close handles POST /v1/alerts/:id/close
// The body must carry closing notes of at least ten characters.
func (h *AlertHandler) Close(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandClose, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.Close(ctx, id, req.Actor, req.Notes)
	})
}

// Annotate handles POST /v1/alerts/:id/annotations
func (h *AlertHandler) Annotate(c *fiber.Ctx) error {
	return h.command(c, lifecycle.CommandAnnotate, func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error) {
		return h.service.Annotate(ctx, id, req.Actor, req.Text)
	})
}

// command parses the optional body, runs fn and maps its result.
func (h *AlertHandler) command(
	c *fiber.Ctx,
	name string,
	fn func(ctx context.Context, id string, req CommandRequest) (*domain.Alert, error),
) error {
	var req CommandRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			h.logger.Debug("failed to parse command body", "command", name, "error", err)
			return BadRequest(c, "invalid request body")
		}
	}
	req.Actor = strings.TrimSpace(req.Actor)
	if req.Actor == "" {
		req.Actor = defaultActor
	}

	id := c.Params("id")
	alert, err := fn(c.Context(), id, req)
	if err != nil {
		h.logger.Debug("command rejected", "command", name, "alertID", id, "error", err)
		return DomainError(c, err)
	}

	h.logger.Info("command applied", "command", name, "alertID", id, "status", alert.Status, "actor", req.Actor)
	return Success(c, alert)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
