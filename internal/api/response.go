// Package api provides the HTTP query, command and subscription surface of
// the FleetGuard REST API.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"fleetguard/internal/domain"
)

// APIResponse is the standard response envelope for all API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError represents an error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes for consistent API responses.
const (
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeMalformedEvent    = "MALFORMED_EVENT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeUnavailable       = "DOWNSTREAM_UNAVAILABLE"
)

// Success sends a successful JSON response with the given data.
func Success(c *fiber.Ctx, data interface{}) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
	})
}

// SuccessWithStatus sends a successful JSON response with a custom status code.
func SuccessWithStatus(c *fiber.Ctx, status int, data interface{}) error {
	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
	})
}

// Accepted sends a 202 Accepted response with the given data.
func Accepted(c *fiber.Ctx, data interface{}) error {
	return SuccessWithStatus(c, fiber.StatusAccepted, data)
}

// Error sends an error JSON response with the given status code.
func Error(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error: &APIError{
			Code:    code,
			Message: message,
		},
	})
}

// BadRequest sends a 400 Bad Request error response.
func BadRequest(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadRequest, ErrCodeBadRequest, message)
}

// ValidationError sends a 422 Unprocessable Entity error for command inputs
// that fail validation.
func ValidationError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnprocessableEntity, ErrCodeValidationFailed, message)
}

// NotFound sends a 404 Not Found error response.
func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, ErrCodeNotFound, message)
}

// Conflict sends a 409 Conflict error for transitions the state machine
// does not permit.
func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, ErrCodeIllegalTransition, message)
}

// InternalError sends a 500 Internal Server Error response.
func InternalError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, ErrCodeInternalError, message)
}

// DomainError maps the domain error taxonomy onto HTTP responses.
func DomainError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, domain.ErrAlertNotFound):
		return NotFound(c, err.Error())
	case errors.Is(err, domain.ErrIllegalTransition):
		return Conflict(c, err.Error())
	case errors.Is(err, domain.ErrValidation):
		return ValidationError(c, err.Error())
	case errors.Is(err, domain.ErrMalformedEvent):
		return Error(c, fiber.StatusBadRequest, ErrCodeMalformedEvent, err.Error())
	case errors.Is(err, domain.ErrDownstreamUnavailable):
		return Error(c, fiber.StatusServiceUnavailable, ErrCodeUnavailable, err.Error())
	default:
		return InternalError(c, err.Error())
	}
}
