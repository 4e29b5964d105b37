// Package domain contains the core business entities and value objects for FleetGuard.
// These models represent the ubiquitous language of the video alert lifecycle.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Priority represents the urgency class of an alert. It selects the SLA
// used by the escalation monitor.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Priorities lists every known priority from most to least urgent.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// IsValid returns true if the priority is a known value.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// AlertType is the enumerated tag of a safety/compliance event.
// Unknown tags are accepted; the constants cover the types the
// engine treats specially.
type AlertType string

const (
	AlertTypeSpeeding     AlertType = "speeding"
	AlertTypeHarshBraking AlertType = "harsh_braking"
	AlertTypeTamper       AlertType = "tamper"
	AlertTypeGeofence     AlertType = "geofence"
	AlertTypeFatigue      AlertType = "fatigue"
)

// NormalizeAlertType lowercases the tag and folds separators so that
// "Harsh-Braking" and "harsh_braking" name the same type.
func NormalizeAlertType(s string) AlertType {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	return AlertType(s)
}

// AlertEvent is the immutable, canonical form of an inbound alert.
// It is produced by the event source adapter and never modified afterwards.
type AlertEvent struct {
	// ID is the opaque unique identifier assigned by the event source.
	ID string `json:"id"`

	// DeviceID identifies the camera/telematics unit that raised the event.
	DeviceID string `json:"deviceId"`

	// DriverID identifies the driver the event is attributed to.
	// Falls back to DeviceID when the source does not report one.
	DriverID string `json:"driverId"`

	// AlertType is the enumerated event tag (speeding, tamper, ...).
	AlertType AlertType `json:"alertType"`

	// Priority drives the SLA applied to the alert.
	Priority Priority `json:"priority"`

	// Timestamp is the event-source clock, not the ingestion clock.
	Timestamp time.Time `json:"timestamp"`

	// Payload carries opaque metadata: location, screenshots, speed readings.
	Payload map[string]any `json:"payload,omitempty"`
}

// IsSevere reports whether the event is classified as severe: either the
// source flagged it with severity "severe" or it carries critical priority.
func (e *AlertEvent) IsSevere() bool {
	if e.Priority == PriorityCritical {
		return true
	}
	if e.Payload == nil {
		return false
	}
	sev, ok := e.Payload["severity"].(string)
	return ok && strings.EqualFold(strings.TrimSpace(sev), "severe")
}

// Validate checks the fields required of a canonical event.
func (e *AlertEvent) Validate() error {
	switch {
	case e.ID == "":
		return malformed("id", "is required")
	case e.DeviceID == "":
		return malformed("deviceId", "is required")
	case e.AlertType == "":
		return malformed("alertType", "is required")
	case e.Timestamp.IsZero():
		return malformed("timestamp", "is required")
	case !e.Priority.IsValid():
		return malformed("priority", fmt.Sprintf("unknown value %q", e.Priority))
	}
	return nil
}

// Clone returns a deep copy of the event so callers cannot share payload maps.
func (e AlertEvent) Clone() AlertEvent {
	if e.Payload != nil {
		payload := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}
		e.Payload = payload
	}
	return e
}
