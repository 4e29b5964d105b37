// Package notification fans lifecycle, flood and report notifications out to
// subscribers without ever blocking the writer path. Subscribers own a
// buffered channel; a full buffer drops the notification for that
// subscriber only.
package notification

import (
	"time"

	"fleetguard/internal/domain"
)

// Kind identifies what a notification describes.
type Kind string

const (
	// KindTransition is emitted on every successful state transition.
	KindTransition Kind = "transition"
	// KindFlood is emitted when an arrival window crosses its threshold.
	KindFlood Kind = "flood"
	// KindReport is emitted when a compliance report request is triggered.
	KindReport Kind = "report"
)

// Notification is the payload delivered to subscribers.
// Fields not relevant to the kind are left empty.
type Notification struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`

	// Transition fields
	AlertID     string          `json:"alertId,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`
	Priority    domain.Priority `json:"priority,omitempty"`
	FromStatus  domain.Status   `json:"fromStatus,omitempty"`
	ToStatus    domain.Status   `json:"toStatus,omitempty"`
	Actor       string          `json:"actor,omitempty"`
	EscalatedTo string          `json:"escalatedTo,omitempty"`

	// Flood fields
	Scope     string           `json:"scope,omitempty"`
	AlertType domain.AlertType `json:"alertType,omitempty"`
	Count     int              `json:"count,omitempty"`
	Threshold int              `json:"threshold,omitempty"`

	// Report fields
	DriverID   string            `json:"driverId,omitempty"`
	RequestID  string            `json:"requestId,omitempty"`
	RiskRating domain.RiskRating `json:"riskRating,omitempty"`
}

// NewTransition builds a transition notification from the alert and the
// history entry the transition appended.
func NewTransition(alert *domain.Alert, entry domain.HistoryEntry) Notification {
	n := Notification{
		Kind:       KindTransition,
		At:         entry.At,
		AlertID:    alert.ID,
		DeviceID:   alert.DeviceID,
		Priority:   alert.Priority,
		FromStatus: entry.From,
		ToStatus:   entry.To,
		Actor:      entry.Actor,
	}
	if entry.To == domain.StatusEscalated {
		n.EscalatedTo = alert.EscalatedTo
	}
	return n
}

// NewFlood builds a flood notification. An empty alertType means the
// global window crossed its threshold.
func NewFlood(scope string, alertType domain.AlertType, count, threshold int, at time.Time) Notification {
	return Notification{
		Kind:      KindFlood,
		At:        at,
		Scope:     scope,
		AlertType: alertType,
		Count:     count,
		Threshold: threshold,
	}
}

// NewReport builds a report-triggered notification.
func NewReport(req *domain.GenerateReportRequest) Notification {
	return Notification{
		Kind:       KindReport,
		At:         req.CreatedAt,
		DriverID:   req.DriverID,
		RequestID:  req.RequestID,
		RiskRating: req.RiskRating,
		Count:      len(req.Events),
	}
}
