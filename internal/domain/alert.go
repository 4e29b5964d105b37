package domain

import (
	"time"
)

// Status represents the lifecycle state of an alert.
type Status string

const (
	StatusNew           Status = "new"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusEscalated     Status = "escalated"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

// IsValid returns true if the status is a known lifecycle state.
func (s Status) IsValid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusInvestigating,
		StatusEscalated, StatusResolved, StatusClosed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	return s == StatusResolved || s == StatusClosed
}

// HistoryEntry records one state transition. Entries are append-only.
type HistoryEntry struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	At    time.Time `json:"at"`
	Actor string    `json:"actor"`
}

// Annotation is an audit note. Annotations are the only change a terminal
// alert accepts.
type Annotation struct {
	Author string    `json:"author"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Alert is the mutable lifecycle record created from an AlertEvent.
// It is owned by the alert store and only changed through Transition.
type Alert struct {
	AlertEvent

	// Status is the current state machine state.
	Status Status `json:"status"`

	// EscalationLevel starts at 0 and is incremented on every escalation.
	EscalationLevel int `json:"escalationLevel"`

	// EscalatedAt is when the alert was last escalated.
	EscalatedAt *time.Time `json:"escalatedAt,omitempty"`

	// EscalatedTo references the assignee of the last escalation.
	EscalatedTo string `json:"escalatedTo,omitempty"`

	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	ClosedAt       *time.Time `json:"closedAt,omitempty"`

	// ClosingNotes is required when the alert is closed.
	ClosingNotes string `json:"closingNotes,omitempty"`

	// History is the ordered, append-only transition log.
	History []HistoryEntry `json:"history"`

	Annotations []Annotation `json:"annotations,omitempty"`

	// CreatedAt is the ingestion clock time the alert was first admitted.
	CreatedAt time.Time `json:"createdAt"`

	// UpdatedAt is when the alert was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewAlert creates an alert in status new from an admitted event.
func NewAlert(event AlertEvent, now time.Time) *Alert {
	return &Alert{
		AlertEvent: event.Clone(),
		Status:     StatusNew,
		History:    []HistoryEntry{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsTerminal reports whether the alert is resolved or closed.
func (a *Alert) IsTerminal() bool {
	return a.Status.IsTerminal()
}

// IsEscalated returns true if the alert is currently escalated.
func (a *Alert) IsEscalated() bool {
	return a.Status == StatusEscalated
}

// SLAReference returns the instant the SLA clock runs from: the later of the
// event timestamp and the last escalation.
func (a *Alert) SLAReference() time.Time {
	if a.EscalatedAt != nil && a.EscalatedAt.After(a.Timestamp) {
		return *a.EscalatedAt
	}
	return a.Timestamp
}

// Clone returns a deep copy so callers can never alias store-owned state.
func (a *Alert) Clone() *Alert {
	c := *a
	c.AlertEvent = a.AlertEvent.Clone()
	c.History = append([]HistoryEntry(nil), a.History...)
	if c.History == nil {
		c.History = []HistoryEntry{}
	}
	c.Annotations = append([]Annotation(nil), a.Annotations...)
	c.EscalatedAt = cloneTime(a.EscalatedAt)
	c.AcknowledgedAt = cloneTime(a.AcknowledgedAt)
	c.ResolvedAt = cloneTime(a.ResolvedAt)
	c.ClosedAt = cloneTime(a.ClosedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// AlertFilter provides filtering options for querying alerts.
// Zero-valued fields do not filter.
type AlertFilter struct {
	Status   Status
	Priority Priority
	DeviceID string
	DriverID string
	Type     AlertType
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// Matches reports whether the alert satisfies every set filter field.
func (f *AlertFilter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Priority != "" && a.Priority != f.Priority {
		return false
	}
	if f.DeviceID != "" && a.DeviceID != f.DeviceID {
		return false
	}
	if f.DriverID != "" && a.DriverID != f.DriverID {
		return false
	}
	if f.Type != "" && a.AlertType != f.Type {
		return false
	}
	if !f.Since.IsZero() && a.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && a.Timestamp.After(f.Until) {
		return false
	}
	return true
}
