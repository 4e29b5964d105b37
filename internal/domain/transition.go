package domain

import (
	"strings"
	"time"
)

// MinClosingNotesLength is the minimum number of characters (after trimming)
// required to close an alert.
const MinClosingNotesLength = 10

// transitions is the legal transition table. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusNew:           {StatusAcknowledged, StatusEscalated, StatusClosed},
	StatusAcknowledged:  {StatusInvestigating, StatusEscalated, StatusResolved, StatusClosed},
	StatusInvestigating: {StatusEscalated, StatusResolved, StatusClosed},
	StatusEscalated:     {StatusInvestigating, StatusResolved, StatusClosed},
}

// CanTransition reports whether the table permits from -> to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionContext carries the inputs a transition may need.
type TransitionContext struct {
	// Actor identifies who or what requested the transition.
	Actor string

	// At is the time the transition happens.
	At time.Time

	// Notes are the closing notes; required when moving to closed.
	Notes string

	// Target is the escalation assignee; required when moving to escalated.
	Target string
}

// Transition moves the alert to status to, applying the side effects of the
// transition and appending exactly one history entry. The alert is left
// untouched when an error is returned.
func Transition(a *Alert, to Status, tc TransitionContext) error {
	from := a.Status
	if !to.IsValid() || !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}

	notes := strings.TrimSpace(tc.Notes)
	switch to {
	case StatusClosed:
		if len([]rune(notes)) < MinClosingNotesLength {
			return &ValidationError{Field: "closingNotes", Reason: "must be at least 10 characters"}
		}
	case StatusEscalated:
		if strings.TrimSpace(tc.Target) == "" {
			return &ValidationError{Field: "escalatedTo", Reason: "escalation target could not be resolved"}
		}
	}

	at := tc.At.UTC()
	// History must stay monotonic even if a caller's clock steps backwards.
	if n := len(a.History); n > 0 && at.Before(a.History[n-1].At) {
		at = a.History[n-1].At
	}

	switch to {
	case StatusAcknowledged:
		a.AcknowledgedAt = &at
	case StatusEscalated:
		a.EscalationLevel++
		a.EscalatedAt = &at
		a.EscalatedTo = strings.TrimSpace(tc.Target)
	case StatusResolved:
		a.ResolvedAt = &at
	case StatusClosed:
		a.ClosedAt = &at
		a.ClosingNotes = notes
	}

	a.Status = to
	a.UpdatedAt = at
	a.History = append(a.History, HistoryEntry{
		From:  from,
		To:    to,
		At:    at,
		Actor: tc.Actor,
	})
	return nil
}

// Annotate appends an audit note. It is allowed in every status.
func Annotate(a *Alert, note Annotation) error {
	if strings.TrimSpace(note.Text) == "" {
		return &ValidationError{Field: "text", Reason: "is required"}
	}
	note.Text = strings.TrimSpace(note.Text)
	note.At = note.At.UTC()
	a.Annotations = append(a.Annotations, note)
	a.UpdatedAt = note.At
	return nil
}

// ValidateHistory checks the chain and ordering invariants of an alert's
// history. It is used when restoring alerts from persistence.
func ValidateHistory(a *Alert) bool {
	prev := StatusNew
	var last time.Time
	for _, h := range a.History {
		if h.From != prev || !CanTransition(h.From, h.To) {
			return false
		}
		if h.At.Before(last) {
			return false
		}
		prev, last = h.To, h.At
	}
	return prev == a.Status
}
