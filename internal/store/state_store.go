// Package store defines interfaces for alert state and persistence.
// These abstractions allow swapping implementations (Redis, PostgreSQL, in-memory)
// without changing business logic.
package store

import (
	"context"
	"time"

	"fleetguard/internal/domain"
)

// AlertStore is the authoritative in-memory index of live alert state.
// It performs storage and indexing only; every state change is applied by the
// caller-supplied function passed to Update. All methods must be safe for
// concurrent use, and returned alerts are snapshot copies.
type AlertStore interface {
	// Upsert creates an alert with status new for an unseen event ID.
	// For a known ID it is a no-op that returns the existing alert and false.
	Upsert(event domain.AlertEvent, now time.Time) (*domain.Alert, bool)

	// Get retrieves an alert by its event ID.
	// Returns domain.ErrAlertNotFound if the ID is unknown.
	Get(id string) (*domain.Alert, error)

	// Query returns alerts matching the filter, newest event first.
	Query(filter domain.AlertFilter) []*domain.Alert

	// Update runs fn on a private copy of the alert while holding the
	// alert's lock. The copy is committed only when fn returns nil.
	Update(id string, fn func(*domain.Alert) error) (*domain.Alert, error)

	// Restore bulk-loads alerts that are not yet present.
	// It returns the number of alerts loaded.
	Restore(alerts []*domain.Alert) int

	// OpenAlerts returns a snapshot of every non-terminal alert.
	OpenAlerts() []*domain.Alert

	// CountByStatus returns the number of alerts in each status.
	CountByStatus() map[domain.Status]int
}

// SeenCache is a bounded, time-boxed record of recently ingested event IDs.
// It is typically backed by Redis so replays are suppressed across restarts.
type SeenCache interface {
	// MarkSeen records the ID and reports whether it was unseen within the TTL.
	// A false result means the event is a duplicate.
	MarkSeen(ctx context.Context, id string) (bool, error)

	// Close releases any resources held by the cache.
	Close() error
}

// DefaultSeenTTL is how long an event ID is remembered for deduplication.
const DefaultSeenTTL = 10 * time.Minute
