package store

import (
	"context"

	"fleetguard/internal/domain"
)

// AlertRepository defines the interface for durable alert storage.
// This is typically backed by PostgreSQL for production use.
type AlertRepository interface {
	// Insert stores a newly admitted alert and any history it carries,
	// atomically. A known ID is a no-op.
	Insert(ctx context.Context, alert *domain.Alert) error

	// Update overwrites the mutable fields of an existing alert and appends
	// entry when non-nil, atomically. The alert row never changes status
	// without its history row.
	Update(ctx context.Context, alert *domain.Alert, entry *domain.HistoryEntry) error

	// Get retrieves an alert by its event ID.
	Get(ctx context.Context, id string) (*domain.Alert, error)

	// Query retrieves alerts matching the filter criteria.
	Query(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error)

	// History retrieves the ordered transition records for an alert.
	History(ctx context.Context, alertID string) ([]domain.HistoryEntry, error)

	// LoadAll retrieves every stored alert with its history, used to
	// rebuild the in-memory store at startup.
	LoadAll(ctx context.Context) ([]*domain.Alert, error)
}
