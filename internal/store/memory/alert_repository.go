package memory

import (
	"context"
	"sort"
	"sync"

	"fleetguard/internal/domain"
	"fleetguard/internal/store"
)

// Compile-time check that AlertRepository satisfies the interface.
var _ store.AlertRepository = (*AlertRepository)(nil)

// AlertRepository is an in-memory implementation of store.AlertRepository.
// Alert rows and history rows are kept apart, mirroring the two tables of
// the PostgreSQL implementation.
type AlertRepository struct {
	mu sync.RWMutex

	// alerts stores alert rows by event ID, without history
	alerts map[string]*domain.Alert

	// history stores transition rows by alert ID, in append order
	history map[string][]domain.HistoryEntry
}

// NewAlertRepository creates a new in-memory alert repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{
		alerts:  make(map[string]*domain.Alert),
		history: make(map[string][]domain.HistoryEntry),
	}
}

// Insert stores a new alert and the history it carries. Inserting a known
// ID is a no-op.
func (r *AlertRepository) Insert(ctx context.Context, alert *domain.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.alerts[alert.ID]; exists {
		return nil
	}
	r.alerts[alert.ID] = row(alert)
	if len(alert.History) > 0 {
		r.history[alert.ID] = append([]domain.HistoryEntry{}, alert.History...)
	}
	return nil
}

// Update modifies an existing alert and appends entry when non-nil.
func (r *AlertRepository) Update(ctx context.Context, alert *domain.Alert, entry *domain.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.alerts[alert.ID]; !exists {
		return domain.ErrAlertNotFound
	}
	r.alerts[alert.ID] = row(alert)
	if entry != nil {
		r.history[alert.ID] = append(r.history[alert.ID], *entry)
	}
	return nil
}

// Get retrieves an alert by its event ID, including its history.
func (r *AlertRepository) Get(ctx context.Context, id string) (*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	alert, exists := r.alerts[id]
	if !exists {
		return nil, domain.ErrAlertNotFound
	}
	return r.assembleLocked(alert), nil
}

// Query retrieves alerts matching the filter criteria, newest event first.
func (r *AlertRepository) Query(ctx context.Context, filter domain.AlertFilter) ([]*domain.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []*domain.Alert
	for _, alert := range r.alerts {
		if !filter.Matches(alert) {
			continue
		}
		results = append(results, r.assembleLocked(alert))
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Timestamp.After(results[j].Timestamp)
	})

	// Apply offset and limit
	start := filter.Offset
	if start > len(results) {
		start = len(results)
	}

	end := len(results)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	return results[start:end], nil
}

// History retrieves the ordered transition records for an alert.
func (r *AlertRepository) History(ctx context.Context, alertID string) ([]domain.HistoryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.alerts[alertID]; !exists {
		return nil, domain.ErrAlertNotFound
	}
	return append([]domain.HistoryEntry{}, r.history[alertID]...), nil
}

// LoadAll retrieves every stored alert with its history.
func (r *AlertRepository) LoadAll(ctx context.Context) ([]*domain.Alert, error) {
	return r.Query(ctx, domain.AlertFilter{})
}

// assembleLocked joins an alert row with its history rows.
func (r *AlertRepository) assembleLocked(alert *domain.Alert) *domain.Alert {
	result := alert.Clone()
	result.History = append([]domain.HistoryEntry{}, r.history[alert.ID]...)
	return result
}

// row returns a copy of the alert without history.
func row(alert *domain.Alert) *domain.Alert {
	c := alert.Clone()
	c.History = nil
	return c
}

// Clear removes all data from the repository. Useful for test cleanup.
func (r *AlertRepository) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.alerts = make(map[string]*domain.Alert)
	r.history = make(map[string][]domain.HistoryEntry)
}
