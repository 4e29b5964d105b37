// Package memory provides in-memory implementations of store interfaces.
// The AlertStore here is the authoritative live index in every storage mode;
// the repository and seen cache are useful for testing and development
// without external dependencies.
package memory

import (
	"sort"
	"sync"
	"time"

	"fleetguard/internal/domain"
	"fleetguard/internal/store"
)

// Compile-time check that AlertStore satisfies the interface.
var _ store.AlertStore = (*AlertStore)(nil)

// entry holds one alert. mu serializes writers of this alert only.
// The alert pointer is replaced on commit and never mutated in place,
// so readers can clone it without taking mu.
type entry struct {
	mu    sync.Mutex
	alert *domain.Alert
}

type idSet map[string]struct{}

// AlertStore is an in-memory implementation of store.AlertStore.
// Writers of different alerts never contend on the same lock; the index
// lock is held only while swapping pointers and maintaining indices.
type AlertStore struct {
	mu sync.RWMutex

	// alerts stores entries keyed by event ID
	alerts map[string]*entry

	// secondary indices keyed by device, priority and status
	byDevice   map[string]idSet
	byPriority map[domain.Priority]idSet
	byStatus   map[domain.Status]idSet
}

// NewAlertStore creates a new in-memory alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{
		alerts:     make(map[string]*entry),
		byDevice:   make(map[string]idSet),
		byPriority: make(map[domain.Priority]idSet),
		byStatus:   make(map[domain.Status]idSet),
	}
}

// Upsert creates an alert for an unseen event ID.
func (s *AlertStore) Upsert(event domain.AlertEvent, now time.Time) (*domain.Alert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.alerts[event.ID]; exists {
		return e.alert.Clone(), false
	}

	alert := domain.NewAlert(event, now)
	s.insertLocked(alert)
	return alert.Clone(), true
}

// Get retrieves an alert by its event ID.
func (s *AlertStore) Get(id string) (*domain.Alert, error) {
	s.mu.RLock()
	e, exists := s.alerts[id]
	var alert *domain.Alert
	if exists {
		alert = e.alert
	}
	s.mu.RUnlock()

	if !exists {
		return nil, domain.ErrAlertNotFound
	}
	return alert.Clone(), nil
}

// Query returns alerts matching the filter, ordered by event timestamp
// (newest first), then by ID.
func (s *AlertStore) Query(filter domain.AlertFilter) []*domain.Alert {
	s.mu.RLock()
	candidates := s.candidatesLocked(filter)
	snapshot := make([]*domain.Alert, 0, len(candidates))
	for _, id := range candidates {
		if a := s.alerts[id].alert; filter.Matches(a) {
			snapshot = append(snapshot, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool {
		if !snapshot[i].Timestamp.Equal(snapshot[j].Timestamp) {
			return snapshot[i].Timestamp.After(snapshot[j].Timestamp)
		}
		return snapshot[i].ID < snapshot[j].ID
	})

	start := filter.Offset
	if start > len(snapshot) {
		start = len(snapshot)
	}
	end := len(snapshot)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}

	results := make([]*domain.Alert, 0, end-start)
	for _, a := range snapshot[start:end] {
		results = append(results, a.Clone())
	}
	return results
}

// candidatesLocked picks the narrowest index for the filter.
// Must be called with s.mu held.
func (s *AlertStore) candidatesLocked(filter domain.AlertFilter) []string {
	var set idSet
	switch {
	case filter.DeviceID != "":
		set = s.byDevice[filter.DeviceID]
	case filter.Status != "":
		set = s.byStatus[filter.Status]
	case filter.Priority != "":
		set = s.byPriority[filter.Priority]
	default:
		ids := make([]string, 0, len(s.alerts))
		for id := range s.alerts {
			ids = append(ids, id)
		}
		return ids
	}

	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Update applies fn to a private copy of the alert and commits it only when
// fn succeeds. Concurrent updates of the same alert are serialized.
func (s *AlertStore) Update(id string, fn func(*domain.Alert) error) (*domain.Alert, error) {
	s.mu.RLock()
	e, exists := s.alerts[id]
	s.mu.RUnlock()
	if !exists {
		return nil, domain.ErrAlertNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	working := e.alert.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	prev := e.alert
	e.alert = working
	if prev.Status != working.Status {
		// Index under the stored ID; the caller's id may alias a reused buffer.
		remove(s.byStatus, prev.Status, prev.ID)
		add(s.byStatus, working.Status, prev.ID)
	}
	s.mu.Unlock()

	return working.Clone(), nil
}

// Restore bulk-loads alerts whose IDs are not yet present.
func (s *AlertStore) Restore(alerts []*domain.Alert) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, a := range alerts {
		if a == nil || a.ID == "" {
			continue
		}
		if _, exists := s.alerts[a.ID]; exists {
			continue
		}
		s.insertLocked(a.Clone())
		loaded++
	}
	return loaded
}

// OpenAlerts returns a snapshot of every non-terminal alert.
func (s *AlertStore) OpenAlerts() []*domain.Alert {
	s.mu.RLock()
	var open []*domain.Alert
	for _, status := range []domain.Status{
		domain.StatusNew,
		domain.StatusAcknowledged,
		domain.StatusInvestigating,
		domain.StatusEscalated,
	} {
		for id := range s.byStatus[status] {
			open = append(open, s.alerts[id].alert)
		}
	}
	s.mu.RUnlock()

	results := make([]*domain.Alert, len(open))
	for i, a := range open {
		results[i] = a.Clone()
	}
	return results
}

// CountByStatus returns the number of alerts in each status.
func (s *AlertStore) CountByStatus() map[domain.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[domain.Status]int, len(s.byStatus))
	for status, ids := range s.byStatus {
		if len(ids) > 0 {
			counts[status] = len(ids)
		}
	}
	return counts
}

// Len returns the total number of alerts.
func (s *AlertStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}

// insertLocked adds a new alert and its index entries.
// Must be called with s.mu held for writing.
func (s *AlertStore) insertLocked(alert *domain.Alert) {
	s.alerts[alert.ID] = &entry{alert: alert}
	add(s.byDevice, alert.DeviceID, alert.ID)
	add(s.byPriority, alert.Priority, alert.ID)
	add(s.byStatus, alert.Status, alert.ID)
}

func add[K comparable](index map[K]idSet, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(idSet)
		index[key] = set
	}
	set[id] = struct{}{}
}

func remove[K comparable](index map[K]idSet, key K, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

// --- Test Helpers ---

// Clear removes all data from the store. Useful for test cleanup.
func (s *AlertStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = make(map[string]*entry)
	s.byDevice = make(map[string]idSet)
	s.byPriority = make(map[domain.Priority]idSet)
	s.byStatus = make(map[domain.Status]idSet)
}
