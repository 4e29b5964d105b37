// Package violation counts qualifying events per driver over a rolling window
// and emits exactly one report request per accumulated batch.
package violation

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
)

// batchNamespace seeds deterministic batch identifiers.
var batchNamespace = uuid.MustParse("6f1c2d0e-3b7a-4a53-9d55-5f0e2b8c4a11")

// Config holds the aggregation policy.
type Config struct {
	// AlertTypes lists the qualifying alert types.
	AlertTypes []domain.AlertType

	// Window is the rolling window, measured on the event-source clock.
	Window time.Duration

	// BatchSize is the number of pending events that triggers a report.
	BatchSize int
}

// DefaultConfig returns speeding events, three per batch, within 30 days.
func DefaultConfig() Config {
	return Config{
		AlertTypes: []domain.AlertType{domain.AlertTypeSpeeding},
		Window:     30 * 24 * time.Hour,
		BatchSize:  3,
	}
}

// Window is a snapshot of one driver's aggregation state.
type Window struct {
	DriverID string `json:"driverId"`

	// Pending holds qualifying events not yet part of a reported batch,
	// ordered by event timestamp.
	Pending []domain.AlertEvent `json:"pending"`

	// LastReportedBatchID is the watermark of the last emitted batch.
	LastReportedBatchID string `json:"lastReportedBatchId,omitempty"`

	// ReportedBatches counts batches emitted for this driver.
	ReportedBatches int `json:"reportedBatches"`
}

// Count is the violation tally of one driver.
type Count struct {
	DriverID string `json:"driverId"`

	// Pending is the number of qualifying events awaiting a batch.
	Pending int `json:"pending"`

	// InWindow is every qualifying event inside the rolling window,
	// reported or not.
	InWindow int `json:"inWindow"`

	BatchSize           int    `json:"batchSize"`
	LastReportedBatchID string `json:"lastReportedBatchId,omitempty"`
}

type driverWindow struct {
	pending   []domain.AlertEvent
	reported  []time.Time
	lastBatch string
	batches   int
	newest    time.Time
}

// Aggregator tracks per-driver windows. It is safe for concurrent use.
type Aggregator struct {
	mu         sync.Mutex
	cfg        Config
	qualifying map[domain.AlertType]bool
	drivers    map[string]*driverWindow
	now        func() time.Time
}

// NewAggregator creates an aggregator, replacing non-positive settings with
// the defaults.
func NewAggregator(cfg Config) *Aggregator {
	def := DefaultConfig()
	if len(cfg.AlertTypes) == 0 {
		cfg.AlertTypes = def.AlertTypes
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}

	qualifying := make(map[domain.AlertType]bool, len(cfg.AlertTypes))
	for _, t := range cfg.AlertTypes {
		qualifying[domain.NormalizeAlertType(string(t))] = true
	}

	return &Aggregator{
		cfg:        cfg,
		qualifying: qualifying,
		drivers:    make(map[string]*driverWindow),
		now:        time.Now,
	}
}

// WithClock replaces the time source used to stamp requests. Intended for tests.
func (a *Aggregator) WithClock(now func() time.Time) *Aggregator {
	a.now = now
	return a
}

// Qualifies reports whether the alert type counts towards a batch.
func (a *Aggregator) Qualifies(t domain.AlertType) bool {
	return a.qualifying[t]
}

// Observe adds a newly admitted event. It returns a report request when the
// driver's pending set reaches the batch size, and nil otherwise. Each event
// belongs to at most one batch, so a request is never emitted twice for the
// same events.
func (a *Aggregator) Observe(event domain.AlertEvent) *domain.GenerateReportRequest {
	if !a.Qualifies(event.AlertType) {
		return nil
	}
	driver := event.DriverID
	if driver == "" {
		driver = event.DeviceID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.drivers[driver]
	if !ok {
		w = &driverWindow{}
		a.drivers[driver] = w
	}

	if event.Timestamp.After(w.newest) {
		w.newest = event.Timestamp
	}
	cutoff := w.newest.Add(-a.cfg.Window)
	if event.Timestamp.Before(cutoff) {
		// Arrived too late to share a window with anything current.
		return nil
	}

	w.pending = insertOrdered(w.pending, event.Clone())
	w.prune(cutoff)

	if len(w.pending) < a.cfg.BatchSize {
		return nil
	}

	batch := w.pending[:a.cfg.BatchSize]
	batchID := batchIdentifier(driver, batch)
	if batchID == w.lastBatch {
		return nil
	}

	req := &domain.GenerateReportRequest{
		RequestID:  uuid.NewString(),
		BatchID:    batchID,
		DriverID:   driver,
		AlertType:  event.AlertType,
		Events:     append([]domain.AlertEvent(nil), batch...),
		RiskRating: domain.ClassifyRisk(batch),
		CreatedAt:  a.now().UTC(),
	}

	for _, e := range batch {
		w.reported = append(w.reported, e.Timestamp)
	}
	w.pending = append([]domain.AlertEvent(nil), w.pending[a.cfg.BatchSize:]...)
	w.lastBatch = batchID
	w.batches++

	metrics.ReportRequestsTotal.WithLabelValues("triggered").Inc()
	return req
}

// prune drops pending and reported events older than the cutoff.
func (w *driverWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.pending) && w.pending[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.pending = append([]domain.AlertEvent(nil), w.pending[i:]...)
	}

	kept := w.reported[:0]
	for _, ts := range w.reported {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.reported = kept
}

// Count returns the driver's tally for the window ending at now.
func (a *Aggregator) Count(driverID string, now time.Time) Count {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := Count{DriverID: driverID, BatchSize: a.cfg.BatchSize}
	w, ok := a.drivers[driverID]
	if !ok {
		return c
	}

	cutoff := now.Add(-a.cfg.Window)
	for _, e := range w.pending {
		if !e.Timestamp.Before(cutoff) {
			c.Pending++
		}
	}
	c.InWindow = c.Pending
	for _, ts := range w.reported {
		if !ts.Before(cutoff) {
			c.InWindow++
		}
	}
	c.LastReportedBatchID = w.lastBatch
	return c
}

// Snapshot returns a copy of the driver's window, or false if the driver
// has no qualifying events.
func (a *Aggregator) Snapshot(driverID string) (Window, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.drivers[driverID]
	if !ok {
		return Window{}, false
	}

	pending := make([]domain.AlertEvent, len(w.pending))
	for i, e := range w.pending {
		pending[i] = e.Clone()
	}
	return Window{
		DriverID:            driverID,
		Pending:             pending,
		LastReportedBatchID: w.lastBatch,
		ReportedBatches:     w.batches,
	}, true
}

// insertOrdered keeps pending sorted by event timestamp; arrivals are
// usually in order, so this is an append.
func insertOrdered(events []domain.AlertEvent, e domain.AlertEvent) []domain.AlertEvent {
	i := len(events)
	for i > 0 && events[i-1].Timestamp.After(e.Timestamp) {
		i--
	}
	events = append(events, domain.AlertEvent{})
	copy(events[i+1:], events[i:])
	events[i] = e
	return events
}

// batchIdentifier derives a stable ID from the driver and the event IDs,
// so the same batch always maps to the same watermark.
func batchIdentifier(driver string, batch []domain.AlertEvent) string {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.ID
	}
	return uuid.NewSHA1(batchNamespace, []byte(driver+"|"+strings.Join(ids, ","))).String()
}
