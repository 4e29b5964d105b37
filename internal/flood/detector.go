// Package flood detects abnormal bursts of alert arrivals. It is advisory
// only: a flood raises a signal for the notification layer and never changes
// alert state.
package flood

import (
	"sort"
	"sync"
	"time"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
)

// Scope selects which windows are maintained.
type Scope string

const (
	ScopeGlobal  Scope = "global"
	ScopePerType Scope = "per_type"
	ScopeBoth    Scope = "both"
)

// Config holds the flood detection settings.
type Config struct {
	// Window is the sliding window span.
	Window time.Duration

	// Buckets is the number of buckets the window is divided into.
	Buckets int

	// Threshold is the arrival count at which a window is flooded.
	Threshold int

	// Scope selects global, per-type or both windows.
	Scope Scope
}

// DefaultConfig returns 50 arrivals within 15 minutes, in 60 buckets,
// evaluated globally and per type.
func DefaultConfig() Config {
	return Config{
		Window:    15 * time.Minute,
		Buckets:   60,
		Threshold: 50,
		Scope:     ScopeBoth,
	}
}

// Signal reports that an arrival moved a window from below its threshold
// to at or above it.
type Signal struct {
	// Scope is ScopeGlobal or ScopePerType.
	Scope Scope

	// AlertType is set for per-type signals.
	AlertType domain.AlertType

	Count     int
	Threshold int
	At        time.Time
}

// TypeStatus is the flood state of one alert type.
type TypeStatus struct {
	Active bool `json:"active"`
	Count  int  `json:"count"`
}

// Status is the flood state computed at read time.
type Status struct {
	// Active is true when any maintained window is at or above threshold.
	Active bool `json:"active"`

	// Count is the global arrival count within the window.
	Count int `json:"count"`

	Threshold     int                             `json:"threshold"`
	WindowMinutes float64                         `json:"windowMinutes"`
	Scope         Scope                           `json:"scope"`
	ByType        map[domain.AlertType]TypeStatus `json:"byType,omitempty"`
	ActiveTypes   []domain.AlertType              `json:"activeTypes,omitempty"`
	EvaluatedAt   time.Time                       `json:"evaluatedAt"`
}

// Detector maintains arrival windows. It is safe for concurrent use.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	global *window
	byType map[domain.AlertType]*window
}

// NewDetector creates a detector, replacing non-positive settings with the
// defaults.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Buckets <= 0 {
		cfg.Buckets = def.Buckets
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	switch cfg.Scope {
	case ScopeGlobal, ScopePerType, ScopeBoth:
	default:
		cfg.Scope = def.Scope
	}

	return &Detector{
		cfg:    cfg,
		global: newWindow(cfg.Window, cfg.Buckets),
		byType: make(map[domain.AlertType]*window),
	}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) tracksGlobal() bool  { return d.cfg.Scope != ScopePerType }
func (d *Detector) tracksPerType() bool { return d.cfg.Scope != ScopeGlobal }

// Record counts one arrival and returns a signal for every window this
// arrival pushed across the threshold.
func (d *Detector) Record(alertType domain.AlertType, at time.Time) []Signal {
	d.mu.Lock()
	defer d.mu.Unlock()

	var signals []Signal

	if d.tracksGlobal() {
		if s, ok := d.recordLocked(d.global, at); ok {
			s.Scope = ScopeGlobal
			signals = append(signals, s)
		}
		metrics.FloodActive.WithLabelValues(string(ScopeGlobal)).Set(boolGauge(d.global.count(at) >= d.cfg.Threshold))
	}

	if d.tracksPerType() {
		w, ok := d.byType[alertType]
		if !ok {
			w = newWindow(d.cfg.Window, d.cfg.Buckets)
			d.byType[alertType] = w
		}
		if s, ok := d.recordLocked(w, at); ok {
			s.Scope = ScopePerType
			s.AlertType = alertType
			signals = append(signals, s)
		}
		metrics.FloodActive.WithLabelValues(string(alertType)).Set(boolGauge(w.count(at) >= d.cfg.Threshold))
	}

	for _, s := range signals {
		label := string(s.Scope)
		if s.AlertType != "" {
			label = string(s.AlertType)
		}
		metrics.FloodSignalsTotal.WithLabelValues(label).Inc()
	}
	return signals
}

// recordLocked adds the arrival and reports a rising edge.
func (d *Detector) recordLocked(w *window, at time.Time) (Signal, bool) {
	before := w.count(at)
	w.add(at)
	after := w.count(at)

	if before < d.cfg.Threshold && after >= d.cfg.Threshold {
		return Signal{Count: after, Threshold: d.cfg.Threshold, At: at}, true
	}
	return Signal{}, false
}

// Status recomputes the flood state for now. Nothing is cached between
// reads, so a burst that ages out of the window clears on its own.
func (d *Detector) Status(now time.Time) Status {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := Status{
		Threshold:     d.cfg.Threshold,
		WindowMinutes: d.cfg.Window.Minutes(),
		Scope:         d.cfg.Scope,
		EvaluatedAt:   now,
	}

	if d.tracksGlobal() {
		st.Count = d.global.count(now)
		st.Active = st.Count >= d.cfg.Threshold
		metrics.FloodActive.WithLabelValues(string(ScopeGlobal)).Set(boolGauge(st.Active))
	}

	if d.tracksPerType() {
		st.ByType = make(map[domain.AlertType]TypeStatus, len(d.byType))
		for t, w := range d.byType {
			c := w.count(now)
			active := c >= d.cfg.Threshold
			metrics.FloodActive.WithLabelValues(string(t)).Set(boolGauge(active))
			if c == 0 {
				// Drained windows are rebuilt on the next arrival.
				delete(d.byType, t)
				continue
			}
			st.ByType[t] = TypeStatus{Active: active, Count: c}
			if active {
				st.Active = true
				st.ActiveTypes = append(st.ActiveTypes, t)
			}
			if !d.tracksGlobal() {
				st.Count += c
			}
		}
		sort.Slice(st.ActiveTypes, func(i, j int) bool { return st.ActiveTypes[i] < st.ActiveTypes[j] })
	}

	return st
}

// Active reports whether any window is flooded at now.
func (d *Detector) Active(now time.Time) bool {
	return d.Status(now).Active
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
