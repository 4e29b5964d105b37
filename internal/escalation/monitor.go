// Package escalation runs the SLA monitor: a scheduled scan of open alerts
// that escalates every alert whose age exceeds the SLA of its priority.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
)

// DefaultInterval is the tick period used when none is configured.
const DefaultInterval = 30 * time.Second

// Escalator is the part of the lifecycle service the monitor drives.
type Escalator interface {
	OpenAlerts() []*domain.Alert
	EscalateForBreach(ctx context.Context, id string, now time.Time) (*domain.Alert, bool, error)
	Policy() domain.EscalationPolicy
	CountByStatus() map[domain.Status]int
}

// cronLogger adapts slog.Logger to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Monitor schedules SLA scans. A tick that is still running when the next
// one is due causes the next one to be skipped; a panicking tick is
// recovered and logged. Late or skipped ticks are harmless because
// escalation is idempotent per breach.
type Monitor struct {
	escalator Escalator
	interval  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewMonitor creates a monitor that ticks every interval.
func NewMonitor(escalator Escalator, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		escalator: escalator,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// Start schedules the scan. Ticks run until ctx is canceled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cron != nil {
		return fmt.Errorf("escalation monitor already started")
	}

	logger := &cronLogger{logger: m.logger.With("component", "escalation-cron")}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	tickCtx, cancel := context.WithCancel(ctx)
	spec := fmt.Sprintf("@every %s", m.interval)
	if _, err := c.AddFunc(spec, func() {
		if tickCtx.Err() != nil {
			return
		}
		m.Tick(tickCtx, m.now())
	}); err != nil {
		cancel()
		return fmt.Errorf("failed to schedule escalation monitor: %w", err)
	}

	c.Start()
	m.cron = c
	m.cancel = cancel

	m.logger.Info("escalation monitor started", "interval", m.interval.String())
	return nil
}

// Stop cancels the schedule and waits for a running tick to finish.
func (m *Monitor) Stop() {
	m.mu.Lock()
	c, cancel := m.cron, m.cancel
	m.cron, m.cancel = nil, nil
	m.mu.Unlock()

	if c == nil {
		return
	}
	cancel()
	<-c.Stop().Done()
	m.logger.Info("escalation monitor stopped")
}

// Tick scans open alerts once and escalates every alert in breach at now.
// It returns the number of alerts this tick escalated. Errors are logged
// and never abort the scan.
func (m *Monitor) Tick(ctx context.Context, now time.Time) int {
	start := time.Now()
	defer func() {
		metrics.EscalationTickDuration.Observe(time.Since(start).Seconds())
	}()

	policy := m.escalator.Policy()
	escalated := 0

	for _, alert := range m.escalator.OpenAlerts() {
		if ctx.Err() != nil {
			break
		}
		if !policy.Breached(alert, now) {
			continue
		}

		_, ok, err := m.escalator.EscalateForBreach(ctx, alert.ID, now)
		if err != nil {
			m.logger.Error("failed to escalate alert",
				"alertID", alert.ID,
				"priority", alert.Priority,
				"error", err,
			)
			continue
		}
		if ok {
			escalated++
		}
	}

	m.escalator.CountByStatus()

	if escalated > 0 {
		m.logger.Info("escalation tick completed", "escalated", escalated)
	}
	return escalated
}
