// Package lifecycle owns every alert state change. It admits new events into
// the alert store, applies operator commands and SLA escalations through the
// state machine, and fans the results out to persistence, flood detection,
// violation aggregation and notification subscribers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"fleetguard/internal/domain"
	"fleetguard/internal/flood"
	"fleetguard/internal/metrics"
	"fleetguard/internal/notification"
	"fleetguard/internal/report"
	"fleetguard/internal/store"
	"fleetguard/internal/violation"
)

// ActorEscalationMonitor is the history actor of SLA escalations.
const ActorEscalationMonitor = "escalation-monitor"

// Command names used in logs and metrics.
const (
	CommandAcknowledge = "acknowledge"
	CommandInvestigate = "investigate"
	CommandEscalate    = "escalate"
	CommandDeEscalate  = "de-escalate"
	CommandResolve     = "resolve"
	CommandClose       = "close"
	CommandAnnotate    = "annotate"
)

// Persister queues alert writes to the record store.
type Persister interface {
	Insert(alert *domain.Alert) error
	Update(alert *domain.Alert, entry *domain.HistoryEntry) error
}

// Reports hands report requests to the report generator and remembers
// their outcomes.
type Reports interface {
	Submit(req *domain.GenerateReportRequest) error
	Recent() []report.Outcome
}

// Dependencies groups the collaborators of the service. Store, Flood,
// Violations and Publisher are required; Persister and Reports may be nil.
type Dependencies struct {
	Store      store.AlertStore
	Persister  Persister
	Flood      *flood.Detector
	Violations *violation.Aggregator
	Reports    Reports
	Publisher  notification.Publisher
	Policy     domain.EscalationPolicy
	Logger     *slog.Logger
}

// Service is the single entry point for alert state changes.
// It is safe for concurrent use.
type Service struct {
	store      store.AlertStore
	persister  Persister
	flood      *flood.Detector
	violations *violation.Aggregator
	reports    Reports
	publisher  notification.Publisher
	policy     domain.EscalationPolicy
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new lifecycle service.
func NewService(deps Dependencies) *Service {
	return &Service{
		store:      deps.Store,
		persister:  deps.Persister,
		flood:      deps.Flood,
		violations: deps.Violations,
		reports:    deps.Reports,
		publisher:  deps.Publisher,
		policy:     deps.Policy,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// WithClock replaces the ingestion clock. Intended for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the escalation policy in force.
func (s *Service) Policy() domain.EscalationPolicy {
	return s.policy
}

// Admit creates the alert for a validated event. Admitting a known ID is a
// no-op that returns the existing alert and false; replays never reset
// state or repeat side effects.
func (s *Service) Admit(ctx context.Context, event domain.AlertEvent) (*domain.Alert, bool, error) {
	if err := event.Validate(); err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	alert, created := s.store.Upsert(event, now)
	if !created {
		s.logger.Debug("event already admitted", "alertID", event.ID)
		return alert, false, nil
	}

	metrics.AlertsCreatedTotal.WithLabelValues(string(alert.Priority)).Inc()
	metrics.EventsIngestedTotal.WithLabelValues(string(alert.AlertType), string(alert.Priority)).Inc()

	s.logger.Info("alert created",
		"alertID", alert.ID,
		"deviceID", alert.DeviceID,
		"driverID", alert.DriverID,
		"alertType", alert.AlertType,
		"priority", alert.Priority,
	)

	s.persist(func(p Persister) error { return p.Insert(alert) }, alert.ID)

	for _, sig := range s.flood.Record(alert.AlertType, now) {
		s.logger.Warn("alert flood detected",
			"scope", sig.Scope,
			"alertType", sig.AlertType,
			"count", sig.Count,
			"threshold", sig.Threshold,
		)
		s.publisher.Publish(notification.NewFlood(string(sig.Scope), sig.AlertType, sig.Count, sig.Threshold, sig.At))
	}

	if req := s.violations.Observe(alert.AlertEvent); req != nil {
		s.logger.Info("violation threshold reached",
			"driverID", req.DriverID,
			"requestID", req.RequestID,
			"batchID", req.BatchID,
			"riskRating", req.RiskRating,
		)
		s.publisher.Publish(notification.NewReport(req))
		if s.reports != nil {
			if err := s.reports.Submit(req); err != nil {
				s.logger.Error("failed to submit report request",
					"requestID", req.RequestID,
					"driverID", req.DriverID,
					"error", err,
				)
			}
		}
	}

	return alert, true, nil
}

// Acknowledge moves a new alert to acknowledged.
func (s *Service) Acknowledge(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return s.transition(ctx, CommandAcknowledge, id, domain.StatusAcknowledged, domain.TransitionContext{Actor: actor})
}

// Investigate moves an acknowledged alert to investigating.
func (s *Service) Investigate(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return s.transition(ctx, CommandInvestigate, id, domain.StatusInvestigating, domain.TransitionContext{Actor: actor})
}

// DeEscalate moves an escalated alert back to investigating. The escalation
// level is kept.
func (s *Service) DeEscalate(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return s.transition(ctx, CommandDeEscalate, id, domain.StatusInvestigating, domain.TransitionContext{Actor: actor}, domain.StatusEscalated)
}

// Resolve moves an alert to resolved.
func (s *Service) Resolve(ctx context.Context, id, actor string) (*domain.Alert, error) {
	return s.transition(ctx, CommandResolve, id, domain.StatusResolved, domain.TransitionContext{Actor: actor})
}

// Close moves an alert to closed. Notes shorter than ten characters after
// trimming are rejected without mutation.
func (s *Service) Close(ctx context.Context, id, actor, notes string) (*domain.Alert, error) {
	return s.transition(ctx, CommandClose, id, domain.StatusClosed, domain.TransitionContext{Actor: actor, Notes: notes})
}

// Escalate escalates an alert on operator request. An empty target is
// resolved from the escalation policy by priority.
func (s *Service) Escalate(ctx context.Context, id, actor, target string) (*domain.Alert, error) {
	alert, err := s.escalate(ctx, id, actor, "manual", s.now().UTC(), func(a *domain.Alert) (string, error) {
		if target != "" {
			return target, nil
		}
		return s.policy.TargetFor(a.Priority), nil
	})
	if err != nil {
		s.reject(CommandEscalate, id, err)
		return nil, err
	}
	return alert, nil
}

// errNotBreached aborts an SLA escalation whose breach no longer holds.
var errNotBreached = errors.New("sla not breached")

// EscalateForBreach escalates the alert if it is in breach of its SLA at
// now. The breach is re-checked under the alert's lock, so concurrent or
// repeated calls for the same breach escalate exactly once. It reports
// whether this call performed the escalation.
func (s *Service) EscalateForBreach(ctx context.Context, id string, now time.Time) (*domain.Alert, bool, error) {
	alert, err := s.escalate(ctx, id, ActorEscalationMonitor, "sla", now, func(a *domain.Alert) (string, error) {
		if !s.policy.Breached(a, now) {
			return "", errNotBreached
		}
		return s.policy.TargetFor(a.Priority), nil
	})
	if errors.Is(err, errNotBreached) {
		current, getErr := s.store.Get(id)
		return current, false, getErr
	}
	if err != nil {
		return nil, false, err
	}
	return alert, true, nil
}

// escalate is the only writer of EscalatedAt and EscalationLevel.
// resolve runs under the alert's lock and yields the assignee.
func (s *Service) escalate(
	ctx context.Context,
	id, actor, trigger string,
	at time.Time,
	resolve func(*domain.Alert) (string, error),
) (*domain.Alert, error) {
	updated, err := s.store.Update(id, func(a *domain.Alert) error {
		target, err := resolve(a)
		if err != nil {
			return err
		}
		if err := domain.Transition(a, domain.StatusEscalated, domain.TransitionContext{
			Actor:  actor,
			At:     at,
			Target: target,
		}); err != nil {
			return err
		}
		s.committed(a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscalationsTotal.WithLabelValues(string(updated.Priority), trigger).Inc()
	s.logger.Warn("alert escalated",
		"alertID", updated.ID,
		"priority", updated.Priority,
		"trigger", trigger,
		"escalationLevel", updated.EscalationLevel,
		"escalatedTo", updated.EscalatedTo,
	)
	return updated, nil
}

// transition applies one state machine move for a command.
// A non-empty from restricts the statuses the command may start from.
func (s *Service) transition(
	ctx context.Context,
	command, id string,
	to domain.Status,
	tc domain.TransitionContext,
	from ...domain.Status,
) (*domain.Alert, error) {
	tc.At = s.now().UTC()

	updated, err := s.store.Update(id, func(a *domain.Alert) error {
		if len(from) > 0 && !slices.Contains(from, a.Status) {
			return &domain.TransitionError{From: a.Status, To: to}
		}
		if err := domain.Transition(a, to, tc); err != nil {
			return err
		}
		s.committed(a)
		return nil
	})
	if err != nil {
		s.reject(command, id, err)
		return nil, err
	}

	s.logger.Info("alert transitioned",
		"alertID", updated.ID,
		"command", command,
		"status", updated.Status,
		"actor", tc.Actor,
	)
	return updated, nil
}

// committed records a successful transition. It runs under the alert's lock
// after the state machine accepted the move, so persistence and subscribers
// observe one alert's transitions in order.
func (s *Service) committed(a *domain.Alert) {
	entry := a.History[len(a.History)-1]
	metrics.TransitionsTotal.WithLabelValues(string(entry.From), string(entry.To)).Inc()

	snapshot := a.Clone()
	s.persist(func(p Persister) error { return p.Update(snapshot, &entry) }, a.ID)
	s.publisher.Publish(notification.NewTransition(snapshot, entry))
}

// Annotate appends an audit note. Annotations are accepted in every status,
// including terminal ones.
func (s *Service) Annotate(ctx context.Context, id, author, text string) (*domain.Alert, error) {
	now := s.now().UTC()
	updated, err := s.store.Update(id, func(a *domain.Alert) error {
		if err := domain.Annotate(a, domain.Annotation{Author: author, Text: text, At: now}); err != nil {
			return err
		}
		snapshot := a.Clone()
		s.persist(func(p Persister) error { return p.Update(snapshot, nil) }, a.ID)
		return nil
	})
	if err != nil {
		s.reject(CommandAnnotate, id, err)
		return nil, err
	}
	return updated, nil
}

// persist queues a write; failures never fail the command because the
// in-memory store is authoritative.
func (s *Service) persist(write func(Persister) error, alertID string) {
	if s.persister == nil {
		return
	}
	if err := write(s.persister); err != nil {
		s.logger.Error("failed to queue alert write", "alertID", alertID, "error", err)
	}
}

// reject logs and counts a refused command.
func (s *Service) reject(command, id string, err error) {
	reason := "internal"
	switch {
	case errors.Is(err, domain.ErrAlertNotFound):
		reason = "not_found"
	case errors.Is(err, domain.ErrIllegalTransition):
		reason = "illegal_transition"
	case errors.Is(err, domain.ErrValidation):
		reason = "validation"
	}
	metrics.CommandsRejectedTotal.WithLabelValues(command, reason).Inc()
	s.logger.Info("command rejected",
		"command", command,
		"alertID", id,
		"reason", reason,
		"error", err,
	)
}

// Get returns an alert by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Alert, error) {
	return s.store.Get(id)
}

// List returns alerts matching the filter, newest event first.
func (s *Service) List(ctx context.Context, filter domain.AlertFilter) []*domain.Alert {
	return s.store.Query(filter)
}

// History returns the ordered transition history of an alert.
func (s *Service) History(ctx context.Context, id string) ([]domain.HistoryEntry, error) {
	alert, err := s.store.Get(id)
	if err != nil {
		return nil, err
	}
	return alert.History, nil
}

// OpenAlerts returns a snapshot of every non-terminal alert.
func (s *Service) OpenAlerts() []*domain.Alert {
	return s.store.OpenAlerts()
}

// FloodStatus recomputes the flood condition at the current time.
func (s *Service) FloodStatus() flood.Status {
	return s.flood.Status(s.now())
}

// ViolationCount returns a driver's qualifying violation tally.
func (s *Service) ViolationCount(driverID string) violation.Count {
	return s.violations.Count(driverID, s.now())
}

// ViolationWindow returns a driver's aggregation window.
func (s *Service) ViolationWindow(driverID string) (violation.Window, bool) {
	return s.violations.Snapshot(driverID)
}

// ReportOutcomes returns the most recent report dispatch outcomes.
func (s *Service) ReportOutcomes() []report.Outcome {
	if s.reports == nil {
		return []report.Outcome{}
	}
	return s.reports.Recent()
}

// CountByStatus returns alert counts by status and refreshes the gauge.
func (s *Service) CountByStatus() map[domain.Status]int {
	counts := s.store.CountByStatus()
	for _, status := range []domain.Status{
		domain.StatusNew,
		domain.StatusAcknowledged,
		domain.StatusInvestigating,
		domain.StatusEscalated,
		domain.StatusResolved,
		domain.StatusClosed,
	} {
		metrics.OpenAlerts.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return counts
}

// Restore loads persisted alerts into the store at startup. Alerts whose
// history violates the chain invariant are skipped.
func (s *Service) Restore(ctx context.Context, repo store.AlertRepository) (int, error) {
	alerts, err := repo.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load alerts: %w", err)
	}

	valid := make([]*domain.Alert, 0, len(alerts))
	for _, a := range alerts {
		if !domain.ValidateHistory(a) {
			s.logger.Warn("skipping alert with inconsistent history", "alertID", a.ID, "status", a.Status)
			continue
		}
		valid = append(valid, a)
	}

	loaded := s.store.Restore(valid)
	s.CountByStatus()
	s.logger.Info("alerts restored", "loaded", loaded, "stored", len(alerts))
	return loaded, nil
}
