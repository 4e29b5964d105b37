// Package metrics provides Prometheus metrics for FleetGuard.
// It tracks event ingestion, alert lifecycle transitions, SLA escalations,
// flood signals and report dispatch to help identify bottlenecks and
// measure response SLOs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "fleetguard"
)

// Event metrics track the ingestion pipeline.
var (
	// EventsReceivedTotal counts raw events received, labeled by transport.
	EventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Total number of raw events received",
		},
		[]string{"source"}, // source: websocket, poll, queue, http
	)

	// EventsPublishedTotal counts events the HTTP API handed to the event queue.
	EventsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Total number of events published to the event queue",
		},
	)

	// EventsIngestedTotal counts events admitted into the lifecycle.
	EventsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Total number of events admitted",
		},
		[]string{"alert_type", "priority"},
	)

	// EventsDroppedTotal counts events rejected at the adapter.
	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Total number of events dropped at the adapter",
		},
		[]string{"reason"}, // reason: malformed, duplicate, dedup_error
	)

	// EventIngestLatency measures time from raw receipt to admission.
	EventIngestLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_ingest_latency_seconds",
			Help:      "Time from raw event receipt to admission in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// QueuePublishLatency measures time to publish an event to the event queue.
	QueuePublishLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_publish_latency_seconds",
			Help:      "Time to publish an event to the event queue in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// TransportReconnectsTotal counts push channel reconnect attempts.
	TransportReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_reconnects_total",
			Help:      "Total number of push channel reconnect attempts",
		},
		[]string{"result"}, // result: success, failure
	)

	// PollsTotal counts pull channel requests.
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of pull channel requests",
		},
		[]string{"result"},
	)
)

// Alert metrics track the alert lifecycle.
var (
	// AlertsCreatedTotal counts alerts created, labeled by priority.
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_created_total",
			Help:      "Total number of alerts created",
		},
		[]string{"priority"},
	)

	// TransitionsTotal counts successful state transitions.
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Total number of alert state transitions",
		},
		[]string{"from", "to"},
	)

	// CommandsRejectedTotal counts commands rejected by the state machine.
	CommandsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Total number of rejected lifecycle commands",
		},
		[]string{"command", "reason"}, // reason: illegal_transition, validation, not_found
	)

	// EscalationsTotal counts SLA breach escalations.
	EscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Total number of escalations",
		},
		[]string{"priority", "trigger"}, // trigger: sla, manual
	)

	// EscalationTickDuration measures one monitor scan.
	EscalationTickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "escalation_tick_duration_seconds",
			Help:      "Time to scan open alerts for SLA breaches in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
	)

	// OpenAlerts tracks the current number of alerts per status.
	OpenAlerts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts",
			Help:      "Current number of alerts by status",
		},
		[]string{"status"},
	)
)

// Flood and violation metrics.
var (
	// FloodActive is 1 while a flood window is at or above threshold.
	FloodActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "flood_active",
			Help:      "Whether a flood condition is active (1) or not (0)",
		},
		[]string{"scope"}, // scope: global or an alert type
	)

	// FloodSignalsTotal counts rising-edge flood signals.
	FloodSignalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flood_signals_total",
			Help:      "Total number of flood threshold crossings",
		},
		[]string{"scope"},
	)

	// ReportRequestsTotal counts report requests by dispatch result.
	ReportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_requests_total",
			Help:      "Total number of report generation requests",
		},
		[]string{"result"}, // result: triggered, success, failure, dropped
	)
)

// Notification metrics track the fan-out.
var (
	// NotificationsPublishedTotal counts notifications published to the hub.
	NotificationsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_published_total",
			Help:      "Total number of notifications published",
		},
		[]string{"kind"},
	)

	// NotificationsDroppedTotal counts notifications dropped on full subscriber buffers.
	NotificationsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_dropped_total",
			Help:      "Total number of notifications dropped due to slow subscribers",
		},
		[]string{"subscriber"},
	)

	// NotificationLatency measures time from state change to sink delivery.
	NotificationLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "notification_latency_seconds",
			Help:      "Time from alert state change to sink delivery in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)
)

// Storage metrics track persistence operations.
var (
	// StorageOperationLatency measures latency of storage operations.
	StorageOperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_latency_seconds",
			Help:      "Latency of storage operations in seconds",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation"}, // operation: insert, update, history
	)

	// StorageOperationsTotal counts storage operations.
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operations_total",
			Help:      "Total number of storage operations",
		},
		[]string{"operation", "status"}, // status: success, failure, dropped
	)

	// PersistQueueDepth tracks pending write-behind operations.
	PersistQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "persist_queue_depth",
			Help:      "Current number of pending write-behind operations",
		},
	)
)
