package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
	"fleetguard/internal/store"
)

// Admitter is the lifecycle entry point events are handed to.
type Admitter interface {
	Admit(ctx context.Context, event domain.AlertEvent) (*domain.Alert, bool, error)
}

// BatchResult summarizes one inbound payload.
type BatchResult struct {
	Received   int `json:"received"`
	Admitted   int `json:"admitted"`
	Duplicates int `json:"duplicates"`
	Malformed  int `json:"malformed"`
}

// Adapter normalizes raw payloads into canonical events, drops replays seen
// within the dedup window, and admits the rest.
type Adapter struct {
	admitter Admitter
	seen     store.SeenCache
	logger   *slog.Logger
}

// NewAdapter creates an adapter. A nil seen cache disables the dedup window;
// the alert store still guarantees one alert per ID.
func NewAdapter(admitter Admitter, seen store.SeenCache, logger *slog.Logger) *Adapter {
	return &Adapter{
		admitter: admitter,
		seen:     seen,
		logger:   logger,
	}
}

// Ingest admits a single JSON event. It returns domain.ErrMalformedEvent for
// invalid payloads and domain.ErrDuplicateEvent for replays.
func (a *Adapter) Ingest(ctx context.Context, data []byte) (*domain.AlertEvent, error) {
	raws, err := domain.ParseRawEvents(data)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}
	if len(raws) != 1 {
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: expected one event, got %d", domain.ErrMalformedEvent, len(raws))
	}
	return a.ingest(ctx, "direct", raws[0])
}

// IngestRaw admits an already decoded event.
func (a *Adapter) IngestRaw(ctx context.Context, raw domain.RawEvent) (*domain.AlertEvent, error) {
	return a.ingest(ctx, "direct", raw)
}

// IngestBatch admits every event of a JSON object or array received from
// source. Per-event errors are logged and counted, never returned; one bad
// event does not stop the rest.
func (a *Adapter) IngestBatch(ctx context.Context, source string, data []byte) BatchResult {
	var result BatchResult

	raws, err := domain.ParseRawEvents(data)
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		a.logger.Warn("dropping malformed payload", "source", source, "error", err)
		result.Malformed++
		return result
	}

	for _, raw := range raws {
		result.Received++
		_, err := a.ingest(ctx, source, raw)
		switch {
		case err == nil:
			result.Admitted++
		case errors.Is(err, domain.ErrDuplicateEvent):
			result.Duplicates++
		default:
			result.Malformed++
			a.logger.Warn("dropping event", "source", source, "error", err)
		}
	}
	return result
}

func (a *Adapter) ingest(ctx context.Context, source string, raw domain.RawEvent) (*domain.AlertEvent, error) {
	start := time.Now()
	metrics.EventsReceivedTotal.WithLabelValues(source).Inc()

	event, err := raw.Normalize()
	if err != nil {
		metrics.EventsDroppedTotal.WithLabelValues("malformed").Inc()
		return nil, err
	}

	if a.seen != nil {
		fresh, err := a.seen.MarkSeen(ctx, event.ID)
		switch {
		case err != nil:
			// The store is idempotent on ID, so admission stays safe
			// while the cache is unreachable.
			a.logger.Warn("dedup cache unavailable", "alertID", event.ID, "error", err)
		case !fresh:
			metrics.EventsDroppedTotal.WithLabelValues("duplicate").Inc()
			a.logger.Debug("duplicate event dropped", "alertID", event.ID, "source", source)
			return &event, fmt.Errorf("%w: %s", domain.ErrDuplicateEvent, event.ID)
		}
	}

	if _, _, err := a.admitter.Admit(ctx, event); err != nil {
		return nil, err
	}

	metrics.EventIngestLatency.Observe(time.Since(start).Seconds())
	return &event, nil
}
