// Package persist writes alert state to the record store behind the live
// in-memory index. Writes are queued and applied by one worker in order,
// so lifecycle commands never wait on the database.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
	"fleetguard/internal/store"
)

// Default writer settings.
const (
	DefaultBuffer     = 1024
	DefaultRetryDelay = 500 * time.Millisecond
)

// ErrWriterFull is returned when the write queue is full.
var ErrWriterFull = errors.New("persist queue full")

// OpKind identifies a write-behind operation.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpUpdate OpKind = "update"
)

// op is one queued write. A nil alert with a non-nil barrier marks a flush.
type op struct {
	kind    OpKind
	alert   *domain.Alert
	entry   *domain.HistoryEntry
	barrier chan struct{}
}

// Writer applies alert writes to a store.AlertRepository on a single worker.
// A failed write is retried once; a second failure is logged and counted
// as a downstream outage, and the in-memory state stays authoritative.
type Writer struct {
	repo       store.AlertRepository
	logger     *slog.Logger
	retryDelay time.Duration

	ops chan op

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup

	failures uint64
	failMu   sync.Mutex
	onError  func(kind OpKind, alertID string, err error)
}

// NewWriter creates a writer over the repository.
func NewWriter(repo store.AlertRepository, buffer int, logger *slog.Logger) *Writer {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Writer{
		repo:       repo,
		logger:     logger,
		retryDelay: DefaultRetryDelay,
		ops:        make(chan op, buffer),
	}
}

// WithRetryDelay overrides the pause before the single retry.
func (w *Writer) WithRetryDelay(d time.Duration) *Writer {
	w.retryDelay = d
	return w
}

// OnError registers a callback for writes that failed after the retry.
// Must be called before Start.
func (w *Writer) OnError(fn func(kind OpKind, alertID string, err error)) {
	w.onError = fn
}

// Insert queues a newly admitted alert.
func (w *Writer) Insert(alert *domain.Alert) error {
	return w.enqueue(op{kind: OpInsert, alert: alert.Clone()})
}

// Update queues an alert update. A non-nil entry is appended to the stored
// history after the row update.
func (w *Writer) Update(alert *domain.Alert, entry *domain.HistoryEntry) error {
	o := op{kind: OpUpdate, alert: alert.Clone()}
	if entry != nil {
		e := *entry
		o.entry = &e
	}
	return w.enqueue(o)
}

func (w *Writer) enqueue(o op) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.stopped {
		metrics.StorageOperationsTotal.WithLabelValues(string(o.kind), "dropped").Inc()
		return fmt.Errorf("%w: writer stopped", domain.ErrDownstreamUnavailable)
	}

	select {
	case w.ops <- o:
		metrics.PersistQueueDepth.Set(float64(len(w.ops)))
		return nil
	default:
		metrics.StorageOperationsTotal.WithLabelValues(string(o.kind), "dropped").Inc()
		w.logger.Error("persist queue full, dropping write",
			"operation", o.kind,
			"alertID", o.alert.ID,
		)
		return ErrWriterFull
	}
}

// Flush blocks until every write queued before the call has been applied.
func (w *Writer) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	w.mu.RLock()
	if w.stopped {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.ops <- op{barrier: barrier}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the worker. Writes use ctx; queued writes are still drained
// by Stop after ctx is canceled.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for o := range w.ops {
			metrics.PersistQueueDepth.Set(float64(len(w.ops)))
			if o.barrier != nil {
				close(o.barrier)
				continue
			}
			w.apply(context.WithoutCancel(ctx), o)
		}
	}()
}

// Stop closes the queue and waits for pending writes to drain.
func (w *Writer) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.ops)
	w.mu.Unlock()

	w.wg.Wait()
}

// Failures returns the number of writes that failed after the retry.
func (w *Writer) Failures() uint64 {
	w.failMu.Lock()
	defer w.failMu.Unlock()
	return w.failures
}

// apply performs one operation with a single retry.
func (w *Writer) apply(ctx context.Context, o op) {
	err := w.write(ctx, o)
	if err != nil {
		w.logger.Warn("persist write failed, retrying",
			"operation", o.kind,
			"alertID", o.alert.ID,
			"error", err,
		)
		time.Sleep(w.retryDelay)
		err = w.write(ctx, o)
	}

	if err != nil {
		err = fmt.Errorf("%w: %w", domain.ErrDownstreamUnavailable, err)
		metrics.StorageOperationsTotal.WithLabelValues(string(o.kind), "failure").Inc()
		w.failMu.Lock()
		w.failures++
		w.failMu.Unlock()
		w.logger.Error("persist write permanently failed",
			"operation", o.kind,
			"alertID", o.alert.ID,
			"error", err,
		)
		if w.onError != nil {
			w.onError(o.kind, o.alert.ID, err)
		}
		return
	}

	metrics.StorageOperationsTotal.WithLabelValues(string(o.kind), "success").Inc()
}

// write runs the repository calls for one operation.
func (w *Writer) write(ctx context.Context, o op) error {
	start := time.Now()
	defer func() {
		metrics.StorageOperationLatency.WithLabelValues(string(o.kind)).Observe(time.Since(start).Seconds())
	}()

	switch o.kind {
	case OpInsert:
		return w.repo.Insert(ctx, o.alert)
	case OpUpdate:
		err := w.repo.Update(ctx, o.alert, o.entry)
		if errors.Is(err, domain.ErrAlertNotFound) {
			// A command overtook the admission write; the snapshot carries
			// the full history, and the later insert becomes a no-op.
			return w.repo.Insert(ctx, o.alert)
		}
		return err
	default:
		return fmt.Errorf("unknown persist operation %q", o.kind)
	}
}
