package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
)

// Default dispatcher settings.
const (
	DefaultBuffer         = 64
	DefaultRecentOutcomes = 100
	DefaultMaxFailures    = 5
	DefaultOpenTimeout    = 30 * time.Second
	DefaultCallTimeout    = 10 * time.Second
)

// ErrBufferFull is returned by Submit when the dispatch buffer is full.
var ErrBufferFull = errors.New("report dispatch buffer full")

// Outcome records the result of one report request.
type Outcome struct {
	RequestID  string            `json:"requestId"`
	DriverID   string            `json:"driverId"`
	RiskRating domain.RiskRating `json:"riskRating"`
	ReportID   string            `json:"reportId,omitempty"`
	Err        error             `json:"-"`
	Error      string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

// Config holds dispatcher settings.
type Config struct {
	// Buffer is the number of requests queued before Submit drops.
	Buffer int

	// RecentOutcomes bounds the retained outcome list.
	RecentOutcomes int

	// MaxFailures is the number of consecutive failures that opens the breaker.
	MaxFailures uint32

	// OpenTimeout is how long the breaker stays open before probing again.
	OpenTimeout time.Duration

	// CallTimeout bounds one Generate call.
	CallTimeout time.Duration
}

// Dispatcher forwards report requests to a Generator on a single worker
// goroutine behind a circuit breaker. A failed request is recorded and never
// retried; its batch stays consumed.
type Dispatcher struct {
	generator Generator
	breaker   *gobreaker.CircuitBreaker
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	requests chan *domain.GenerateReportRequest
	onResult func(Outcome)

	mu     sync.RWMutex
	recent []Outcome

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. Start must be called before requests
// are delivered.
func NewDispatcher(generator Generator, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultBuffer
	}
	if cfg.RecentOutcomes <= 0 {
		cfg.RecentOutcomes = DefaultRecentOutcomes
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultOpenTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	d := &Dispatcher{
		generator: generator,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		requests:  make(chan *domain.GenerateReportRequest, cfg.Buffer),
		done:      make(chan struct{}),
	}

	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "report-generator",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("report generator breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return d
}

// OnResult registers a callback invoked on the worker goroutine after every
// request. Must be called before Start.
func (d *Dispatcher) OnResult(fn func(Outcome)) {
	d.onResult = fn
}

// Submit queues a request without blocking. A full buffer drops the request
// and returns ErrBufferFull.
func (d *Dispatcher) Submit(req *domain.GenerateReportRequest) error {
	select {
	case <-d.done:
		return fmt.Errorf("%w: dispatcher stopped", domain.ErrDownstreamUnavailable)
	default:
	}

	select {
	case d.requests <- req:
		return nil
	default:
		metrics.ReportRequestsTotal.WithLabelValues("dropped").Inc()
		outcome := Outcome{
			RequestID:  req.RequestID,
			DriverID:   req.DriverID,
			RiskRating: req.RiskRating,
			Err:        ErrBufferFull,
			Error:      ErrBufferFull.Error(),
			At:         d.now().UTC(),
		}
		d.record(outcome)
		d.logger.Error("report request dropped",
			"requestID", req.RequestID,
			"driverID", req.DriverID,
		)
		return ErrBufferFull
	}
}

// Start runs the worker until ctx is canceled or Stop is called. Requests
// still buffered at shutdown are abandoned.
func (d *Dispatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.done:
				return
			case req := <-d.requests:
				d.dispatch(ctx, req)
			}
		}
	}()
}

// Stop stops the worker. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.closeOnce.Do(func() {
		close(d.done)
	})
}

// dispatch sends one request through the breaker.
func (d *Dispatcher) dispatch(ctx context.Context, req *domain.GenerateReportRequest) {
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	result, err := d.breaker.Execute(func() (interface{}, error) {
		reportID, err := d.generator.Generate(callCtx, req)
		if err != nil {
			return nil, err
		}
		return reportID, nil
	})

	outcome := Outcome{
		RequestID:  req.RequestID,
		DriverID:   req.DriverID,
		RiskRating: req.RiskRating,
		At:         d.now().UTC(),
	}

	if err != nil {
		outcome.Err = fmt.Errorf("%w: %w", domain.ErrDownstreamUnavailable, err)
		outcome.Error = outcome.Err.Error()
		metrics.ReportRequestsTotal.WithLabelValues("failure").Inc()
		d.logger.Error("report generation failed",
			"requestID", req.RequestID,
			"driverID", req.DriverID,
			"breaker", d.breaker.State().String(),
			"error", err,
		)
	} else {
		outcome.ReportID, _ = result.(string)
		metrics.ReportRequestsTotal.WithLabelValues("success").Inc()
		d.logger.Info("report requested",
			"requestID", req.RequestID,
			"driverID", req.DriverID,
			"reportID", outcome.ReportID,
		)
	}

	d.record(outcome)
	if d.onResult != nil {
		d.onResult(outcome)
	}
}

// record appends to the bounded recent list.
func (d *Dispatcher) record(o Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.recent = append(d.recent, o)
	if over := len(d.recent) - d.cfg.RecentOutcomes; over > 0 {
		d.recent = append([]Outcome(nil), d.recent[over:]...)
	}
}

// Recent returns the retained outcomes, newest first.
func (d *Dispatcher) Recent() []Outcome {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Outcome, len(d.recent))
	for i, o := range d.recent {
		out[len(d.recent)-1-i] = o
	}
	return out
}

// BreakerState returns the circuit breaker state name.
func (d *Dispatcher) BreakerState() string {
	return d.breaker.State().String()
}
