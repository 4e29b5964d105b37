package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"fleetguard/internal/metrics"
)

// DefaultPollInterval is the pull channel cadence used when none is given.
const DefaultPollInterval = 30 * time.Second

const pollTimeout = 15 * time.Second

// Poller is the pull channel: it fetches a JSON array of events from an
// endpoint on a fixed interval. It runs independently of the push channel.
type Poller struct {
	url      string
	interval time.Duration
	adapter  *Adapter
	client   *fasthttp.Client
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller for url.
func NewPoller(url string, interval time.Duration, adapter *Adapter, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		url:      url,
		interval: interval,
		adapter:  adapter,
		client: &fasthttp.Client{
			Name:         "fleetguard-poller",
			ReadTimeout:  pollTimeout,
			WriteTimeout: pollTimeout,
		},
		logger: logger.With("source", "poll"),
	}
}

// Start polls immediately and then every interval until ctx is canceled or
// Stop is called.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.done != nil {
		return fmt.Errorf("poller already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			if _, err := p.PollOnce(runCtx); err != nil {
				p.logger.Warn("poll failed", "error", err)
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	p.logger.Info("poller started", "url", p.url, "interval", p.interval.String())
	return nil
}

// Stop ends polling and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// PollOnce fetches the endpoint once and ingests the events it returns.
// It returns as soon as ctx is done, even while a request is in flight.
func (p *Poller) PollOnce(ctx context.Context) (BatchResult, error) {
	if err := ctx.Err(); err != nil {
		return BatchResult{}, err
	}

	timeout := pollTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	// An abandoned fetch finishes on its own within timeout; fetched is
	// buffered so it can always deliver.
	fetched := make(chan pollResponse, 1)
	go func() { fetched <- p.fetch(timeout) }()

	var res pollResponse
	select {
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	case res = <-fetched:
	}

	if res.err != nil {
		metrics.PollsTotal.WithLabelValues("failure").Inc()
		return BatchResult{}, fmt.Errorf("failed to poll %s: %w", p.url, res.err)
	}
	if res.status != fasthttp.StatusOK {
		metrics.PollsTotal.WithLabelValues("failure").Inc()
		return BatchResult{}, fmt.Errorf("failed to poll %s: unexpected status %d", p.url, res.status)
	}
	metrics.PollsTotal.WithLabelValues("success").Inc()

	result := p.adapter.IngestBatch(ctx, "poll", res.body)
	p.logger.Debug("poll processed",
		"received", result.Received,
		"admitted", result.Admitted,
		"duplicates", result.Duplicates,
	)
	return result, nil
}

type pollResponse struct {
	status int
	body   []byte
	err    error
}

func (p *Poller) fetch(timeout time.Duration) pollResponse {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")

	if err := p.client.DoTimeout(req, resp, timeout); err != nil {
		return pollResponse{err: err}
	}
	// The body is only valid until the response is released.
	return pollResponse{
		status: resp.StatusCode(),
		body:   append([]byte(nil), resp.Body()...),
	}
}
