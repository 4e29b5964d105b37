package integration

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/gomega"

	"fleetguard/internal/api"
	"fleetguard/internal/config"
	"fleetguard/internal/domain"
	"fleetguard/internal/escalation"
	"fleetguard/internal/flood"
	"fleetguard/internal/ingest"
	"fleetguard/internal/lifecycle"
	"fleetguard/internal/notification"
	"fleetguard/internal/persist"
	memoryqueue "fleetguard/internal/queue/memory"
	"fleetguard/internal/report"
	memorystor "fleetguard/internal/store/memory"
	"fleetguard/internal/violation"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// floodThreshold is kept low so a flood can be provoked with a few events.
const floodThreshold = 5

// clock is the ingestion clock shared by the stack under test.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// stack is one running FleetGuard instance wired like the memory mode of
// the service binary.
type stack struct {
	baseURL string
	clock   *clock
	logger  *slog.Logger

	service    *lifecycle.Service
	adapter    *ingest.Adapter
	repo       *memorystor.AlertRepository
	writer     *persist.Writer
	dispatcher *report.Dispatcher
	hub        *notification.Hub
	monitor    *escalation.Monitor
	server     *api.Server

	cancel context.CancelFunc
	done   chan struct{}
}

func startStack() *stack {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := &clock{now: t0.Add(time.Minute)}
	ctx, cancel := context.WithCancel(context.Background())

	q := memoryqueue.NewQueue(1000)
	repo := memorystor.NewAlertRepository()
	hub := notification.NewHub(logger)

	writer := persist.NewWriter(repo, persist.DefaultBuffer, logger)
	writer.Start(ctx)

	dispatcher := report.NewDispatcher(report.NewQueueGenerator(memoryqueue.NewQueue(100)), report.Config{}, logger)
	dispatcher.Start(ctx)

	service := lifecycle.NewService(lifecycle.Dependencies{
		Store:     memorystor.NewAlertStore(),
		Persister: writer,
		Flood: flood.NewDetector(flood.Config{
			Window: 15 * time.Minute, Buckets: 60, Threshold: floodThreshold, Scope: flood.ScopeBoth,
		}),
		Violations: violation.NewAggregator(violation.DefaultConfig()).WithClock(clk.Now),
		Reports:    dispatcher,
		Publisher:  hub,
		Policy: domain.NewEscalationPolicy(nil, map[string]string{
			"critical": "safety-lead",
		}, "fleet-supervisor"),
		Logger: logger,
	}).WithClock(clk.Now)

	adapter := ingest.NewAdapter(service, memorystor.NewSeenCache(10*time.Minute, 1000), logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ingest.NewQueueSource(q, adapter, logger).Start(ctx)
	}()

	serverCfg := config.Default().Server
	server := api.NewServer(api.ServerDeps{
		Config:        &serverCfg,
		Logger:        logger,
		AlertHandler:  api.NewAlertHandler(service, logger),
		StatusHandler: api.NewStatusHandler(service, logger),
		StreamHandler: api.NewStreamHandler(hub, logger),
		IngestHandler: api.NewIngestHandler(ingest.NewService(q, logger), logger),
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).NotTo(HaveOccurred())
	go func() { _ = server.App().Listener(ln) }()

	return &stack{
		baseURL:    "http://" + ln.Addr().String(),
		clock:      clk,
		logger:     logger,
		service:    service,
		adapter:    adapter,
		repo:       repo,
		writer:     writer,
		dispatcher: dispatcher,
		hub:        hub,
		monitor:    escalation.NewMonitor(service, time.Minute, logger).WithClock(clk.Now),
		server:     server,
		cancel:     cancel,
		done:       done,
	}
}

func (s *stack) stop() {
	// Streams end when the hub closes, which lets the server shut down.
	s.hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)

	s.cancel()
	<-s.done
	s.dispatcher.Stop()
	s.writer.Stop()
}

// envelope mirrors api.APIResponse with a raw data field.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *api.APIError   `json:"error"`
}

func (s *stack) request(method, path string, body interface{}) (int, envelope) {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.baseURL+path, reader)
	Expect(err).NotTo(HaveOccurred())
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var env envelope
	Expect(json.NewDecoder(resp.Body).Decode(&env)).To(Succeed())
	return resp.StatusCode, env
}

// getAlert returns the alert or nil when the API answers 404.
func (s *stack) getAlert(id string) *domain.Alert {
	status, env := s.request(http.MethodGet, "/v1/alerts/"+id, nil)
	if status == http.StatusNotFound {
		return nil
	}
	Expect(status).To(Equal(http.StatusOK))
	var a domain.Alert
	Expect(json.Unmarshal(env.Data, &a)).To(Succeed())
	return &a
}

// command posts a lifecycle command and returns the status and alert.
func (s *stack) command(id, name string, body interface{}) (int, *domain.Alert) {
	status, env := s.request(http.MethodPost, "/v1/alerts/"+id+"/"+name, body)
	if status != http.StatusOK {
		return status, nil
	}
	var a domain.Alert
	Expect(json.Unmarshal(env.Data, &a)).To(Succeed())
	return status, &a
}

// subscribe opens the notification stream and returns decoded notifications.
func (s *stack) subscribe() <-chan notification.Notification {
	resp, err := http.Get(s.baseURL + "/v1/notifications/stream")
	Expect(err).NotTo(HaveOccurred())
	Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/event-stream"))

	out := make(chan notification.Notification, 64)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var n notification.Notification
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &n) == nil {
				out <- n
			}
		}
	}()

	// The subscription is registered inside the handler; wait for it.
	Eventually(s.hub.SubscriberCount).Should(BeNumerically(">=", 1))
	return out
}

// event builds an inbound payload in the canonical field names.
func event(id, device, driver, alertType, priority string, at time.Time) map[string]interface{} {
	e := map[string]interface{}{
		"id":        id,
		"deviceId":  device,
		"alertType": alertType,
		"timestamp": at.Format(time.RFC3339),
	}
	if driver != "" {
		e["driverId"] = driver
	}
	if priority != "" {
		e["priority"] = priority
	}
	return e
}
