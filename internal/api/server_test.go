package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetguard/internal/config"
	"fleetguard/internal/domain"
	"fleetguard/internal/flood"
	"fleetguard/internal/ingest"
	"fleetguard/internal/lifecycle"
	"fleetguard/internal/notification"
	"fleetguard/internal/queue/memory"
	storemem "fleetguard/internal/store/memory"
	"fleetguard/internal/violation"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type testEnv struct {
	server  *Server
	service *lifecycle.Service
	queue   *memory.Queue
	hub     *notification.Hub
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := testLogger()
	hub := notification.NewHub(logger)
	t.Cleanup(hub.Close)

	clock := func() time.Time { return t0.Add(time.Minute) }
	service := lifecycle.NewService(lifecycle.Dependencies{
		Store:      storemem.NewAlertStore(),
		Flood:      flood.NewDetector(flood.DefaultConfig()),
		Violations: violation.NewAggregator(violation.DefaultConfig()).WithClock(clock),
		Publisher:  hub,
		Policy:     domain.NewEscalationPolicy(nil, nil, "fleet-supervisor"),
		Logger:     logger,
	}).WithClock(clock)

	q := memory.NewQueue(16)
	server := NewServer(ServerDeps{
		Config:        &config.Default().Server,
		Logger:        logger,
		AlertHandler:  NewAlertHandler(service, logger),
		StatusHandler: NewStatusHandler(service, logger),
		StreamHandler: NewStreamHandler(hub, logger),
		IngestHandler: NewIngestHandler(ingest.NewService(q, logger), logger),
	})

	return &testEnv{server: server, service: service, queue: q, hub: hub}
}

func (e *testEnv) admit(t *testing.T, id string, priority domain.Priority) {
	t.Helper()
	_, created, err := e.service.Admit(context.Background(), domain.AlertEvent{
		ID: id, DeviceID: "bus-7", DriverID: "D1", AlertType: domain.AlertTypeTamper,
		Priority: priority, Timestamp: t0,
	})
	require.NoError(t, err)
	require.True(t, created)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
}

func (e *testEnv) do(t *testing.T, method, path, body string) (int, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.server.App().Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp.StatusCode, env
}

func decodeAlert(t *testing.T, env envelope) domain.Alert {
	t.Helper()
	var a domain.Alert
	require.NoError(t, json.Unmarshal(env.Data, &a))
	return a
}

func TestServer_CommandLifecycle(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "evt-1", domain.PriorityHigh)

	status, body := env.do(t, http.MethodPost, "/v1/alerts/evt-1/acknowledge", `{"actor":"dispatcher-1"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, domain.StatusAcknowledged, decodeAlert(t, body).Status)

	status, body = env.do(t, http.MethodPost, "/v1/alerts/evt-1/escalate", "")
	require.Equal(t, http.StatusOK, status)
	alert := decodeAlert(t, body)
	require.Equal(t, domain.StatusEscalated, alert.Status)
	require.Equal(t, "fleet-supervisor", alert.EscalatedTo)
	require.Equal(t, 1, alert.EscalationLevel)

	status, _ = env.do(t, http.MethodPost, "/v1/alerts/evt-1/de-escalate", `{"actor":"lead"}`)
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, "/v1/alerts/evt-1/close", `{"notes":"driver coached on speed"}`)
	require.Equal(t, http.StatusOK, status)
	alert = decodeAlert(t, body)
	require.Equal(t, domain.StatusClosed, alert.Status)
	require.Equal(t, "driver coached on speed", alert.ClosingNotes)

	status, body = env.do(t, http.MethodGet, "/v1/alerts/evt-1/history", "")
	require.Equal(t, http.StatusOK, status)
	var history []domain.HistoryEntry
	require.NoError(t, json.Unmarshal(body.Data, &history))
	require.Len(t, history, 4)
	require.Equal(t, "dispatcher-1", history[0].Actor)
	require.Equal(t, defaultActor, history[1].Actor)
	require.Equal(t, domain.StatusClosed, history[3].To)
}

func TestServer_CommandErrors(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "evt-1", domain.PriorityLow)

	tests := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown alert", "/v1/alerts/missing/acknowledge", "", http.StatusNotFound, ErrCodeNotFound},
		{"illegal transition", "/v1/alerts/evt-1/de-escalate", "", http.StatusConflict, ErrCodeIllegalTransition},
		{"short notes", "/v1/alerts/evt-1/close", `{"notes":"  done  "}`, http.StatusUnprocessableEntity, ErrCodeValidationFailed},
		{"bad body", "/v1/alerts/evt-1/close", `{"notes":`, http.StatusBadRequest, ErrCodeBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.do(t, http.MethodPost, tt.path, tt.body)
			require.Equal(t, tt.status, status)
			require.False(t, body.Success)
			require.Equal(t, tt.code, body.Error.Code)
		})
	}

	// Rejected commands leave the alert untouched.
	alert, err := env.service.Get(context.Background(), "evt-1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusNew, alert.Status)
	require.Empty(t, alert.History)
}

func TestServer_TerminalAlertAcceptsAnnotations(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "evt-1", domain.PriorityMedium)

	status, _ := env.do(t, http.MethodPost, "/v1/alerts/evt-1/resolve", "")
	require.Equal(t, http.StatusConflict, status, "new alerts cannot be resolved directly")

	status, _ = env.do(t, http.MethodPost, "/v1/alerts/evt-1/acknowledge", "")
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, "/v1/alerts/evt-1/resolve", "")
	require.Equal(t, http.StatusOK, status)

	status, _ = env.do(t, http.MethodPost, "/v1/alerts/evt-1/investigate", "")
	require.Equal(t, http.StatusConflict, status)

	status, body := env.do(t, http.MethodPost, "/v1/alerts/evt-1/annotations", `{"actor":"auditor","text":"footage archived"}`)
	require.Equal(t, http.StatusOK, status)
	alert := decodeAlert(t, body)
	require.Len(t, alert.Annotations, 1)
	require.Equal(t, "auditor", alert.Annotations[0].Author)
}

func TestServer_ListAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.admit(t, "evt-1", domain.PriorityHigh)
	env.admit(t, "evt-2", domain.PriorityLow)

	status, body := env.do(t, http.MethodGet, "/v1/alerts?priority=high", "")
	require.Equal(t, http.StatusOK, status)
	var alerts []domain.Alert
	require.NoError(t, json.Unmarshal(body.Data, &alerts))
	require.Len(t, alerts, 1)
	require.Equal(t, "evt-1", alerts[0].ID)

	status, body = env.do(t, http.MethodGet, "/v1/alerts?device=bus-7&status=new", "")
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(body.Data, &alerts))
	require.Len(t, alerts, 2)

	status, _ = env.do(t, http.MethodGet, "/v1/alerts?status=bogus", "")
	require.Equal(t, http.StatusBadRequest, status)

	status, body = env.do(t, http.MethodGet, "/v1/alerts/evt-2", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, domain.PriorityLow, decodeAlert(t, body).Priority)

	status, _ = env.do(t, http.MethodGet, "/v1/alerts/nope", "")
	require.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodGet, "/v1/alerts/summary", "")
	require.Equal(t, http.StatusOK, status)
	var counts map[domain.Status]int
	require.NoError(t, json.Unmarshal(body.Data, &counts))
	require.Equal(t, 2, counts[domain.StatusNew])
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.server.App().Test(req, -1)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestServer_CommandsKeepIndicesConsistent(t *testing.T) {
	env := newTestEnv(t)
	const n = 20
	want := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("alert-%04d", i)
		env.admit(t, id, domain.PriorityMedium)
		want = append(want, id)
	}

	for i, id := range want {
		path := "/v1/alerts/" + id + "/acknowledge"
		if i%2 == 0 {
			status, _ := env.do(t, http.MethodPost, path, "")
			require.Equal(t, http.StatusOK, status)
			continue
		}
		status := env.postForm(t, path, url.Values{"actor": {fmt.Sprintf("night-shift-%02d", i)}})
		require.Equal(t, http.StatusOK, status)
	}

	// Unrelated traffic recycles the server's request buffers.
	for i := 0; i < 50; i++ {
		status, _ := env.do(t, http.MethodGet, fmt.Sprintf("/v1/alerts/zz-unknown-%04d", i), "")
		require.Equal(t, http.StatusNotFound, status)
		_, _ = env.do(t, http.MethodGet, "/v1/flood", "")
	}

	ids := func(alerts []*domain.Alert) []string {
		out := make([]string, len(alerts))
		for i, a := range alerts {
			out[i] = a.ID
		}
		return out
	}

	acked := env.service.List(context.Background(), domain.AlertFilter{Status: domain.StatusAcknowledged})
	require.ElementsMatch(t, want, ids(acked))
	require.Empty(t, env.service.List(context.Background(), domain.AlertFilter{Status: domain.StatusNew}))
	require.ElementsMatch(t, want, ids(env.service.OpenAlerts()))
	require.Equal(t, map[domain.Status]int{domain.StatusAcknowledged: n}, env.service.CountByStatus())

	status, body := env.do(t, http.MethodGet, "/v1/alerts?status=acknowledged&limit=100", "")
	require.Equal(t, http.StatusOK, status)
	var listed []domain.Alert
	require.NoError(t, json.Unmarshal(body.Data, &listed))
	require.Len(t, listed, n)

	history, err := env.service.History(context.Background(), "alert-0001")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, "night-shift-01", history[0].Actor)
}

func TestServer_IngestEvents(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodPost, "/v1/events",
		`[{"id":"e1","deviceId":"bus-7","alertType":"speeding","timestamp":"2026-03-01T08:00:00Z"},
		  {"alarmId":"e2","devIdno":"bus-8","alarmType":"tamper","alarmTime":1772352000}]`)
	require.Equal(t, http.StatusAccepted, status)
	require.True(t, body.Success)
	require.Equal(t, 2, env.queue.Len())

	status, body = env.do(t, http.MethodPost, "/v1/events", `{"id":"e3","deviceId":"bus-7"}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, ErrCodeMalformedEvent, body.Error.Code)
	require.Equal(t, 2, env.queue.Len())
}

func TestServer_DerivedViews(t *testing.T) {
	env := newTestEnv(t)

	status, body := env.do(t, http.MethodGet, "/v1/flood", "")
	require.Equal(t, http.StatusOK, status)
	var fs flood.Status
	require.NoError(t, json.Unmarshal(body.Data, &fs))
	require.False(t, fs.Active)
	require.Equal(t, 50, fs.Threshold)

	_, _, err := env.service.Admit(context.Background(), domain.AlertEvent{
		ID: "s1", DeviceID: "bus-7", DriverID: "D9", AlertType: domain.AlertTypeSpeeding,
		Priority: domain.PriorityMedium, Timestamp: t0,
	})
	require.NoError(t, err)

	status, body = env.do(t, http.MethodGet, "/v1/drivers/D9/violations", "")
	require.Equal(t, http.StatusOK, status)
	var v struct {
		Count  violation.Count   `json:"count"`
		Window *violation.Window `json:"window"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &v))
	require.Equal(t, 1, v.Count.Pending)
	require.NotNil(t, v.Window)

	status, body = env.do(t, http.MethodGet, "/v1/reports", "")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `[]`, string(body.Data))

	status, _ = env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, status)
}

func TestServer_UnknownRoute(t *testing.T) {
	env := newTestEnv(t)
	status, body := env.do(t, http.MethodGet, "/v1/nothing", "")
	require.Equal(t, http.StatusNotFound, status)
	require.Equal(t, ErrCodeNotFound, body.Error.Code)
}

func TestWriteEvents(t *testing.T) {
	hub := notification.NewHub(testLogger())
	sub := hub.Subscribe("sse-test", 4)

	hub.Publish(notification.NewFlood("global", "", 50, 50, t0))
	hub.Close()

	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, writeEvents(w, sub, time.Hour, nil))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, ": connected\n\nevent: flood\ndata: {"), out)
	require.True(t, strings.HasSuffix(out, "}\n\n"), out)
	require.Contains(t, out, `"threshold":50`)
}

func TestStreamHandler_CloseEndsOpenStreams(t *testing.T) {
	hub := notification.NewHub(testLogger())
	defer hub.Close()
	h := NewStreamHandler(hub, testLogger())
	sub := hub.Subscribe("client", 4)

	var buf bytes.Buffer
	errc := make(chan error, 1)
	go func() { errc <- writeEvents(bufio.NewWriter(&buf), sub, time.Hour, h.done) }()

	h.Close()
	h.Close()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream kept running after Close")
	}
}
