package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fleetguard/internal/domain"
	"fleetguard/internal/metrics"
)

const (
	// pongWait bounds the silence tolerated on the push channel.
	pongWait = 60 * time.Second

	// maxMessageSize bounds one inbound frame.
	maxMessageSize = 1 << 20

	handshakeTimeout = 10 * time.Second
)

// WebSocketSource owns the push channel connection. At most one connection
// is live at any time: the reader of a dropped connection has returned and
// its socket is closed before the next dial starts.
type WebSocketSource struct {
	url     string
	adapter *Adapter
	dialer  *websocket.Dialer
	backoff *Backoff
	logger  *slog.Logger

	connected atomic.Bool
	dials     atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWebSocketSource creates a push channel source for url. Reconnect delays
// start at one second and double up to maxBackoff.
func NewWebSocketSource(url string, adapter *Adapter, maxBackoff time.Duration, logger *slog.Logger) *WebSocketSource {
	return &WebSocketSource{
		url:     url,
		adapter: adapter,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
		backoff: NewBackoff(maxBackoff),
		logger:  logger.With("source", "websocket"),
	}
}

// Start runs the connect/read/reconnect loop until ctx is canceled or Stop
// is called.
func (s *WebSocketSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return fmt.Errorf("websocket source already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.run(runCtx)
	}()

	s.logger.Info("websocket source started", "url", s.url)
	return nil
}

// Stop tears down the live connection and waits for the loop to exit.
func (s *WebSocketSource) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Connected reports whether a connection is currently live.
func (s *WebSocketSource) Connected() bool {
	return s.connected.Load()
}

// Dials returns the number of connection attempts made so far.
func (s *WebSocketSource) Dials() int64 {
	return s.dials.Load()
}

func (s *WebSocketSource) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := s.session(ctx)
		if ctx.Err() != nil {
			return
		}

		delay := s.backoff.Next()
		s.logger.Warn("push channel down, reconnecting",
			"error", fmt.Errorf("%w: %w", domain.ErrTransportDisconnected, err),
			"retryIn", delay.String(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session dials once and reads until the connection fails. It returns only
// after the socket is closed.
func (s *WebSocketSource) session(ctx context.Context) error {
	s.dials.Add(1)
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		metrics.TransportReconnectsTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.TransportReconnectsTotal.WithLabelValues("success").Inc()
	s.backoff.Reset()
	s.connected.Store(true)
	s.logger.Info("push channel connected")

	// Unblock the reader when the source is stopped.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	defer func() {
		close(stop)
		wg.Wait()
		_ = conn.Close()
		s.connected.Store(false)
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errors.New("server closed the connection")
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		result := s.adapter.IngestBatch(ctx, "websocket", data)
		s.logger.Debug("push payload processed",
			"received", result.Received,
			"admitted", result.Admitted,
			"duplicates", result.Duplicates,
			"malformed", result.Malformed,
		)
	}
}
