package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"fleetguard/internal/notification"
)

const (
	// streamBuffer is the per-client notification buffer.
	streamBuffer = 256

	heartbeatInterval = 15 * time.Second
)

// StreamHandler serves notifications as Server-Sent Events.
type StreamHandler struct {
	hub       *notification.Hub
	logger    *slog.Logger
	heartbeat time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// NewStreamHandler creates a new stream handler over hub.
func NewStreamHandler(hub *notification.Hub, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		hub:       hub,
		logger:    logger,
		heartbeat: heartbeatInterval,
		done:      make(chan struct{}),
	}
}

// Close ends every open stream so server shutdown does not wait on idle
// clients. It is idempotent.
func (h *StreamHandler) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// Stream handles GET /v1/notifications/stream
// Each client gets its own subscription; a slow client only drops its own
// notifications.
func (h *StreamHandler) Stream(c *fiber.Ctx) error {
	name := "sse-" + uuid.NewString()
	sub := h.hub.Subscribe(name, streamBuffer)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	h.logger.Debug("notification stream opened", "subscriber", name)
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer sub.Close()
		if err := writeEvents(w, sub, h.heartbeat, h.done); err != nil {
			h.logger.Debug("notification stream closed", "subscriber", name, "error", err)
		}
	}))
	return nil
}

// writeEvents copies notifications to w until the subscription closes, done
// is closed or a write fails. Idle streams get a comment line every heartbeat.
func writeEvents(w *bufio.Writer, sub *notification.Subscription, heartbeat time.Duration, done <-chan struct{}) error {
	// Flushing once up front sends the response headers to the client.
	if _, err := w.WriteString(": connected\n\n"); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return nil
		case n, ok := <-sub.C():
			if !ok {
				return nil
			}
			data, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("failed to marshal notification: %w", err)
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data); err != nil {
				return err
			}
		case <-ticker.C:
			if _, err := w.WriteString(": ping\n\n"); err != nil {
				return err
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}
