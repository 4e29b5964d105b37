package api

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetguard/internal/config"
)

// Server represents the HTTP server with all configured routes and middleware.
type Server struct {
	app    *fiber.App
	config *config.ServerConfig
	logger *slog.Logger

	// Handlers
	alertHandler  *AlertHandler
	statusHandler *StatusHandler
	streamHandler *StreamHandler
	ingestHandler *IngestHandler
}

// ServerDeps contains all dependencies required to create a new Server.
type ServerDeps struct {
	Config        *config.ServerConfig
	Logger        *slog.Logger
	AlertHandler  *AlertHandler
	StatusHandler *StatusHandler
	StreamHandler *StreamHandler
	IngestHandler *IngestHandler
}

// NewServer creates a new HTTP server with all routes configured.
func NewServer(deps ServerDeps) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		StrictRouting:         true,
		CaseSensitive:         true,
		// Params and body values outlive the request in the alert store.
		Immutable:   true,
		ReadTimeout: deps.Config.ReadTimeout,
		// The notification stream is long-lived, so writes are not bounded here.
		IdleTimeout:  deps.Config.IdleTimeout,
		ErrorHandler: customErrorHandler,
	})

	s := &Server{
		app:           app,
		config:        deps.Config,
		logger:        deps.Logger,
		alertHandler:  deps.AlertHandler,
		statusHandler: deps.StatusHandler,
		streamHandler: deps.StreamHandler,
		ingestHandler: deps.IngestHandler,
	}

	s.registerMiddleware()
	s.registerRoutes()

	return s
}

// App exposes the underlying fiber app, mainly for in-process tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// registerMiddleware sets up all middleware for the server.
func (s *Server) registerMiddleware() {
	// Recovery middleware to handle panics
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID middleware for tracing
	s.app.Use(requestid.New())

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	// Health check endpoint (outside versioned API)
	s.app.Get("/healthz", s.healthCheck)

	// Prometheus metrics endpoint
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	v1 := s.app.Group("/v1")

	// Event ingestion
	if s.ingestHandler != nil {
		v1.Post("/events", s.ingestHandler.IngestEvents)
	}

	// Alert queries
	v1.Get("/alerts", s.alertHandler.List)
	v1.Get("/alerts/summary", s.statusHandler.Summary)
	v1.Get("/alerts/:id", s.alertHandler.Get)
	v1.Get("/alerts/:id/history", s.alertHandler.History)

	// Alert commands
	v1.Post("/alerts/:id/acknowledge", s.alertHandler.Acknowledge)
	v1.Post("/alerts/:id/investigate", s.alertHandler.Investigate)
	v1.Post("/alerts/:id/escalate", s.alertHandler.Escalate)
	v1.Post("/alerts/:id/de-escalate", s.alertHandler.DeEscalate)
	v1.Post("/alerts/:id/resolve", s.alertHandler.Resolve)
	v1.Post("/alerts/:id/close", s.alertHandler.Close)
	v1.Post("/alerts/:id/annotations", s.alertHandler.Annotate)

	// Derived views
	v1.Get("/flood", s.statusHandler.Flood)
	v1.Get("/drivers/:id/violations", s.statusHandler.Violations)
	v1.Get("/reports", s.statusHandler.Reports)

	// Subscription surface
	if s.streamHandler != nil {
		v1.Get("/notifications/stream", s.streamHandler.Stream)
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// healthCheck returns the health status of the service.
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return Success(c, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	addr := s.config.Address()
	s.logger.Info("starting HTTP server", "address", addr)
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.streamHandler != nil {
		s.streamHandler.Close()
	}
	return s.app.ShutdownWithContext(ctx)
}

// customErrorHandler handles errors returned from handlers.
func customErrorHandler(c *fiber.Ctx, err error) error {
	if e, ok := err.(*fiber.Error); ok {
		code := ErrCodeInternalError
		switch e.Code {
		case fiber.StatusNotFound:
			code = ErrCodeNotFound
		case fiber.StatusBadRequest, fiber.StatusMethodNotAllowed:
			code = ErrCodeBadRequest
		}
		return Error(c, e.Code, code, e.Message)
	}

	// Default to internal server error
	return InternalError(c, fmt.Sprintf("unexpected error: %v", err))
}
