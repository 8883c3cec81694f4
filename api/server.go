// Package api is the HTTP surface of the coach server: resume CRUD, the
// server-sent event generation streams, health and metrics.
package api

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/papercomputeco/coach/pkg/coach"
	"github.com/papercomputeco/coach/pkg/llm"
	"github.com/papercomputeco/coach/pkg/metrics"
	"github.com/papercomputeco/coach/pkg/resume"
)

// Config is the HTTP server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	ListenAddr string

	// StreamTimeout is the absolute lifetime of one event stream.
	StreamTimeout time.Duration

	// EventBuffer is the number of events queued per stream.
	EventBuffer int

	// RateLimit is the number of streams per second the streaming routes
	// accept, with RateBurst extra. Zero disables the limit.
	RateLimit float64
	RateBurst int
}

// Streams starts generation streams. coach.Service implements it.
type Streams interface {
	StreamMockInterview(ctx context.Context, resumeID string, deltas bool, stream coach.Stream)
	StreamLearningPath(ctx context.Context, resumeID string, deltas bool, stream coach.Stream)
	StreamGreeting(ctx context.Context, stream coach.Stream)
}

// Pinger checks a dependency for the health endpoint. ollama.Client
// implements it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the coach API.
type Server struct {
	config   Config
	resumes  resume.Store
	streams  Streams
	upstream Pinger
	metrics  *metrics.Collector
	limiter  *rate.Limiter
	logger   *zap.Logger
	app      *fiber.App

	// ctx is the parent of every stream; streams outlive their request.
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server and registers its routes. collector may be nil.
func New(config Config, resumes resume.Store, streams Streams, upstream Pinger, collector *metrics.Collector, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		// Disable startup message for cleaner logs
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}
	burst := config.RateBurst
	if burst <= 0 {
		burst = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   config,
		resumes:  resumes,
		streams:  streams,
		upstream: upstream,
		metrics:  collector,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With(zap.String("component", "api")),
		app:      app,
		ctx:      ctx,
		cancel:   cancel,
	}

	if collector != nil {
		app.Use(s.recordRequest)
		app.Get("/metrics", adaptor.HTTPHandler(collector.Handler()))
	}

	app.Get("/health", s.handleHealth)

	group := app.Group("/api/resumes")
	group.Post("/", s.handleCreateResume)
	group.Get("/:id", s.handleGetResume)
	group.Put("/:id", s.handleUpdateResume)
	group.Delete("/:id", s.handleDeleteResume)
	group.Get("/:id/mock-interview", s.handleMockInterview)
	group.Get("/:id/learning-path", s.handleLearningPath)

	app.Get("/api/ollama/greeting", s.handleGreeting)

	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Run starts the server on the configured listening address.
func (s *Server) Run() error {
	s.logger.Info("starting coach server", zap.String("listen", s.config.ListenAddr))
	return s.app.Listen(s.config.ListenAddr)
}

// RunWithListener starts the server on ln.
func (s *Server) RunWithListener(ln net.Listener) error {
	s.logger.Info("starting coach server", zap.String("listen", ln.Addr().String()))
	return s.app.Listener(ln)
}

// Shutdown cancels every open stream and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) recordRequest(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	status := c.Response().StatusCode()
	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
	}
	s.metrics.RecordHTTPRequest(c.Method(), c.Route().Path, status, time.Since(start))
	return err
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	if s.upstream != nil {
		if err := s.upstream.Ping(ctx); err != nil {
			s.logger.Warn("upstream health check failed", zap.Error(err))
			return c.Status(fiber.StatusServiceUnavailable).JSON(map[string]string{
				"status":   "degraded",
				"upstream": err.Error(),
			})
		}
	}

	return c.JSON(map[string]string{"status": "ok", "upstream": "ok"})
}

// errorHandler answers unhandled errors in the llm.ErrorResponse shape.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	return c.Status(code).JSON(llm.ErrorResponse{Error: err.Error()})
}
