// Package server assembles the HTTP application: the caller gateway, the
// operator API, health and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/teslashibe/go-voicedesk/pkg/gateway"
	"github.com/teslashibe/go-voicedesk/pkg/metrics"
)

// Config holds server configuration.
type Config struct {
	Addr            string
	AppName         string
	ShutdownTimeout time.Duration
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		AppName:         "voicedesk",
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the voicedesk HTTP server.
type Server struct {
	app     *fiber.App
	config  Config
	gateway *gateway.Gateway
	logger  *zap.Logger
	started time.Time
}

// New creates a server exposing gw.
func New(cfg Config, gw *gateway.Gateway) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		config:  cfg,
		gateway: gw,
		logger:  cfg.Logger.With(zap.String("component", "server")),
		started: time.Now(),
	}

	app := fiber.New(fiber.Config{
		AppName:               cfg.AppName,
		DisableStartupMessage: true,
	})

	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Content-Type,Authorization",
	}))
	app.Use(logger.New(logger.Config{
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/health" || c.Path() == "/metrics"
		},
		Output: zap.NewStdLog(s.logger).Writer(),
		Format: "${status} ${method} ${path} ${latency}\n",
	}))

	app.Get("/health", s.handleHealth)
	if cfg.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(cfg.Metrics.Handler()))
	}

	gw.RegisterRoutes(app)
	gw.RegisterAPIRoutes(app.Group("/api"))

	s.app = app
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	st := s.gateway.GetStats()
	return c.JSON(fiber.Map{
		"status":    "ok",
		"sessions":  st.Sessions,
		"connected": st.Connected,
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", s.config.Addr))
		errc <- s.app.Listen(s.config.Addr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	if err := s.Shutdown(); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for active ones up to
// the configured timeout.
func (s *Server) Shutdown() error {
	s.logger.Info("shutting down")
	return s.app.ShutdownWithTimeout(s.config.ShutdownTimeout)
}
