// Package api exposes the HTTP surface: the webhook ingest route, health
// and the prometheus metrics endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/amaumene/watchstate/internal/backends"
	"github.com/amaumene/watchstate/internal/cache"
	"github.com/amaumene/watchstate/internal/config"
	"github.com/amaumene/watchstate/internal/models"
)

// Server is the fiber HTTP server.
type Server struct {
	app     *fiber.App
	cfg     *config.Config
	db      *models.Database
	clients map[string]backends.Client
	buckets *cache.Buckets
	logger  *logrus.Logger
}

// NewServer creates the HTTP server and registers routes.
func NewServer(cfg *config.Config, db *models.Database, clients []backends.Client, buckets *cache.Buckets, logger *logrus.Logger) *Server {
	byName := make(map[string]backends.Client, len(clients))
	for _, client := range clients {
		byName[client.Name()] = client
	}

	s := &Server{
		cfg:     cfg,
		db:      db,
		clients: byName,
		buckets: buckets,
		logger:  logger,
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           15 * time.Second,
		IdleTimeout:           60 * time.Second,
	})

	s.app.Use(s.logging)

	s.app.Get("/health", s.handleHealth)
	s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	group := s.app.Group("/v1/api", s.requireAPIKey)
	group.Post("/backends/:name/webhook", s.handleWebhook)
	group.Put("/backends/:name/webhook", s.handleWebhook)

	return s
}

// requireAPIKey guards the API surface when WS_API_KEY is configured.
func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	presented := c.Get("X-Api-Key")
	if presented == "" {
		presented = strings.TrimPrefix(c.Get("Authorization"), "Bearer ")
	}
	if !s.apiKeyValid(presented) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or missing api key",
			"code":  fiber.StatusUnauthorized,
		})
	}
	return c.Next()
}

// logging mirrors the request log middleware: method, path, status, timing.
func (s *Server) logging(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	// Webhook responses opt out of request logging via X-Log-Response: 0.
	if c.GetRespHeader("X-Log-Response") == "0" {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"method":      c.Method(),
		"path":        c.Path(),
		"status":      c.Response().StatusCode(),
		"duration_ms": time.Since(start).Milliseconds(),
		"remote_addr": c.IP(),
	}).Info("HTTP request")
	return err
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	total, err := s.db.Count()
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"error":  err.Error(),
		})
	}
	requests, progress := s.buckets.Counts()
	return c.JSON(fiber.Map{
		"status":           "ok",
		"states":           total,
		"pending_requests": requests,
		"pending_progress": progress,
	})
}

// apiKeyValid compares the presented key in constant time.
func (s *Server) apiKeyValid(presented string) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.APIKey)) == 1
}

// Start begins serving until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.WithField("port", s.cfg.ServerPort).Info("Starting HTTP server")
		if err := s.app.Listen(":" + s.cfg.ServerPort); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down HTTP server")
	return s.app.ShutdownWithTimeout(10 * time.Second)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }
