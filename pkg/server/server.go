// Package server exposes the audio pipeline over WebSocket and a small
// REST API for session control.
package server

import (
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"

	"github.com/voxhud/voxhud/pkg/engine"
	"github.com/voxhud/voxhud/pkg/session"
)

// Server wires the engine to HTTP and WebSocket transports.
type Server struct {
	app      *fiber.App
	engine   *engine.Engine
	sessions *session.Registry
	logger   *slog.Logger

	framesReceived   atomic.Uint64
	messagesReceived atomic.Uint64
}

// New builds the fiber app and registers all routes.
func New(eng *engine.Engine, sessions *session.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
			ReadBufferSize:        64 * 1024,
		}),
		engine:   eng,
		sessions: sessions,
		logger:   logger.With("component", "server"),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.registerWS(s.app)

	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := s.app.Group("/api/v1")

	api.Get("/sessions", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"count": s.sessions.Len()})
	})

	api.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sessions":          s.sessions.Len(),
			"frames_received":   s.framesReceived.Load(),
			"messages_received": s.messagesReceived.Load(),
		})
	})

	api.Post("/sessions/:id/text", func(c *fiber.Ctx) error {
		var body struct {
			Text string `json:"text"`
		}
		if err := c.BodyParser(&body); err != nil || body.Text == "" {
			return c.Status(400).JSON(fiber.Map{"error": "text required"})
		}
		s.engine.IngestTextMessage(c.Params("id"), body.Text)
		return c.JSON(fiber.Map{"status": "accepted"})
	})

	api.Post("/sessions/:id/manual_mode", func(c *fiber.Ctx) error {
		var body struct {
			Enabled bool `json:"enabled"`
		}
		if err := c.BodyParser(&body); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": err.Error()})
		}
		s.engine.SetManualMode(c.Params("id"), body.Enabled)
		return c.JSON(fiber.Map{"status": "ok", "enabled": body.Enabled})
	})

	api.Post("/sessions/:id/flush", func(c *fiber.Ctx) error {
		s.engine.TriggerManualFlush(c.Params("id"))
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api.Post("/sessions/:id/cancel", func(c *fiber.Ctx) error {
		s.engine.CancelTurn(c.Params("id"))
		return c.JSON(fiber.Map{"status": "cancelled"})
	})

	api.Get("/sessions/:id/history", func(c *fiber.Ctx) error {
		sess, ok := s.sessions.Peek(c.Params("id"))
		if !ok {
			return c.Status(404).JSON(fiber.Map{"error": "unknown session"})
		}
		return c.JSON(fiber.Map{"turns": sess.History()})
	})

	api.Delete("/sessions/:id", func(c *fiber.Ctx) error {
		s.engine.StopSession(c.Params("id"))
		return c.JSON(fiber.Map{"status": "stopped"})
	})
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves on addr until Shutdown.
func (s *Server) Listen(port int) error {
	addr := ":" + strconv.Itoa(port)
	s.logger.Info("listening", "addr", addr)
	return s.app.Listen(addr)
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
