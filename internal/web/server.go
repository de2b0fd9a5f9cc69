// Package web serves the pill counting pipeline over HTTP.
//
// Each presenting view is a session addressed by a client-chosen id. Captures
// are uploaded as multipart forms, results are read back as JSON, and the
// annotated JPEG is served from /api/artifacts/:handle for as long as the
// handle is live. Progress for a session is streamed over a websocket.
package web

import (
	"context"
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/ironsheep/pillcount/internal/failure"
	"github.com/ironsheep/pillcount/internal/log"
	"github.com/ironsheep/pillcount/internal/pipeline"
	"github.com/ironsheep/pillcount/internal/present"
)

// HealthChecker reports whether the detection service is reachable.
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// MaxBytes is the largest accepted upload.
	MaxBytes int64

	Version string
	Logger  *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	app      *fiber.App
	sessions *pipeline.Sessions
	handles  present.Handles
	health   HealthChecker
	hub      *progressHub
	opts     Options
	logger   *slog.Logger
}

// bodySlack leaves room for multipart framing around the image.
const bodySlack = 64 << 10

// New builds the fiber app and registers routes. health may be nil.
func New(sessions *pipeline.Sessions, handles present.Handles, health HealthChecker, opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.L()
	}

	s := &Server{
		sessions: sessions,
		handles:  handles,
		health:   health,
		hub:      newProgressHub(),
		opts:     opts,
		logger:   logger.With("component", "web"),
	}

	app := fiber.New(fiber.Config{
		AppName:               "pillcount",
		DisableStartupMessage: true,
		// Session ids from route params are kept as map keys past the request.
		Immutable:             true,
		BodyLimit:             int(opts.MaxBytes) + bodySlack,
		ErrorHandler:          s.handleError,
	})

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/artifacts/:handle", s.handleArtifact)
	api.Post("/sessions/:id/captures", s.handleCapture)
	api.Get("/sessions/:id/result", s.handleResult)
	api.Get("/sessions/:id/download", s.handleDownload)
	api.Post("/sessions/:id/share", s.handleShare)
	api.Post("/sessions/:id/retake", s.handleRetake)
	api.Delete("/sessions/:id", s.handleDelete)

	// WebSocket upgrade middleware
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/sessions/:id/progress", websocket.New(s.handleProgressWS))

	s.app = app
	return s
}

// App exposes the fiber app, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until Shutdown is called.
func (s *Server) Listen() error {
	s.logger.Info("http server listening", "addr", s.opts.Addr)
	return s.app.Listen(s.opts.Addr)
}

// Shutdown stops the server and tears down every session.
func (s *Server) Shutdown() error {
	err := s.app.Shutdown()
	s.sessions.CloseAll()
	return err
}

// statusFor maps a failure kind to an HTTP status.
var statusFor = map[failure.Kind]int{
	failure.TooLarge:     fiber.StatusRequestEntityTooLarge,
	failure.DecodeError:  fiber.StatusUnprocessableEntity,
	failure.LoadTimeout:  fiber.StatusGatewayTimeout,
	failure.NetworkError: fiber.StatusBadGateway,
	failure.ParseError:   fiber.StatusBadGateway,
	failure.Canceled:     fiber.StatusConflict,
	failure.Internal:     fiber.StatusInternalServerError,
}

// failureResponse writes a typed failure as JSON.
func failureResponse(c *fiber.Ctx, err error) error {
	kind := failure.KindOf(err)
	status, ok := statusFor[kind]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	return c.Status(status).JSON(fiber.Map{
		"error":   failure.Message(kind),
		"kind":    kind,
		"details": err.Error(),
	})
}

// handleError renders fiber errors (404, 413, 426) as JSON. Bodies over the
// fiber limit are reported like any other oversize upload.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	if errors.Is(err, fiber.ErrRequestEntityTooLarge) {
		return failureResponse(c, failure.New(failure.TooLarge, "upload", err))
	}
	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}
	if code >= fiber.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
