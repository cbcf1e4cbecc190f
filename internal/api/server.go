// Package api serves the task polling HTTP interface.
package api

import (
	"context"
	"time"

	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"
)

const BasePrefix = "/api/v1"

// Fleet is the set of service operations exposed over HTTP.
type Fleet interface {
	StartBackup(ctx context.Context, host string) (string, error)
	StartMigration(ctx context.Context, r *fleet.MigrationRequest) (string, error)
	StartScan(ctx context.Context, host string) (string, error)

	GetTask(ctx context.Context, id string) (*taskstore.Task, error)
	ListTasks(ctx context.Context, filter taskstore.Filter) ([]*taskstore.Task, error)
	DeleteTask(ctx context.Context, id string) error

	GetArtifact(ctx context.Context, id string) (*taskstore.Artifact, error)
	ListArtifacts(ctx context.Context, host string) ([]*taskstore.Artifact, error)

	ListHosts() []*fleet.HostInfo
}

type HttpServer struct {
	app    *fiber.App
	router fiber.Router
	fleet  Fleet
}

func NewHttpServer(f Fleet) *HttpServer {
	app := fiber.New(fiber.Config{
		AppName:               "kvmfleetd",
		BodyLimit:             1 << 20,
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})

	// middleware
	app.Use(recover.New())
	app.Use(requestLogger)

	// health check route
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
	})

	s := HttpServer{
		app:    app,
		router: app.Group(BasePrefix),
		fleet:  f,
	}

	s.setupRoutes()

	return &s
}

func (s *HttpServer) setupRoutes() {
	s.router.Get("/hosts", s.listHosts)

	s.router.Get("/tasks", s.listTasks)
	s.router.Get("/tasks/:id", s.getTask)
	s.router.Delete("/tasks/:id", s.deleteTask)

	s.router.Post("/backups", s.startBackup)
	s.router.Get("/backups", s.listArtifacts)
	s.router.Get("/backups/:id", s.getArtifact)

	s.router.Post("/migrations", s.startMigration)
	s.router.Post("/scans", s.startScan)
}

// App returns the underlying fiber application.
func (s *HttpServer) App() *fiber.App {
	return s.app
}

// Listen blocks until the server is shut down.
func (s *HttpServer) Listen(addr string) error {
	log.Infof("Listening on %s", addr)

	return s.app.Listen(addr)
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func requestLogger(c *fiber.Ctx) error {
	start := time.Now()

	err := c.Next()

	entry := log.WithFields(log.Fields{
		"method":  c.Method(),
		"path":    c.Path(),
		"status":  c.Response().StatusCode(),
		"elapsed": time.Since(start).Round(time.Microsecond),
	})

	// Polling requests are too frequent for the info level
	if c.Method() == fiber.MethodGet {
		entry.Debug("HTTP request")
	} else {
		entry.Info("HTTP request")
	}

	return err
}
