package api

import (
	"errors"

	"github.com/0xef53/kvmfleet/internal/backup"
	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"
)

// httpCode maps service errors to response codes.
func httpCode(err error) int {
	var (
		validationErr *fleet.ValidationError
		concurrentErr *task.ConcurrentRunningError
	)

	switch {
	case errors.As(err, &validationErr):
		return fiber.StatusBadRequest
	case errors.Is(err, taskstore.ErrNotFound), errors.Is(err, inventory.ErrHostNotFound):
		return fiber.StatusNotFound
	case errors.As(err, &concurrentErr):
		return fiber.StatusConflict
	case errors.Is(err, backup.ErrNoSpace):
		return fiber.StatusInsufficientStorage
	case errors.Is(err, task.ErrPoolClosed):
		return fiber.StatusServiceUnavailable
	}

	return fiber.StatusInternalServerError
}

func mapErr(c *fiber.Ctx, err error) error {
	code := httpCode(err)

	if code == fiber.StatusInternalServerError {
		log.WithFields(log.Fields{"method": c.Method(), "path": c.Path()}).Errorf("Request failed: %s", err)
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

// errorHandler answers in JSON for errors raised by fiber itself,
// e.g. unknown routes.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError

	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
	}

	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
