package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	"github.com/gofiber/fiber/v2"
)

var errMalformedBody = errors.New("malformed request body")

type hostRequest struct {
	Host string `json:"host"`
}

func (r *hostRequest) parse(c *fiber.Ctx) error {
	if err := c.BodyParser(r); err != nil {
		return errMalformedBody
	}

	r.Host = strings.TrimSpace(r.Host)

	if len(r.Host) == 0 {
		return fmt.Errorf("empty host name")
	}

	return nil
}

func accepted(c *fiber.Ctx, tid string) error {
	c.Location(BasePrefix + "/tasks/" + tid)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"taskId": tid})
}

func (s *HttpServer) listHosts(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(s.fleet.ListHosts())
}

func (s *HttpServer) listTasks(c *fiber.Ctx) error {
	filter := taskstore.Filter{
		Kind:   taskstore.Kind(c.Query("kind")),
		Status: taskstore.Status(c.Query("status")),
		Host:   c.Query("host"),
		Limit:  c.QueryInt("limit", 0),
	}

	if filter.Limit < 0 {
		return badRequest(c, "negative limit")
	}

	tasks, err := s.fleet.ListTasks(c.UserContext(), filter)
	if err != nil {
		return mapErr(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(tasks)
}

func (s *HttpServer) getTask(c *fiber.Ctx) error {
	t, err := s.fleet.GetTask(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapErr(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(t)
}

// deleteTask interrupts the task if it is still running.
func (s *HttpServer) deleteTask(c *fiber.Ctx) error {
	if err := s.fleet.DeleteTask(c.UserContext(), c.Params("id")); err != nil {
		return mapErr(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (s *HttpServer) startBackup(c *fiber.Ctx) error {
	var req hostRequest

	if err := req.parse(c); err != nil {
		return badRequest(c, err.Error())
	}

	tid, err := s.fleet.StartBackup(c.UserContext(), req.Host)
	if err != nil {
		return mapErr(c, err)
	}

	return accepted(c, tid)
}

func (s *HttpServer) listArtifacts(c *fiber.Ctx) error {
	artifacts, err := s.fleet.ListArtifacts(c.UserContext(), c.Query("host"))
	if err != nil {
		return mapErr(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(artifacts)
}

func (s *HttpServer) getArtifact(c *fiber.Ctx) error {
	a, err := s.fleet.GetArtifact(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapErr(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(a)
}

func (s *HttpServer) startMigration(c *fiber.Ctx) error {
	var req fleet.MigrationRequest

	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, errMalformedBody.Error())
	}

	tid, err := s.fleet.StartMigration(c.UserContext(), &req)
	if err != nil {
		return mapErr(c, err)
	}

	return accepted(c, tid)
}

func (s *HttpServer) startScan(c *fiber.Ctx) error {
	var req hostRequest

	if err := req.parse(c); err != nil {
		return badRequest(c, err.Error())
	}

	tid, err := s.fleet.StartScan(c.UserContext(), req.Host)
	if err != nil {
		return mapErr(c, err)
	}

	return accepted(c, tid)
}
