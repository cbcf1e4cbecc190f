package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	"github.com/gofiber/fiber/v2"
)

const (
	DefaultServer  = "http://127.0.0.1:8470"
	DefaultTimeout = 30 * time.Second
)

var ErrNotFound = errors.New("not found")

// APIError is an error response of the kvmfleetd API.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Code == fiber.StatusNotFound
}

// Fleet is a kvmfleetd API client.
type Fleet struct {
	base    string
	timeout time.Duration
}

func NewFleet(server string, timeout time.Duration) (*Fleet, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("invalid server address: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server address: unsupported scheme: %q", u.Scheme)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Fleet{
		base:    strings.TrimRight(server, "/") + "/api/v1",
		timeout: timeout,
	}, nil
}

func (f *Fleet) do(ctx context.Context, agent *fiber.Agent, want int, resp interface{}) error {
	timeout := f.timeout

	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	code, body, errs := agent.Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if code != want {
		var e struct {
			Error string `json:"error"`
		}

		if err := json.Unmarshal(body, &e); err != nil || len(e.Error) == 0 {
			e.Error = fmt.Sprintf("unexpected response status: %d", code)
		}

		return &APIError{Code: code, Message: e.Error}
	}

	if resp != nil {
		if err := json.Unmarshal(body, resp); err != nil {
			return fmt.Errorf("cannot decode response: %w", err)
		}
	}

	return nil
}

func (f *Fleet) start(ctx context.Context, path string, req interface{}) (string, error) {
	var resp struct {
		TaskID string `json:"taskId"`
	}

	if err := f.do(ctx, fiber.Post(f.base+path).JSON(req), fiber.StatusAccepted, &resp); err != nil {
		return "", err
	}

	return resp.TaskID, nil
}

func (f *Fleet) ListHosts(ctx context.Context) ([]*fleet.HostInfo, error) {
	hosts := make([]*fleet.HostInfo, 0)

	if err := f.do(ctx, fiber.Get(f.base+"/hosts"), fiber.StatusOK, &hosts); err != nil {
		return nil, err
	}

	return hosts, nil
}

func (f *Fleet) ListTasks(ctx context.Context, filter taskstore.Filter) ([]*taskstore.Task, error) {
	q := url.Values{}

	if len(filter.Kind) > 0 {
		q.Set("kind", string(filter.Kind))
	}
	if len(filter.Status) > 0 {
		q.Set("status", string(filter.Status))
	}
	if len(filter.Host) > 0 {
		q.Set("host", filter.Host)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	tasks := make([]*taskstore.Task, 0)

	if err := f.do(ctx, fiber.Get(f.base+"/tasks").QueryString(q.Encode()), fiber.StatusOK, &tasks); err != nil {
		return nil, err
	}

	return tasks, nil
}

func (f *Fleet) GetTask(ctx context.Context, id string) (*taskstore.Task, error) {
	var t taskstore.Task

	if err := f.do(ctx, fiber.Get(f.base+"/tasks/"+url.PathEscape(id)), fiber.StatusOK, &t); err != nil {
		return nil, err
	}

	return &t, nil
}

func (f *Fleet) DeleteTask(ctx context.Context, id string) error {
	return f.do(ctx, fiber.Delete(f.base+"/tasks/"+url.PathEscape(id)), fiber.StatusNoContent, nil)
}

func (f *Fleet) StartBackup(ctx context.Context, host string) (string, error) {
	return f.start(ctx, "/backups", map[string]string{"host": host})
}

func (f *Fleet) ListArtifacts(ctx context.Context, host string) ([]*taskstore.Artifact, error) {
	agent := fiber.Get(f.base + "/backups")

	if len(host) > 0 {
		agent = agent.QueryString(url.Values{"host": []string{host}}.Encode())
	}

	artifacts := make([]*taskstore.Artifact, 0)

	if err := f.do(ctx, agent, fiber.StatusOK, &artifacts); err != nil {
		return nil, err
	}

	return artifacts, nil
}

func (f *Fleet) StartMigration(ctx context.Context, req *fleet.MigrationRequest) (string, error) {
	return f.start(ctx, "/migrations", req)
}

func (f *Fleet) StartScan(ctx context.Context, host string) (string, error) {
	return f.start(ctx, "/scans", map[string]string{"host": host})
}
