package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Webhook posts events as JSON to an HTTP endpoint.
type Webhook struct {
	URL     string
	Timeout time.Duration
}

func (w *Webhook) Name() string {
	return "webhook"
}

func (w *Webhook) Notify(ctx context.Context, ev *Event) error {
	timeout := w.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}

	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	agent := fiber.Post(w.URL).JSON(ev).Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if code < 200 || code >= 300 {
		if len(body) > 256 {
			body = body[:256]
		}
		return fmt.Errorf("unexpected status %d: %s", code, body)
	}

	return nil
}
