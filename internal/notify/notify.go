// Package notify delivers terminal task events to external channels.
//
// Delivery is best-effort: a failed sink is logged and never affects
// the task that produced the event.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var ErrSinkPanic = errors.New("sink panicked")

type EventKind string

const (
	EventSuccess EventKind = "success"
	EventFailure EventKind = "failure"
)

type Event struct {
	Kind    EventKind `json:"kind"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`

	TaskID   string    `json:"task_id,omitempty"`
	TaskKind string    `json:"task_kind,omitempty"`
	Host     string    `json:"host,omitempty"`
	Time     time.Time `json:"time"`
}

type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev *Event) error
}

// Multi sends every event to all sinks concurrently.
type Multi []Notifier

func (m Multi) Name() string {
	return "multi"
}

func (m Multi) Notify(ctx context.Context, ev *Event) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)

	for _, n := range m {
		wg.Add(1)

		go func(n Notifier) {
			defer wg.Done()

			if err := notifyOne(ctx, n, ev); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
				mu.Unlock()
			}
		}(n)
	}

	wg.Wait()

	return errors.Join(errs...)
}

// notifyOne turns a sink panic into an error.
func notifyOne(ctx context.Context, n Notifier, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrSinkPanic, r)
		}
	}()

	return n.Notify(ctx, ev)
}

// DeliveryTimeout bounds the time a pipeline spends on notifications.
var DeliveryTimeout = 30 * time.Second

// Deliver sends the event and logs the failures. It never returns an error.
// A nil notifier is allowed.
func Deliver(ctx context.Context, n Notifier, ev *Event, logger *log.Entry) {
	if n == nil {
		return
	}

	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DeliveryTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Notification panic (%s): %v", n.Name(), r)
		}
	}()

	if err := n.Notify(ctx, ev); err != nil {
		logger.Warnf("Notification failed: %s", err)
	}
}

// LogNotifier writes events to the process log.
type LogNotifier struct {
	Logger *log.Entry
}

func (n *LogNotifier) Name() string {
	return "log"
}

func (n *LogNotifier) Notify(_ context.Context, ev *Event) error {
	logger := n.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	logger = logger.WithFields(log.Fields{"task-id": ev.TaskID, "host": ev.Host})

	if ev.Kind == EventFailure {
		logger.Warnf("%s: %s", ev.Subject, ev.Body)
	} else {
		logger.Infof("%s: %s", ev.Subject, ev.Body)
	}

	return nil
}
