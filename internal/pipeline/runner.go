// Package pipeline executes the ordered steps of one task and mirrors
// every transition into the task store.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/0xef53/kvmfleet/internal/taskstore"

	log "github.com/sirupsen/logrus"
)

// Store is the part of the task store a pipeline writes to.
type Store interface {
	MarkRunning(ctx context.Context, taskID string) error
	SetCurrentStep(ctx context.Context, taskID, label string) error
	UpdateStep(ctx context.Context, taskID string, idx int, status taskstore.StepStatus, errText string) error
	AppendLog(ctx context.Context, taskID, text string) error
	Finalize(ctx context.Context, taskID string, status taskstore.Status) error
}

type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// StepNames returns the names in the order the steps will be executed.
func StepNames(steps []Step) []string {
	names := make([]string, 0, len(steps))

	for _, s := range steps {
		names = append(names, s.Name)
	}

	return names
}

// StoreError wraps a failed write into the task store.
// A pipeline stops as soon as its progress cannot be recorded.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string {
	return "task store: " + e.Err.Error()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Runner drives the steps of a single task. Steps are executed strictly
// in order; the first failure is recorded on its step and the remaining
// steps keep their pending status.
type Runner struct {
	Store  Store
	TaskID string
	Logger *log.Entry

	// OnProgress is called after every completed step.
	OnProgress func(completed, total int)
}

// Logf writes a line both to the process log and to the task log.
// A failure to append is only logged.
func (r *Runner) Logf(ctx context.Context, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	r.logger().Info(msg)

	if err := r.Store.AppendLog(context.WithoutCancel(ctx), r.TaskID, msg); err != nil {
		r.logger().Warnf("Cannot append to the task log: %s", err)
	}
}

// SetLabel narrates what the current step is doing right now.
func (r *Runner) SetLabel(ctx context.Context, label string) {
	if err := r.Store.SetCurrentStep(context.WithoutCancel(ctx), r.TaskID, label); err != nil {
		r.logger().Warnf("Cannot set the current step label: %s", err)
	}
}

func (r *Runner) logger() *log.Entry {
	if r.Logger == nil {
		r.Logger = log.WithField("task-id", r.TaskID)
	}

	return r.Logger
}

// Run executes the steps and finalizes the task. It returns the final
// status and the error that caused a failure, if any.
//
// Store writes are not bound to ctx: a cancelled pipeline must still
// be able to record where it stopped.
func (r *Runner) Run(ctx context.Context, steps []Step) (taskstore.Status, error) {
	wctx := context.WithoutCancel(ctx)

	if err := r.Store.MarkRunning(wctx, r.TaskID); err != nil {
		return taskstore.StatusFailed, &StoreError{err}
	}

	for idx, step := range steps {
		if err := ctx.Err(); err != nil {
			return r.finalize(wctx, taskstore.StatusCancelled, err)
		}

		if err := r.Store.SetCurrentStep(wctx, r.TaskID, step.Name); err != nil {
			return r.abort(wctx, err)
		}

		if err := r.Store.UpdateStep(wctx, r.TaskID, idx, taskstore.StepRunning, ""); err != nil {
			return r.abort(wctx, err)
		}

		r.logger().Debugf("Step %d/%d started: %s", idx+1, len(steps), step.Name)

		stepErr := step.Run(ctx)

		if stepErr != nil {
			r.logger().Errorf("Step %q failed: %s", step.Name, stepErr)

			if err := r.Store.UpdateStep(wctx, r.TaskID, idx, taskstore.StepFailed, stepErr.Error()); err != nil {
				return r.abort(wctx, err)
			}

			status := taskstore.StatusFailed

			if ctx.Err() != nil && errors.Is(stepErr, ctx.Err()) {
				status = taskstore.StatusCancelled
			}

			return r.finalize(wctx, status, stepErr)
		}

		if err := r.Store.UpdateStep(wctx, r.TaskID, idx, taskstore.StepCompleted, ""); err != nil {
			return r.abort(wctx, err)
		}

		if r.OnProgress != nil {
			r.OnProgress(idx+1, len(steps))
		}
	}

	return r.finalize(wctx, taskstore.StatusCompleted, nil)
}

func (r *Runner) finalize(ctx context.Context, status taskstore.Status, cause error) (taskstore.Status, error) {
	if err := r.Store.Finalize(ctx, r.TaskID, status); err != nil {
		return taskstore.StatusFailed, errors.Join(cause, &StoreError{err})
	}

	return status, cause
}

// abort is called when the store rejected a write. The task is finalized
// as failed if the store still accepts it (it may have been deleted).
func (r *Runner) abort(ctx context.Context, err error) (taskstore.Status, error) {
	r.logger().Errorf("Cannot record progress: %s", err)

	if !errors.Is(err, taskstore.ErrNotFound) && !errors.Is(err, taskstore.ErrTerminal) {
		r.Store.Finalize(ctx, r.TaskID, taskstore.StatusFailed)
	}

	return taskstore.StatusFailed, &StoreError{err}
}
