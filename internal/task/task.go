package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrTaskNotRunning  = errors.New("process is not running")
	ErrTaskInterrupted = errors.New("process was interrupted")
)

// OperationMode defines bit flags representing the kinds of operations
// a task performs on a target. Two tasks conflict when they share a target
// and their modes for this target have at least one common bit.
//
// Example:
//
//	ModeBlockBackup task.OperationMode = 1 << (8 - 1 - iota)
//	ModeBlockMigration
//
//	ModeNoBlock  = task.OperationMode(0)
//	ModeBlockAll = ^task.OperationMode(0)
type OperationMode uint32

// Task defines the interface for asynchronous task.
type Task interface {
	Main() error

	BeforeStart(interface{}) error
	OnSuccess() error
	OnFailure(error)

	Wait()
	Cancel() error
	IsRunning() bool

	Err() error
	Ctx() context.Context

	ID() string
	ShortID() string
	CreationTime() time.Time
	ModifiedTime() time.Time

	Targets() map[string]OperationMode

	SetProgress(int)

	Stat() *TaskStat
	Metadata() interface{}
}

type taskInfoKey struct{}

type taskInfo struct {
	TaskID      string    `json:"task_id"`
	TaskShortID string    `json:"task_short_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// InfoFromContext returns the task info from ctx.
func InfoFromContext(ctx context.Context) (*taskInfo, bool) {
	if a := ctx.Value(taskInfoKey{}); a != nil {
		if v, ok := a.(*taskInfo); ok {
			return v, true
		}
	}

	return nil, false
}

type taskMetadataKey struct{}

// WithMetadata attaches user-defined data to ctx. The pool exposes it
// through TaskStat.Metadata of the task started with this context.
func WithMetadata(ctx context.Context, md interface{}) context.Context {
	return context.WithValue(ctx, taskMetadataKey{}, md)
}

func MetadataFromContext(ctx context.Context) (interface{}, bool) {
	if ctx == nil {
		return nil, false
	}

	md := ctx.Value(taskMetadataKey{})

	if md == nil {
		return nil, false
	}

	return md, true
}

// GenericTask is a thread-safe implementation of a generic task.
//
// This struct is designed to be embedded in custom task types to leverage
// common fields and methods.
//
// Example:
//
//	type HostBackupTask struct {
//		*task.GenericTask
//		*Server
//
//		host string
//	}
//
//	func (t *HostBackupTask) Targets() map[string]task.OperationMode {
//		return BlockAnyOperations(t.host)
//	}
type GenericTask struct {
	sync.Mutex

	id string

	createdAt  time.Time
	modifiedAt time.Time

	Logger *log.Entry

	ctx       context.Context
	cancel    context.CancelFunc
	released  chan struct{}
	started   bool
	completed bool

	progress int

	err error
}

// Function initializes the task instance with the provided context and task ID.
func (t *GenericTask) init(ctx context.Context, id string) {
	t.Lock()
	defer t.Unlock()

	t.id = id

	t.createdAt = time.Now()
	t.modifiedAt = t.createdAt

	ctx = context.WithValue(ctx, taskInfoKey{}, &taskInfo{
		TaskID:      id,
		TaskShortID: t.shortID(),
		CreatedAt:   t.createdAt,
	})

	t.ctx, t.cancel = context.WithCancel(ctx)

	t.released = make(chan struct{})

	t.Logger = log.WithField("task-id", t.shortID())
}

func (t *GenericTask) logger() *log.Entry {
	t.Lock()
	defer t.Unlock()

	return t.Logger
}

// setStarted is called when all classifiers have been assigned
// and the main function is about to run.
func (t *GenericTask) setStarted() {
	t.Lock()
	defer t.Unlock()

	t.started = true
	t.modifiedAt = time.Now()
}

func (t *GenericTask) release(err error) {
	t.Lock()
	defer t.Unlock()

	t.cancel()

	t.cancel = nil
	t.completed = true
	t.modifiedAt = time.Now()

	if t.err == nil {
		t.err = err
	} else if err != nil && !errors.Is(err, t.err) {
		// In case the task was cancelled manually
		t.err = fmt.Errorf("%w: %w", t.err, err)
	}

	close(t.released)
}

// BeforeStart is a hook called synchronously by Pool.StartTask before
// the task goroutine is launched. An error returned here is returned
// from StartTask as is.
//
// By default, it does nothing and returns nil.
func (t *GenericTask) BeforeStart(_ interface{}) error {
	return nil
}

// OnSuccess is a hook called after successful task completion.
// It can be overridden to perform any post-processing.
//
// By default, it does nothing and returns nil.
func (t *GenericTask) OnSuccess() error {
	return nil
}

// OnFailure is a hook called after task failure with the encountered error.
//
// By default, it does nothing.
func (t *GenericTask) OnFailure(_ error) {
	// return
}

// Wait blocks until the task is released, i.e., completed or cancelled or failed.
func (t *GenericTask) Wait() {
	<-t.released
}

// Cancel attempts to cancel the running task by invoking its cancel function.
// Returns ErrTaskNotRunning if the task is not currently running.
//
// Sets the task error to ErrTaskInterrupted to indicate manual cancellation.
func (t *GenericTask) Cancel() error {
	t.Lock()
	defer t.Unlock()

	if t.cancel == nil {
		return ErrTaskNotRunning
	}

	// This error indicates that the task was manually canceled
	t.err = ErrTaskInterrupted

	t.cancel()

	return nil
}

// IsRunning returns true if the task is queued or running.
func (t *GenericTask) IsRunning() bool {
	switch t.Stat().State {
	case StateQueued, StateRunning:
		return true
	}

	return false
}

// IsInterrupted returns true if the task was interrupted (manually cancelled).
func (t *GenericTask) IsInterrupted() bool {
	return t.Stat().Interrupted
}

// Err returns the error associated with the task, if any.
func (t *GenericTask) Err() error {
	t.Lock()
	defer t.Unlock()

	return t.err
}

// Stat returns the current status of the task.
//
// It is safe for concurrent use.
func (t *GenericTask) Stat() *TaskStat {
	t.Lock()
	defer t.Unlock()

	st := TaskStat{
		ID:         t.id,
		ShortID:    t.shortID(),
		Progress:   t.progress,
		ModifiedAt: t.modifiedAt,
		Metadata:   t.metadata(),
	}

	switch {
	case t.completed:
		if t.err == nil {
			st.State = StateCompleted
		} else {
			st.State = StateFailed
			st.StateDesc = t.err.Error()

			st.Interrupted = errors.Is(t.err, ErrTaskInterrupted)
		}
	case t.cancel != nil && t.started:
		st.State = StateRunning
	case t.cancel != nil:
		st.State = StateQueued
	}

	return &st
}

// Metadata returns user-defined data extracted from the task's context.
// Returns nil if no metadata is found.
func (t *GenericTask) Metadata() interface{} {
	t.Lock()
	defer t.Unlock()

	return t.metadata()
}

func (t *GenericTask) metadata() interface{} {
	if md, ok := MetadataFromContext(t.ctx); ok {
		return md
	}

	return nil
}

// SetProgress updates the progress value (in percent).
func (t *GenericTask) SetProgress(v int) {
	t.Lock()
	defer t.Unlock()

	if v > 0 && v <= 100 {
		t.progress = v
		t.modifiedAt = time.Now()
	}
}

// Ctx returns the context associated with the task.
func (t *GenericTask) Ctx() context.Context {
	t.Lock()
	defer t.Unlock()

	return t.ctx
}

// ID returns the full task ID.
func (t *GenericTask) ID() string {
	t.Lock()
	defer t.Unlock()

	return t.id
}

func (t *GenericTask) shortID() string {
	if err := uuid.Validate(t.id); err == nil {
		return strings.Split(t.id, "-")[0]
	}

	return t.id
}

// ShortID returns a short version of the task ID.
// If the task ID is a valid UUID, it returns the prefix before the first hyphen.
// Otherwise, it returns the full task ID as is.
func (t *GenericTask) ShortID() string {
	t.Lock()
	defer t.Unlock()

	return t.shortID()
}

// CreationTime returns the time when the task was created.
func (t *GenericTask) CreationTime() time.Time {
	t.Lock()
	defer t.Unlock()

	return t.createdAt
}

// ModifiedTime returns the time of the last task state or progress update.
func (t *GenericTask) ModifiedTime() time.Time {
	t.Lock()
	defer t.Unlock()

	return t.modifiedAt
}

// Targets returns a map of target names to their blocking modes for the task.
//
// By default, it returns nil and should be overridden if any locks are needed
// during the execution.
func (t *GenericTask) Targets() map[string]OperationMode {
	return nil
}

// ConcurrentRunningError represents an error indicating that there is
// an existing task in the pool whose targets partially or completely
// match the new one.
type ConcurrentRunningError struct {
	Name    string
	TaskID  string
	Targets map[string]OperationMode
}

// Error implements the error interface for ConcurrentRunningError.
// It returns a formatted error message including the task name and a list of target objects.
func (e *ConcurrentRunningError) Error() string {
	objects := make([]string, 0, len(e.Targets))

	for obj := range e.Targets {
		objects = append(objects, obj)
	}

	sort.Strings(objects)

	ff := strings.Split(e.Name, ".")

	basename := ff[len(ff)-1]

	return fmt.Sprintf("concurrent process is already running: task = %s, objects = %q", basename, objects)
}

// IsConcurrentRunningError checks if the given error is of type ConcurrentRunningError.
func IsConcurrentRunningError(err error) bool {
	var e *ConcurrentRunningError

	return errors.As(err, &e)
}
