package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/task/classifiers"
	"github.com/0xef53/kvmfleet/internal/taskstore"
)

const (
	ModeBlockBackup task.OperationMode = 1 << (8 - 1 - iota)
	ModeBlockMigration

	ModeNoBlock  = task.OperationMode(0)
	ModeBlockAll = ^task.OperationMode(0)
)

const migrationsGroup = "migrations"

func NoBlockOperations(host string) map[string]task.OperationMode {
	return map[string]task.OperationMode{host: ModeNoBlock}
}

// BlockAnyOperations locks all given hosts against any other task
// except a scan.
func BlockAnyOperations(hosts ...string) map[string]task.OperationMode {
	targets := make(map[string]task.OperationMode, len(hosts))

	for _, h := range hosts {
		targets[h] = ModeBlockAll
	}

	return targets
}

func BlockBackupOperations(host string) map[string]task.OperationMode {
	return map[string]task.OperationMode{host: ModeBlockBackup}
}

func WithUniqueLabel(label string) *task.TaskClassifierDefinition {
	return &task.TaskClassifierDefinition{
		Name: "unique-labels",
		Opts: &classifiers.UniqueLabelOptions{Label: label},
	}
}

func WithGroupLabel(label string, extra ...string) *task.TaskClassifierDefinition {
	return &task.TaskClassifierDefinition{
		Name: "group-labels",
		Opts: &classifiers.GroupLabelOptions{Label: label, Extra: extra},
	}
}

func WithMigrationsGroup() *task.TaskClassifierDefinition {
	return &task.TaskClassifierDefinition{
		Name: "migrations-group",
		Opts: &classifiers.LimitedGroupOptions{},
	}
}

type TaskMetadata struct {
	Kind  taskstore.Kind `json:"kind"`
	Hosts []string       `json:"hosts"`
}

// ValidationError reports a request that can never succeed as is.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// LockedError is returned when a host is busy with another task.
type LockedError struct {
	Hosts  []string
	Kind   taskstore.Kind
	TaskID string

	Err *task.ConcurrentRunningError
}

func (e *LockedError) Error() string {
	hosts := strings.Join(e.Hosts, ", ")

	if len(e.Kind) > 0 {
		return fmt.Sprintf("host is locked because the %s process is currently in progress: %s (task %s)", e.Kind, hosts, e.TaskID)
	}

	return fmt.Sprintf("host is locked by another process: %s (task %s)", hosts, e.TaskID)
}

func (e *LockedError) Unwrap() error {
	return e.Err
}

// TaskStart launches t detached from the cancellation of ctx.
// A conflict with a running task is reported as *LockedError.
func (s *Server) TaskStart(ctx context.Context, t task.Task, md *TaskMetadata, opts ...*task.TaskClassifierDefinition) (string, error) {
	ctx = task.WithMetadata(context.WithoutCancel(ctx), md)

	tid, err := s.Tasks.StartTask(ctx, t, nil, opts...)

	var crErr *task.ConcurrentRunningError

	if errors.As(err, &crErr) {
		lockErr := LockedError{
			TaskID: crErr.TaskID,
			Err:    crErr,
		}

		for h := range crErr.Targets {
			lockErr.Hosts = append(lockErr.Hosts, h)
		}
		sort.Strings(lockErr.Hosts)

		if st := s.Tasks.Stat(crErr.TaskID); st != nil {
			if other, ok := st.Metadata.(*TaskMetadata); ok && other != nil {
				lockErr.Kind = other.Kind
			}
		}

		return "", &lockErr
	}

	return tid, err
}

// storedTask is the part common to all tasks mirrored into the task store.
type storedTask struct {
	*task.GenericTask
	*Server

	spec taskstore.TaskSpec

	// Set when the pipeline took over the task record
	started atomic.Bool
}

func newStoredTask(s *Server, spec taskstore.TaskSpec) *storedTask {
	return &storedTask{
		GenericTask: new(task.GenericTask),
		Server:      s,
		spec:        spec,
	}
}

// BeforeStart creates the task record under the pool task id,
// so both share one identifier.
func (t *storedTask) BeforeStart(_ interface{}) error {
	t.spec.ID = t.ID()

	if _, err := t.Store.CreateTask(context.WithoutCancel(t.Ctx()), t.spec); err != nil {
		return fmt.Errorf("cannot create task record: %w", err)
	}

	return nil
}

// OnFailure finalizes the record of a task that failed before its
// pipeline started, e.g. while waiting in the migrations queue.
// Otherwise the pipeline has already finalized it.
func (t *storedTask) OnFailure(err error) {
	if t.started.Load() {
		return
	}

	ctx := context.WithoutCancel(t.Ctx())

	status := taskstore.StatusFailed
	if errors.Is(err, context.Canceled) || errors.Is(err, task.ErrTaskInterrupted) {
		status = taskstore.StatusCancelled
	}

	if aErr := t.Store.AppendLog(ctx, t.ID(), "Not started: "+err.Error()); aErr != nil {
		if errors.Is(aErr, taskstore.ErrNotFound) {
			return
		}
		t.Logger.Warnf("Cannot append to the task log: %s", aErr)
	}

	if fErr := t.Store.Finalize(ctx, t.ID(), status); fErr != nil && !errors.Is(fErr, taskstore.ErrNotFound) {
		t.Logger.Errorf("Cannot finalize the task record: %s", fErr)
	}
}

func (t *storedTask) onProgress(completed, total int) {
	if total > 0 {
		t.SetProgress(completed * 100 / total)
	}
}
