package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
)

// Pool runs tasks in background goroutines and prevents tasks
// with conflicting targets from running at the same time.
//
// Finished tasks are kept for the retention period so that their
// final state can still be requested.
type Pool struct {
	mu    sync.Mutex
	table map[string]Task

	classifiers *rootClassifier

	retention time.Duration

	wg       sync.WaitGroup
	isClosed bool
}

func NewPool() *Pool {
	return &Pool{
		table:       make(map[string]Task),
		classifiers: newRootClassifier(),
		retention:   5 * time.Minute,
	}
}

// SetRetention changes how long finished tasks remain visible.
func (p *Pool) SetRetention(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retention = d
}

func (p *Pool) RegisterClassifier(c TaskClassifier, names ...string) ([]string, error) {
	return p.classifiers.Register(c, names...)
}

func (p *Pool) DeregisterClassifier(name string) error {
	return p.classifiers.Deregister(name)
}

// conflict returns the targets of b that collide with the targets of a.
func conflict(a, b map[string]OperationMode) map[string]OperationMode {
	var res map[string]OperationMode

	for obj, modeB := range b {
		if modeA, found := a[obj]; found && modeA&modeB != 0 {
			if res == nil {
				res = make(map[string]OperationMode)
			}
			res[obj] = modeB
		}
	}

	return res
}

// StartTask checks the task targets against all running tasks, initializes
// the task, calls its BeforeStart hook and launches it in the background.
//
// The classifiers are assigned in the task goroutine before Main() is
// called, so a task waiting for a slot in a limited group is reported
// as queued rather than blocking the caller. Queued tasks are admitted
// in the order StartTask was called.
func (p *Pool) StartTask(ctx context.Context, t Task, resp interface{}, opts ...*TaskClassifierDefinition) (string, error) {
	// The low level embedded task interface
	eti, ok := t.(interface {
		init(context.Context, string)
		setStarted()
		release(error)
		logger() *log.Entry
	})
	if !ok {
		return "", fmt.Errorf("invalid embedded interface")
	}

	tid := uuid.NewString()

	p.mu.Lock()

	if p.isClosed {
		p.mu.Unlock()

		return "", ErrPoolClosed
	}

	targets := t.Targets()

	// Get all running tasks and check if a new task conflicts with them
	for id, running := range p.table {
		if !running.IsRunning() {
			continue
		}

		if objects := conflict(running.Targets(), targets); len(objects) > 0 {
			p.mu.Unlock()

			return "", &ConcurrentRunningError{
				Name:    fmt.Sprintf("%T", running),
				TaskID:  id,
				Targets: objects,
			}
		}
	}

	eti.init(ctx, tid)

	p.table[tid] = t

	p.wg.Add(1)

	p.mu.Unlock()

	logger := eti.logger()

	// ... and run the pre-start hook
	if err := t.BeforeStart(resp); err != nil {
		logger.Errorf("Pre-start function failed: %s", err)

		eti.release(err)

		p.mu.Lock()
		delete(p.table, tid)
		p.mu.Unlock()

		p.wg.Done()

		return "", err
	}

	// Take a place in the limited groups now: the goroutines below
	// may be scheduled in any order
	p.classifiers.Reserve(opts, tid)

	// Main background process
	go func() {
		var err error

		defer func() {
			p.classifiers.Unassign(tid)

			eti.release(err)

			p.wg.Done()

			p.scheduleRemoval(tid)
		}()

		for _, def := range opts {
			if err = p.classifiers.Assign(t.Ctx(), def, tid); err != nil {
				logger.Errorf("Cannot assign classifier: %s", err)

				t.OnFailure(err)

				return
			}
		}

		eti.setStarted()

		err = t.Main()

		if err == nil {
			logger.Info("Successfully completed")

			err = t.OnSuccess()
		} else {
			logger.Errorf("Fatal error: %s", err)

			t.OnFailure(err)
		}
	}()

	return tid, nil
}

func (p *Pool) scheduleRemoval(tid string) {
	p.mu.Lock()
	retention := p.retention
	p.mu.Unlock()

	time.AfterFunc(retention, func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if t, found := p.table[tid]; found && !t.IsRunning() {
			delete(p.table, tid)
		}
	})
}

func (p *Pool) get(tid string) Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.table[tid]
}

func (p *Pool) Stat(tid string) *TaskStat {
	if t := p.get(tid); t != nil {
		return t.Stat()
	}

	return nil
}

// StatByLabel returns the stats of the tasks assigned to any of the labels.
func (p *Pool) StatByLabel(labels ...string) []*TaskStat {
	stats := make([]*TaskStat, 0, 1)

	for _, tid := range p.classifiers.Get(labels...) {
		if st := p.Stat(tid); st != nil {
			stats = append(stats, st)
		}
	}

	return stats
}

func (p *Pool) Err(tid string) error {
	if t := p.get(tid); t != nil {
		return t.Err()
	}

	return nil
}

// Cancel interrupts the task. It returns ErrTaskNotRunning
// if the task is unknown or has already finished.
func (p *Pool) Cancel(tid string) error {
	if t := p.get(tid); t != nil {
		return t.Cancel()
	}

	return ErrTaskNotRunning
}

func (p *Pool) CancelByLabel(labels ...string) {
	for _, tid := range p.classifiers.Get(labels...) {
		p.Cancel(tid)
	}
}

func (p *Pool) Wait(tid string) {
	if t := p.get(tid); t != nil {
		t.Wait()
	}
}

func (p *Pool) List() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	tasks := make([]string, 0, len(p.table))

	for tid := range p.table {
		tasks = append(tasks, tid)
	}

	return tasks
}

// WaitAndClosePool refuses new tasks and waits for the running ones.
func (p *Pool) WaitAndClosePool() {
	p.mu.Lock()
	p.isClosed = true
	p.mu.Unlock()

	p.wg.Wait()
}
