package taskstore

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrTerminal      = errors.New("task is already in a terminal state")
	ErrInvalidStep   = errors.New("invalid step")
	ErrInvalidTask   = errors.New("invalid task")
	ErrInvalidStatus = errors.New("invalid status")
)

type Kind string

const (
	KindBackup    Kind = "backup"
	KindMigration Kind = "migration"
	KindScan      Kind = "scan"
)

func (k Kind) Valid() bool {
	switch k {
	case KindBackup, KindMigration, KindScan:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepCompleted, StepFailed:
		return true
	}
	return false
}

type Step struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
	Error  string     `json:"error,omitempty"`
}

// Task is a persisted record of one pipeline run.
type Task struct {
	ID          string     `json:"id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	TotalSteps  int        `json:"totalSteps"`
	CurrentStep string     `json:"currentStep"`
	Log         string     `json:"log"`
	SourceRef   string     `json:"sourceRef"`
	TargetRef   string     `json:"targetRef,omitempty"`
	Steps       []Step     `json:"steps"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// TaskSpec describes a task to create. The ID is generated when empty.
type TaskSpec struct {
	ID        string
	Kind      Kind
	SourceRef string
	TargetRef string
	Steps     []string
}

func (s *TaskSpec) Validate() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind: %q", ErrInvalidTask, s.Kind)
	}

	if len(s.SourceRef) == 0 {
		return fmt.Errorf("%w: empty source reference", ErrInvalidTask)
	}

	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidTask)
	}

	for idx, name := range s.Steps {
		if len(name) == 0 {
			return fmt.Errorf("%w: empty step name at position %d", ErrInvalidTask, idx)
		}
	}

	return nil
}

// Filter narrows ListTasks results. Zero fields match everything.
type Filter struct {
	Kind   Kind
	Status Status
	// Host matches either the source or the target reference
	Host  string
	Limit int
}

// Artifact describes one completed backup. It is never updated in place.
type Artifact struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"taskId,omitempty"`
	ServerRef string    `json:"serverRef"`
	Path      string    `json:"path"`
	FileCount int64     `json:"fileCount"`
	TotalSize int64     `json:"totalSize"`
	Checksum  string    `json:"checksum,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}
