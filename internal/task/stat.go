package task

import "time"

type TaskState int32

const (
	StateUnknown TaskState = iota
	StateQueued
	StateRunning
	StateCompleted
	StateFailed
)

func (s TaskState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}

	return "unknown"
}

type TaskStat struct {
	ID          string      `json:"id"`
	ShortID     string      `json:"short_id"`
	State       TaskState   `json:"state"`
	StateDesc   string      `json:"state_desc"`
	Interrupted bool        `json:"interrupted"`
	Progress    int         `json:"progress"`
	ModifiedAt  time.Time   `json:"modified_at"`
	Metadata    interface{} `json:"metadata"`
}
