package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotHypervisor = errors.New("host is not a hypervisor")
	ErrOlderRelease  = errors.New("target host runs an older Proxmox VE release")
)

// How long DeleteTask waits for an interrupted pipeline to stop
// before the record is removed anyway.
var cancelWaitTimeout = 15 * time.Second

func (s *Server) GetTask(ctx context.Context, id string) (*taskstore.Task, error) {
	return s.Store.GetTask(ctx, id)
}

func (s *Server) ListTasks(ctx context.Context, filter taskstore.Filter) ([]*taskstore.Task, error) {
	if len(filter.Kind) > 0 && !filter.Kind.Valid() {
		return nil, &ValidationError{fmt.Errorf("unknown task kind: %q", filter.Kind)}
	}

	if len(filter.Status) > 0 && !filter.Status.Valid() {
		return nil, &ValidationError{fmt.Errorf("unknown task status: %q", filter.Status)}
	}

	return s.Store.ListTasks(ctx, filter)
}

// DeleteTask interrupts the task if it is still running and removes
// its record with all steps.
func (s *Server) DeleteTask(ctx context.Context, id string) error {
	if err := s.Tasks.Cancel(id); err == nil {
		logger := log.WithField("task-id", id)

		logger.Info("Interrupting the task before deletion")

		released := make(chan struct{})

		go func() {
			s.Tasks.Wait(id)
			close(released)
		}()

		timer := time.NewTimer(cancelWaitTimeout)
		defer timer.Stop()

		select {
		case <-released:
		case <-timer.C:
			logger.Warn("The task is still stopping, removing its record anyway")
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if !errors.Is(err, task.ErrTaskNotRunning) {
		return err
	}

	return s.Store.DeleteTask(ctx, id)
}

func (s *Server) GetArtifact(ctx context.Context, id string) (*taskstore.Artifact, error) {
	return s.Store.GetArtifact(ctx, id)
}

// ListArtifacts returns the backups of the host, or of all hosts
// if hostname is empty.
func (s *Server) ListArtifacts(ctx context.Context, hostname string) ([]*taskstore.Artifact, error) {
	if len(hostname) > 0 {
		if _, err := s.Inventory.Get(hostname); err != nil {
			return nil, err
		}
	}

	return s.Store.ListArtifacts(ctx, hostname)
}

// HostInfo is an inventory entry with its runtime state.
type HostInfo struct {
	*inventory.Host

	ActiveTasks []string    `json:"activeTasks"`
	LastScan    *ScanReport `json:"lastScan,omitempty"`
}

func (s *Server) ListHosts() []*HostInfo {
	hosts := s.Inventory.Hosts()

	infos := make([]*HostInfo, 0, len(hosts))

	for _, h := range hosts {
		info := HostInfo{
			Host:        h,
			ActiveTasks: make([]string, 0),
			LastScan:    s.scanReport(h.Name),
		}

		for _, st := range s.Tasks.StatByLabel(h.Name) {
			if st.State == task.StateQueued || st.State == task.StateRunning {
				info.ActiveTasks = append(info.ActiveTasks, st.ID)
			}
		}

		sort.Strings(info.ActiveTasks)

		infos = append(infos, &info)
	}

	return infos
}
