package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/scan"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/taskstore"
)

func scanLabel(host string) string {
	return "scan:" + host
}

// StartScan inspects the host and lists its workloads. A scan never
// conflicts with other tasks, but only one scan per host may run.
func (s *Server) StartScan(ctx context.Context, hostname string) (string, error) {
	host, err := s.Inventory.Get(hostname)
	if err != nil {
		return "", err
	}

	for _, st := range s.Tasks.StatByLabel(scanLabel(host.Name)) {
		if st.State == task.StateQueued || st.State == task.StateRunning {
			return "", &LockedError{
				Hosts:  []string{host.Name},
				Kind:   taskstore.KindScan,
				TaskID: st.ID,
				Err: &task.ConcurrentRunningError{
					Name:    fmt.Sprintf("%T", new(HostScanTask)),
					TaskID:  st.ID,
					Targets: NoBlockOperations(host.Name),
				},
			}
		}
	}

	t := NewHostScanTask(s, host)

	md := TaskMetadata{
		Kind:  taskstore.KindScan,
		Hosts: []string{host.Name},
	}

	taskOpts := []*task.TaskClassifierDefinition{
		WithUniqueLabel(scanLabel(host.Name)),
		WithGroupLabel(host.Name),
	}

	tid, err := s.TaskStart(ctx, t, &md, taskOpts...)
	if err != nil {
		return "", fmt.Errorf("cannot start scan: %w", err)
	}

	return tid, nil
}

type HostScanTask struct {
	*storedTask

	host *inventory.Host
}

func NewHostScanTask(s *Server, host *inventory.Host) *HostScanTask {
	spec := taskstore.TaskSpec{
		Kind:      taskstore.KindScan,
		SourceRef: host.Name,
		Steps:     scan.StepNames(),
	}

	return &HostScanTask{
		storedTask: newStoredTask(s, spec),
		host:       host,
	}
}

func (t *HostScanTask) Targets() map[string]task.OperationMode {
	return NoBlockOperations(t.host.Name)
}

func (t *HostScanTask) Main() error {
	t.started.Store(true)

	sc := scan.New(scan.Params{
		TaskID:      t.ID(),
		Host:        t.host.Name,
		Credentials: t.host.Credentials(),
		Store:       t.Store,
		Dialer:      t.Dialer,
		Logger:      t.Logger,
		OnProgress:  t.onProgress,
	})

	res, err := sc.Run(t.Ctx())
	if err != nil {
		return err
	}

	t.setScanReport(t.host.Name, &ScanReport{
		Result:    res,
		TaskID:    t.ID(),
		ScannedAt: time.Now(),
	})

	return nil
}
