package fleet

import (
	"context"
	"fmt"

	"github.com/0xef53/kvmfleet/internal/backup"
	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/taskstore"
)

// StartBackup launches the backup of the host and returns the task id.
func (s *Server) StartBackup(ctx context.Context, hostname string) (string, error) {
	host, err := s.Inventory.Get(hostname)
	if err != nil {
		return "", err
	}

	t := NewHostBackupTask(s, host)

	md := TaskMetadata{
		Kind:  taskstore.KindBackup,
		Hosts: []string{host.Name},
	}

	tid, err := s.TaskStart(ctx, t, &md, WithGroupLabel(host.Name))
	if err != nil {
		return "", fmt.Errorf("cannot start backup: %w", err)
	}

	return tid, nil
}

type HostBackupTask struct {
	*storedTask

	host *inventory.Host
}

func NewHostBackupTask(s *Server, host *inventory.Host) *HostBackupTask {
	spec := taskstore.TaskSpec{
		Kind:      taskstore.KindBackup,
		SourceRef: host.Name,
		Steps:     backup.StepNames(),
	}

	return &HostBackupTask{
		storedTask: newStoredTask(s, spec),
		host:       host,
	}
}

func (t *HostBackupTask) Targets() map[string]task.OperationMode {
	return BlockBackupOperations(t.host.Name)
}

func (t *HostBackupTask) BeforeStart(resp interface{}) error {
	if err := backup.CheckFreeSpace(t.AppConf.Common.BackupDir, t.MinFreeSpace); err != nil {
		return err
	}

	return t.storedTask.BeforeStart(resp)
}

func (t *HostBackupTask) Main() error {
	t.started.Store(true)

	b := backup.New(backup.Params{
		TaskID:      t.ID(),
		Host:        t.host.Name,
		Credentials: t.host.Credentials(),
		BackupDir:   t.AppConf.Common.BackupDir,
		Store:       t.Store,
		Dialer:      t.Dialer,
		Notifier:    t.Notifier,
		Logger:      t.Logger,
		OnProgress:  t.onProgress,
	})

	artifact, err := b.Run(t.Ctx())
	if err != nil {
		return err
	}

	t.Logger.Infof("Backup saved to %s (artifact %s)", artifact.Path, artifact.ID)

	return nil
}
