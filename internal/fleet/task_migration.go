package fleet

import (
	"context"
	"fmt"

	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/migration"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/taskstore"
)

type MigrationRequest struct {
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	Workloads []string `json:"workloads"`

	migration.Options
}

func (r *MigrationRequest) parse() (*migration.Request, error) {
	req := migration.Request{
		Source:  r.Source,
		Target:  r.Target,
		Options: r.Options,
	}

	for _, s := range r.Workloads {
		w, err := migration.ParseWorkload(s)
		if err != nil {
			return nil, err
		}
		req.Workloads = append(req.Workloads, w)
	}

	if err := req.Validate(); err != nil {
		return nil, err
	}

	return &req, nil
}

// StartMigration validates the request and queues the migration.
// At most max-migrations migrations run at the same time,
// the others wait in the pending state.
func (s *Server) StartMigration(ctx context.Context, r *MigrationRequest) (string, error) {
	if r == nil {
		return "", &ValidationError{fmt.Errorf("empty migration request")}
	}

	req, err := r.parse()
	if err != nil {
		return "", &ValidationError{err}
	}

	src, err := s.Inventory.Get(req.Source)
	if err != nil {
		return "", err
	}

	dst, err := s.Inventory.Get(req.Target)
	if err != nil {
		return "", err
	}

	for _, h := range []*inventory.Host{src, dst} {
		if !h.IsHypervisor() {
			return "", &ValidationError{fmt.Errorf("%w: %s", ErrNotHypervisor, h.Name)}
		}
	}

	if err := s.checkReleases(src.Name, dst.Name); err != nil {
		return "", &ValidationError{err}
	}

	t := NewMigrationTask(s, src, dst, req)

	md := TaskMetadata{
		Kind:  taskstore.KindMigration,
		Hosts: []string{src.Name, dst.Name},
	}

	taskOpts := []*task.TaskClassifierDefinition{
		WithGroupLabel(src.Name, dst.Name),
		WithMigrationsGroup(),
	}

	tid, err := s.TaskStart(ctx, t, &md, taskOpts...)
	if err != nil {
		return "", fmt.Errorf("cannot start migration: %w", err)
	}

	return tid, nil
}

// checkReleases refuses to move workloads to a host with an older
// Proxmox VE major release, as long as both hosts have been scanned.
func (s *Server) checkReleases(src, dst string) error {
	srcReport, dstReport := s.scanReport(src), s.scanReport(dst)

	if srcReport == nil || dstReport == nil || srcReport.PVEVersion == nil || dstReport.PVEVersion == nil {
		return nil
	}

	if dstReport.PVEVersion.Major < srcReport.PVEVersion.Major {
		return fmt.Errorf("%w: %s runs %s, %s runs %s", ErrOlderRelease, dst, dstReport.PVEVersion, src, srcReport.PVEVersion)
	}

	return nil
}

type MigrationTask struct {
	*storedTask

	src *inventory.Host
	dst *inventory.Host
	req *migration.Request
}

func NewMigrationTask(s *Server, src, dst *inventory.Host, req *migration.Request) *MigrationTask {
	spec := taskstore.TaskSpec{
		Kind:      taskstore.KindMigration,
		SourceRef: src.Name,
		TargetRef: dst.Name,
		Steps:     migration.StepNames(req.Workloads),
	}

	return &MigrationTask{
		storedTask: newStoredTask(s, spec),
		src:        src,
		dst:        dst,
		req:        req,
	}
}

func (t *MigrationTask) Targets() map[string]task.OperationMode {
	return BlockAnyOperations(t.src.Name, t.dst.Name)
}

func (t *MigrationTask) Main() error {
	t.started.Store(true)

	m := migration.New(migration.Params{
		TaskID:            t.ID(),
		Request:           *t.req,
		SourceCredentials: t.src.Credentials(),
		TargetCredentials: t.dst.Credentials(),
		Store:             t.Store,
		Dialer:            t.Dialer,
		Notifier:          t.Notifier,
		Logger:            t.Logger,
		OnProgress:        t.onProgress,
	})

	if err := m.Run(t.Ctx()); err != nil {
		return err
	}

	for _, w := range t.req.Workloads {
		if id, ok := m.TargetID(w); ok && id != w.ID {
			t.Logger.Infof("%s is now %d on %s", w, id, t.dst.Name)
		}
	}

	return nil
}
