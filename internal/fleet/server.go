// Package fleet starts pipelines in the background task pool and
// serves their persisted state.
package fleet

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/0xef53/kvmfleet/internal/appconf"
	"github.com/0xef53/kvmfleet/internal/backup"
	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/notify"
	"github.com/0xef53/kvmfleet/internal/scan"
	"github.com/0xef53/kvmfleet/internal/sshexec"
	"github.com/0xef53/kvmfleet/internal/task"
	"github.com/0xef53/kvmfleet/internal/task/classifiers"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type Server struct {
	SessionID string

	AppConf   *appconf.Config
	Inventory *inventory.Inventory
	Store     *taskstore.Store
	Dialer    sshexec.Dialer
	Notifier  notify.Notifier
	Tasks     *task.Pool

	// MinFreeSpace is checked on the backup filesystem before every backup
	MinFreeSpace uint64

	mu    sync.Mutex
	scans map[string]*ScanReport
}

// ScanReport is the outcome of the last successful scan of a host.
type ScanReport struct {
	*scan.Result

	TaskID    string    `json:"taskId"`
	ScannedAt time.Time `json:"scannedAt"`
}

func NewServer(_ context.Context, appConf *appconf.Config, inv *inventory.Inventory, store *taskstore.Store, dialer sshexec.Dialer, notifier notify.Notifier) (*Server, error) {
	switch {
	case appConf == nil:
		return nil, fmt.Errorf("empty application config")
	case inv == nil:
		return nil, fmt.Errorf("empty host inventory")
	case store == nil:
		return nil, fmt.Errorf("empty task store")
	case dialer == nil:
		return nil, fmt.Errorf("empty session dialer")
	}

	if notifier == nil {
		notifier = new(notify.LogNotifier)
	}

	if err := os.MkdirAll(appConf.Common.BackupDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	srv := Server{
		SessionID:    uuid.New().String(),
		AppConf:      appConf,
		Inventory:    inv,
		Store:        store,
		Dialer:       dialer,
		Notifier:     notifier,
		Tasks:        task.NewPool(),
		MinFreeSpace: backup.MinFreeSpace,
		scans:        make(map[string]*ScanReport),
	}

	if d := appConf.Server.TaskRetention.Std(); d > 0 {
		srv.Tasks.SetRetention(d)
	}

	// Pool of background tasks
	uniqueLabelCls := classifiers.NewUniqueLabelClassifier()

	if _, err := srv.Tasks.RegisterClassifier(uniqueLabelCls, "unique-labels"); err != nil {
		return nil, err
	}

	groupLabelCls := classifiers.NewGroupLabelClassifier()

	if _, err := srv.Tasks.RegisterClassifier(groupLabelCls, "group-labels"); err != nil {
		return nil, err
	}

	// Migrations over the limit wait in the queue, they are not rejected
	limitedGroupCls := classifiers.NewLimitedGroupClassifier(migrationsGroup, appConf.Limits.MaxMigrations, 0)

	if _, err := srv.Tasks.RegisterClassifier(limitedGroupCls, "migrations-group"); err != nil {
		return nil, err
	}

	log.WithField("session-id", srv.SessionID).Infof("Fleet server initialized: %d host(s) in the inventory", len(inv.Hosts()))

	return &srv, nil
}

// Close refuses new tasks and waits for the running ones to finish.
func (s *Server) Close() {
	s.Tasks.WaitAndClosePool()
}

// Shutdown interrupts all running tasks and waits for them.
func (s *Server) Shutdown() {
	for _, tid := range s.Tasks.List() {
		s.Tasks.Cancel(tid)
	}

	s.Tasks.WaitAndClosePool()
}

func (s *Server) setScanReport(host string, r *ScanReport) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scans[host] = r
}

func (s *Server) scanReport(host string) *ScanReport {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scans[host]
}
