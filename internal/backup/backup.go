// Package backup captures the critical configuration of a remote host
// into a timestamped, locally browsable directory.
package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/0xef53/kvmfleet/internal/archive"
	"github.com/0xef53/kvmfleet/internal/notify"
	"github.com/0xef53/kvmfleet/internal/osrelease"
	"github.com/0xef53/kvmfleet/internal/pipeline"
	"github.com/0xef53/kvmfleet/internal/sshexec"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	"github.com/juju/clock"
	log "github.com/sirupsen/logrus"
)

// DefaultPaths are the remote paths captured when the caller does not
// override them. Missing ones are skipped.
var DefaultPaths = []string{"/etc", "/root/.ssh", "/var/spool/cron"}

const (
	ArchiveName = "config.tar.gz"
	FilesDir    = "files"
	SysinfoDir  = "sysinfo"
	GuideName   = "RECOVERY.md"
	GuideHTML   = "RECOVERY.html"

	timestampLayout = "20060102-150405"
)

const (
	StepConnect    = "connect"
	StepCheckPaths = "check paths"
	StepArchive    = "archive"
	StepExtract    = "extract"
	StepSysinfo    = "system info"
	StepStatistics = "statistics"
	StepGuide      = "recovery guide"
	StepRecord     = "record"
)

// StepNames returns the steps of every backup task in execution order.
func StepNames() []string {
	return []string{
		StepConnect,
		StepCheckPaths,
		StepArchive,
		StepExtract,
		StepSysinfo,
		StepStatistics,
		StepGuide,
		StepRecord,
	}
}

type Store interface {
	pipeline.Store
	CreateArtifact(ctx context.Context, a *taskstore.Artifact) error
}

type Params struct {
	TaskID string

	// Host is the inventory name of the host
	Host        string
	Credentials sshexec.Credentials

	BackupDir string
	Paths     []string

	Store    Store
	Dialer   sshexec.Dialer
	Notifier notify.Notifier
	Clock    clock.Clock
	Logger   *log.Entry

	// OnProgress is called after every completed step
	OnProgress func(completed, total int)
}

// Backup is a single run of the backup pipeline.
type Backup struct {
	p      Params
	logger *log.Entry
	runner *pipeline.Runner
	remote sshexec.Remote

	startedAt time.Time
	dir       string

	existing    []string
	hasArchive  bool
	archiveSize int64
	checksum    string
	extracted   *archive.ExtractStat
	hostname    string
	osinfo      *osrelease.OSReleaseInfo
	stat        *archive.TreeStat
	artifact    *taskstore.Artifact
}

func New(p Params) *Backup {
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.Logger == nil {
		p.Logger = log.NewEntry(log.StandardLogger())
	}
	if p.Paths == nil {
		p.Paths = DefaultPaths
	}

	b := Backup{
		p:      p,
		logger: p.Logger.WithField("host", p.Host),
	}

	b.runner = &pipeline.Runner{
		Store:      p.Store,
		TaskID:     p.TaskID,
		Logger:     b.logger,
		OnProgress: p.OnProgress,
	}

	return &b
}

// Dir returns the artifact directory of this run. It is known after
// the run has started.
func (b *Backup) Dir() string {
	return b.dir
}

// Run executes the pipeline and returns the stored artifact.
// The terminal event is sent to the notifier whatever the outcome.
func (b *Backup) Run(ctx context.Context) (*taskstore.Artifact, error) {
	b.startedAt = b.p.Clock.Now()
	b.dir = filepath.Join(b.p.BackupDir, b.p.Host, b.startedAt.UTC().Format(timestampLayout))

	b.remote = b.p.Dialer.Dial(b.p.Credentials, sshexec.Hooks{
		Logger: b.logger,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			b.runner.Logf(ctx, "Connection problem (attempt %d), retrying in %s: %s", attempt, delay, err)
		},
	})
	defer b.remote.Disconnect()

	status, err := b.runner.Run(ctx, []pipeline.Step{
		{Name: StepConnect, Run: b.connect},
		{Name: StepCheckPaths, Run: b.checkPaths},
		{Name: StepArchive, Run: b.archive},
		{Name: StepExtract, Run: b.extract},
		{Name: StepSysinfo, Run: b.sysinfo},
		{Name: StepStatistics, Run: b.statistics},
		{Name: StepGuide, Run: b.guide},
		{Name: StepRecord, Run: b.record},
	})

	var ev *notify.Event

	if status == taskstore.StatusCompleted {
		ev = notify.BackupSucceeded(b.p.Host, b.dir, b.artifact.FileCount, b.artifact.TotalSize, b.p.Clock.Now().Sub(b.startedAt))
	} else {
		if err == nil {
			err = fmt.Errorf("backup finished with status %s", status)
		}
		ev = notify.BackupFailed(b.p.Host, err)
	}

	ev.TaskID = b.p.TaskID

	notify.Deliver(ctx, b.p.Notifier, ev, b.logger)

	if err != nil {
		return nil, err
	}

	return b.artifact, nil
}
