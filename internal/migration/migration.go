// Package migration moves VMs and containers between Proxmox hosts
// through a vzdump archive.
package migration

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/0xef53/kvmfleet/internal/notify"
	"github.com/0xef53/kvmfleet/internal/pipeline"
	"github.com/0xef53/kvmfleet/internal/sshexec"

	shellquote "github.com/kballard/go-shellquote"
	log "github.com/sirupsen/logrus"
)

var (
	ErrSameHost          = errors.New("source and target must be different hosts")
	ErrNoWorkloads       = errors.New("no workloads to migrate")
	ErrOnlineBulk        = errors.New("online mode is only available for a single workload")
	ErrDuplicateWorkload = errors.New("workload is listed more than once")
	ErrTargetIDInUse     = errors.New("workload id is already in use on the target host")
	ErrDumpNotFound      = errors.New("cannot determine the dump archive name")
	ErrSizeMismatch      = errors.New("transferred size does not match")
)

const DefaultDumpDir = "/var/lib/vz/dump"

type Options struct {
	TargetStorage string `json:"targetStorage,omitempty"`
	TargetBridge  string `json:"targetBridge,omitempty"`

	// AutoID takes the next free id on the target instead of keeping the source one
	AutoID bool `json:"autoId,omitempty"`

	// Online exports a running workload from a snapshot instead of stopping it
	Online bool `json:"online,omitempty"`

	DumpDir       string        `json:"-"`
	ExportTimeout time.Duration `json:"-"`
	ImportTimeout time.Duration `json:"-"`
}

type Request struct {
	Source    string
	Target    string
	Workloads []Workload
	Options   Options
}

func (r *Request) Validate() error {
	if r.Source == r.Target {
		return ErrSameHost
	}

	if len(r.Workloads) == 0 {
		return ErrNoWorkloads
	}

	if r.Options.Online && len(r.Workloads) > 1 {
		return ErrOnlineBulk
	}

	seen := make(map[string]struct{}, len(r.Workloads))

	for _, w := range r.Workloads {
		if err := w.Validate(); err != nil {
			return err
		}

		key := string(w.Kind) + strconv.Itoa(w.ID)
		if _, ok := seen[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateWorkload, w)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// StepNames returns one step per workload.
func StepNames(workloads []Workload) []string {
	names := make([]string, 0, len(workloads))

	for _, w := range workloads {
		names = append(names, w.String())
	}

	return names
}

type Params struct {
	TaskID string

	Request

	SourceCredentials sshexec.Credentials
	TargetCredentials sshexec.Credentials

	Store    pipeline.Store
	Dialer   sshexec.Dialer
	Notifier notify.Notifier
	Logger   *log.Entry

	// OnProgress is called after every completed step
	OnProgress func(completed, total int)
}

// Migration is a single run of the migration pipeline.
type Migration struct {
	p      Params
	logger *log.Entry
	runner *pipeline.Runner

	source sshexec.Remote
	target sshexec.Remote

	// Ids assigned on the target, by workload
	assigned map[Workload]int
}

func New(p Params) *Migration {
	if p.Logger == nil {
		p.Logger = log.NewEntry(log.StandardLogger())
	}
	if len(p.Options.DumpDir) == 0 {
		p.Options.DumpDir = DefaultDumpDir
	}
	if p.Options.ExportTimeout <= 0 {
		p.Options.ExportTimeout = 6 * time.Hour
	}
	if p.Options.ImportTimeout <= 0 {
		p.Options.ImportTimeout = 6 * time.Hour
	}

	m := Migration{
		p:        p,
		logger:   p.Logger.WithFields(log.Fields{"source": p.Source, "target": p.Target}),
		assigned: make(map[Workload]int),
	}

	m.runner = &pipeline.Runner{
		Store:      p.Store,
		TaskID:     p.TaskID,
		Logger:     m.logger,
		OnProgress: p.OnProgress,
	}

	return &m
}

// TargetID returns the id the workload got on the target host.
func (m *Migration) TargetID(w Workload) (int, bool) {
	id, ok := m.assigned[w]

	return id, ok
}

func (m *Migration) Run(ctx context.Context) error {
	retryHook := func(host string) func(int, time.Duration, error) {
		return func(attempt int, delay time.Duration, err error) {
			m.runner.Logf(ctx, "%s: connection problem (attempt %d), retrying in %s: %s", host, attempt, delay, err)
		}
	}

	m.source = m.p.Dialer.Dial(m.p.SourceCredentials, sshexec.Hooks{
		Logger:  m.logger.WithField("remote-role", "source"),
		OnRetry: retryHook(m.p.Source),
	})
	defer m.source.Disconnect()

	m.target = m.p.Dialer.Dial(m.p.TargetCredentials, sshexec.Hooks{
		Logger:  m.logger.WithField("remote-role", "target"),
		OnRetry: retryHook(m.p.Target),
	})
	defer m.target.Disconnect()

	steps := make([]pipeline.Step, 0, len(m.p.Workloads))

	for _, w := range m.p.Workloads {
		steps = append(steps, pipeline.Step{
			Name: w.String(),
			Run: func(ctx context.Context) error {
				return m.migrate(ctx, w)
			},
		})
	}

	_, err := m.runner.Run(ctx, steps)

	names := make([]string, 0, len(m.p.Workloads))
	for _, w := range m.p.Workloads {
		names = append(names, fmt.Sprintf("%s:%d", w.Kind, w.ID))
	}

	ev := notify.MigrationFinished(m.p.Source, m.p.Target, names, err)
	ev.TaskID = m.p.TaskID

	notify.Deliver(ctx, m.p.Notifier, ev, m.logger)

	return err
}

// migrate moves one workload: export, transfer, import, bridge remap
// and cleanup. Nothing is rolled back on failure.
func (m *Migration) migrate(ctx context.Context, w Workload) error {
	if err := m.source.Connect(ctx); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := m.target.Connect(ctx); err != nil {
		return fmt.Errorf("target: %w", err)
	}

	phase := func(name string) {
		m.runner.SetLabel(ctx, fmt.Sprintf("%s: %s", w, name))
	}

	// Target id
	phase("prepare")

	id, err := m.targetID(ctx, w)
	if err != nil {
		return err
	}

	// Export
	phase("export")

	out, err := m.source.Exec(ctx, exportCommand(w, m.p.Options.DumpDir, m.p.Options.Online), m.p.Options.ExportTimeout)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	dump, ok := parseDumpArchive(out)
	if !ok {
		dump, err = m.source.Exec(ctx, latestDumpCommand(w, m.p.Options.DumpDir), 0)
		if err != nil || len(dump) == 0 {
			return fmt.Errorf("export: %w", ErrDumpNotFound)
		}
	}

	m.runner.Logf(ctx, "%s: exported to %s", w, dump)

	// Transfer
	phase("transfer")

	remoteDump := path.Join(m.p.Options.DumpDir, path.Base(dump))

	if err := m.transfer(ctx, dump, remoteDump); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}

	// Import
	phase("import")

	if _, err := m.target.Exec(ctx, importCommand(w, remoteDump, id, m.p.Options.TargetStorage, m.p.Options.AutoID), m.p.Options.ImportTimeout); err != nil {
		return fmt.Errorf("import: %w", err)
	}

	m.assigned[w] = id

	m.runner.Logf(ctx, "%s: imported on %s as %d", w, m.p.Target, id)

	// Bridge remap
	if len(m.p.Options.TargetBridge) > 0 {
		phase("network")

		if err := m.remapBridge(ctx, w, id); err != nil {
			return fmt.Errorf("network: %w", err)
		}
	}

	// Cleanup failures leave garbage, not a broken workload
	phase("cleanup")

	if _, err := m.source.Exec(ctx, "rm -f "+shellquote.Join(dump, dumpLogName(dump)), 0); err != nil {
		m.runner.Logf(ctx, "%s: cannot remove the dump on %s: %s", w, m.p.Source, err)
	}
	if err := m.target.Remove(ctx, remoteDump); err != nil {
		m.runner.Logf(ctx, "%s: cannot remove the dump on %s: %s", w, m.p.Target, err)
	}

	return nil
}

func (m *Migration) targetID(ctx context.Context, w Workload) (int, error) {
	if m.p.Options.AutoID {
		out, err := m.target.Exec(ctx, "pvesh get /cluster/nextid", 0)
		if err != nil {
			return 0, fmt.Errorf("nextid: %w", err)
		}

		id, err := strconv.Atoi(strings.Trim(out, "\" \n"))
		if err != nil {
			return 0, fmt.Errorf("nextid: unexpected output: %q", out)
		}

		m.runner.Logf(ctx, "%s: assigned id %d on %s", w, id, m.p.Target)

		return id, nil
	}

	out, err := m.target.Exec(ctx, existsCommand(w.ID), 0)
	if err != nil {
		return 0, err
	}

	if out == "1" {
		return 0, fmt.Errorf("%w: %d", ErrTargetIDInUse, w.ID)
	}

	return w.ID, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)

	return n, err
}

// transfer streams the dump from the source host directly into a file
// on the target host.
func (m *Migration) transfer(ctx context.Context, src, dst string) error {
	sizeOut, err := m.source.Exec(ctx, "stat -c %s "+shellquote.Join(src), 0)
	if err != nil {
		return err
	}

	size, err := strconv.ParseInt(sizeOut, 10, 64)
	if err != nil {
		return fmt.Errorf("unexpected size of %s: %q", src, sizeOut)
	}

	if _, err := m.target.Exec(ctx, "mkdir -p "+shellquote.Join(path.Dir(dst)), 0); err != nil {
		return err
	}

	fd, err := m.target.CreateFile(ctx, dst)
	if err != nil {
		return err
	}

	cw := countingWriter{w: fd}

	streamErr := m.source.StreamExec(ctx, "cat "+shellquote.Join(src), &cw)

	if err := fd.Close(); err != nil && streamErr == nil {
		streamErr = err
	}

	if streamErr != nil {
		return streamErr
	}

	if cw.n != size {
		return fmt.Errorf("%w: %d of %d bytes", ErrSizeMismatch, cw.n, size)
	}

	m.runner.Logf(ctx, "Transferred %d bytes to %s:%s", cw.n, m.p.Target, dst)

	return nil
}

func (m *Migration) remapBridge(ctx context.Context, w Workload, id int) error {
	config, err := m.target.Exec(ctx, shellquote.Join(w.tool(), "config", strconv.Itoa(id)), 0)
	if err != nil {
		return err
	}

	cmds := bridgeCommands(w, id, config, m.p.Options.TargetBridge)

	for _, c := range cmds {
		if _, err := m.target.Exec(ctx, c, 0); err != nil {
			return err
		}
	}

	if len(cmds) > 0 {
		m.runner.Logf(ctx, "%s: %d network device(s) moved to %s", w, len(cmds), m.p.Options.TargetBridge)
	}

	return nil
}
