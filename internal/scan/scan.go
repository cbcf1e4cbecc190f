// Package scan inspects a host and takes an inventory of its workloads.
package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/0xef53/kvmfleet/internal/migration"
	"github.com/0xef53/kvmfleet/internal/osrelease"
	"github.com/0xef53/kvmfleet/internal/pipeline"
	"github.com/0xef53/kvmfleet/internal/sshexec"
	"github.com/0xef53/kvmfleet/internal/version"

	log "github.com/sirupsen/logrus"
)

const (
	StepConnect   = "connect"
	StepInspect   = "inspect host"
	StepWorkloads = "list workloads"
)

func StepNames() []string {
	return []string{StepConnect, StepInspect, StepWorkloads}
}

type Workload struct {
	migration.Workload
	Status string `json:"status"`
}

type Result struct {
	Hostname   string                  `json:"hostname"`
	Kernel     string                  `json:"kernel"`
	OS         *osrelease.OSReleaseInfo `json:"os,omitempty"`
	Hypervisor bool                    `json:"hypervisor"`
	PVEVersion *version.Version        `json:"pveVersion,omitempty"`
	Workloads  []Workload              `json:"workloads"`
}

type Params struct {
	TaskID      string
	Host        string
	Credentials sshexec.Credentials

	Store  pipeline.Store
	Dialer sshexec.Dialer
	Logger *log.Entry

	// OnProgress is called after every completed step
	OnProgress func(completed, total int)
}

type Scan struct {
	p      Params
	logger *log.Entry
	runner *pipeline.Runner
	remote sshexec.Remote

	result Result
}

func New(p Params) *Scan {
	if p.Logger == nil {
		p.Logger = log.NewEntry(log.StandardLogger())
	}

	s := Scan{
		p:      p,
		logger: p.Logger.WithField("host", p.Host),
	}

	s.runner = &pipeline.Runner{
		Store:      p.Store,
		TaskID:     p.TaskID,
		Logger:     s.logger,
		OnProgress: p.OnProgress,
	}

	return &s
}

func (s *Scan) Run(ctx context.Context) (*Result, error) {
	s.remote = s.p.Dialer.Dial(s.p.Credentials, sshexec.Hooks{
		Logger: s.logger,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			s.runner.Logf(ctx, "Connection problem (attempt %d), retrying in %s: %s", attempt, delay, err)
		},
	})
	defer s.remote.Disconnect()

	_, err := s.runner.Run(ctx, []pipeline.Step{
		{Name: StepConnect, Run: s.connect},
		{Name: StepInspect, Run: s.inspect},
		{Name: StepWorkloads, Run: s.listWorkloads},
	})
	if err != nil {
		return nil, err
	}

	return &s.result, nil
}

func (s *Scan) connect(ctx context.Context) error {
	return s.remote.Connect(ctx)
}

func (s *Scan) inspect(ctx context.Context) error {
	var err error

	if s.result.Hostname, err = s.remote.Exec(ctx, "hostname -f 2>/dev/null || hostname", 0); err != nil {
		return err
	}

	if s.result.Kernel, err = s.remote.Exec(ctx, "uname -srm", 0); err != nil {
		return err
	}

	s.result.OS, err = osrelease.Detect(func(name string) ([]byte, error) {
		out, err := s.remote.Exec(ctx, "cat /"+name, 0)
		if err != nil {
			if sshexec.IsExitError(err) {
				return nil, fmt.Errorf("%s: %w", name, fs.ErrNotExist)
			}
			return nil, err
		}
		return []byte(out), nil
	})
	if err != nil {
		return err
	}

	out, err := s.remote.Exec(ctx, "command -v qm >/dev/null && echo 1 || echo 0", 0)
	if err != nil {
		return err
	}

	s.result.Hypervisor = out == "1"

	if s.result.Hypervisor {
		out, err := s.remote.Exec(ctx, "pveversion", 0)
		switch {
		case err == nil:
			if s.result.PVEVersion, err = ParsePveVersion(out); err != nil {
				s.logger.Warnf("Unable to parse pveversion output: %s", err)
			}
		case sshexec.IsExitError(err):
			s.logger.Debugf("pveversion: %s", err)
		default:
			return err
		}
	}

	s.runner.Logf(ctx, "Host %s: %s, kernel %s, hypervisor: %t", s.result.Hostname, s.result.OS, s.result.Kernel, s.result.Hypervisor)

	return nil
}

func (s *Scan) listWorkloads(ctx context.Context) error {
	if !s.result.Hypervisor {
		s.runner.Logf(ctx, "Not a Proxmox host, no workloads")
		return nil
	}

	vms, err := s.remote.Exec(ctx, "qm list", 0)
	if err != nil {
		return fmt.Errorf("qm list: %w", err)
	}

	cts, err := s.remote.Exec(ctx, "pct list", 0)
	if err != nil {
		var exitErr *sshexec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Errorf("pct list: %w", err)
		}
		// No LXC support on the host
		s.logger.Debugf("pct list: %s", exitErr.Message())
		cts = ""
	}

	s.result.Workloads = append(ParseQmList(vms), ParsePctList(cts)...)

	for _, w := range s.result.Workloads {
		s.runner.Logf(ctx, "%s: %s", w.Workload, w.Status)
	}

	s.runner.Logf(ctx, "Found %d workload(s)", len(s.result.Workloads))

	return nil
}

// ParsePveVersion extracts the release from the output of `pveversion`:
//
//	pve-manager/8.2.4/faa83925c9641325 (running kernel: 6.8.8-2-pve)
func ParsePveVersion(out string) (*version.Version, error) {
	fields := strings.Split(strings.TrimSpace(out), "/")

	if len(fields) < 3 || fields[0] != "pve-manager" {
		return nil, fmt.Errorf("unexpected format: %q", out)
	}

	return version.Parse(fields[1])
}

// ParseQmList parses the output of `qm list`:
//
//	VMID NAME      STATUS     MEM(MB)    BOOTDISK(GB) PID
//	 100 web       running    2048              32.00 1234
func ParseQmList(out string) []Workload {
	var ws []Workload

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		ws = append(ws, Workload{
			Workload: migration.Workload{Kind: migration.KindVM, ID: id, Name: fields[1]},
			Status:   fields[2],
		})
	}

	return ws
}

// ParsePctList parses the output of `pct list`. The Lock column is
// usually empty, so the name is always the last field:
//
//	VMID       Status     Lock         Name
//	101        running                 dns
func ParsePctList(out string) []Workload {
	var ws []Workload

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}

		id, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}

		w := Workload{
			Workload: migration.Workload{Kind: migration.KindContainer, ID: id},
			Status:   fields[1],
		}

		if len(fields) >= 3 {
			w.Name = fields[len(fields)-1]
		}

		ws = append(ws, w)
	}

	return ws
}
