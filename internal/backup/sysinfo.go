package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/0xef53/kvmfleet/internal/sshexec"

	"golang.org/x/sync/errgroup"
)

type sysinfoCommand struct {
	Name    string
	Command string
}

// SysinfoCommands are captured as sysinfo/<name>.txt
var SysinfoCommands = []sysinfoCommand{
	{"os-release", "cat /etc/os-release"},
	{"hostname", "hostname -f 2>/dev/null || hostname"},
	{"ip-addr", "ip addr show"},
	{"lsblk", "lsblk -o NAME,SIZE,TYPE,FSTYPE,MOUNTPOINT"},
	{"fstab", "cat /etc/fstab"},
	{"blkid", "blkid"},
}

// sysinfo runs a few commands in parallel. A command that exits
// with an error is noted and skipped, a transport failure is fatal.
func (b *Backup) sysinfo(ctx context.Context) error {
	dir := filepath.Join(b.dir, SysinfoDir)

	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		skipped []string
	)

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(3)

	for _, c := range SysinfoCommands {
		group.Go(func() error {
			out, err := b.remote.Exec(gctx, c.Command, 0)
			if err != nil {
				var exitErr *sshexec.ExitError
				if errors.As(err, &exitErr) {
					b.logger.Warnf("sysinfo %s: %s", c.Name, exitErr.Message())

					mu.Lock()
					skipped = append(skipped, c.Name)
					mu.Unlock()

					return nil
				}
				return err
			}

			if c.Name == "hostname" {
				mu.Lock()
				b.hostname = out
				mu.Unlock()
			}

			return os.WriteFile(filepath.Join(dir, c.Name+".txt"), []byte(out+"\n"), 0640)
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	if len(skipped) > 0 {
		b.runner.Logf(ctx, "System info not available: %s", strings.Join(skipped, ", "))
	}

	return nil
}
