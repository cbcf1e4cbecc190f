// Package systemd reports the state of kvmfleetd to the service manager.
// All calls are no-ops when the daemon is not started by systemd.
package systemd

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	log "github.com/sirupsen/logrus"
)

type Notifier struct {
	// notify replaces daemon.SdNotify in tests
	notify func(state string) (bool, error)
}

func NewNotifier() *Notifier {
	return &Notifier{
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

func (n *Notifier) send(state string) {
	if ok, err := n.notify(state); err != nil {
		log.Warnf("sd_notify(%q) failed: %s", state, err)
	} else if ok {
		log.Debugf("sd_notify: %s", state)
	}
}

func (n *Notifier) Ready() {
	n.send(daemon.SdNotifyReady)
}

func (n *Notifier) Stopping() {
	n.send(daemon.SdNotifyStopping)
}

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(format string, args ...interface{}) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watchdog pings the service manager at half of WatchdogSec
// until ctx is done. It returns at once if the watchdog is off.
func (n *Notifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warnf("Unable to check the systemd watchdog: %s", err)
		return
	}

	if interval == 0 {
		return
	}

	n.watchdogLoop(ctx, interval/2)
}

func (n *Notifier) watchdogLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
