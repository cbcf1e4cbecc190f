package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xef53/kvmfleet/internal/api"
	"github.com/0xef53/kvmfleet/internal/appconf"
	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/flock"
	"github.com/0xef53/kvmfleet/internal/inventory"
	"github.com/0xef53/kvmfleet/internal/sshexec"
	"github.com/0xef53/kvmfleet/internal/systemd"
	"github.com/0xef53/kvmfleet/internal/taskstore"
	"github.com/0xef53/kvmfleet/internal/version"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetFormatter(&log.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})

	app := cli.NewApp()
	app.Usage = "REST interface for orchestrating backups and migrations of Proxmox hosts"
	app.Version = version.Release
	app.Action = run
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the configuration file",
			EnvVars: []string{"KVMFLEETD_CONFIG"},
			Value:   "/etc/kvmfleet/kvmfleet.ini",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "print debug information",
			EnvVars: []string{"KVMFLEETD_DEBUG", "DEBUG"},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalln(err)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	appConf, err := appconf.NewConfig(c.Context, c.String("config"))
	if err != nil {
		return err
	}

	if err := os.MkdirAll(appConf.Common.DataDir, 0750); err != nil {
		return err
	}

	// Only one daemon per data directory
	lock, err := flock.NewLocker(appConf.Common.LockFile)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := lock.Acquire(c.Context, 5*time.Second); err != nil {
		return fmt.Errorf("is another kvmfleetd running? %w", err)
	}

	inv, err := inventory.Load(appConf.Common.Inventory, appConf.Common.IdentityFile)
	if err != nil {
		return err
	}

	store, err := taskstore.Open(taskstore.Config{Path: appConf.Common.DatabaseFile})
	if err != nil {
		return err
	}
	defer store.Close()

	// Tasks of the previous run cannot be resumed
	if n, err := store.MarkInterrupted(c.Context); err == nil {
		if n > 0 {
			log.Warnf("Marked %d unfinished task(s) of the previous run as interrupted", n)
		}
	} else {
		return err
	}

	sessOpts, err := appConf.SessionOptions()
	if err != nil {
		return err
	}

	notifier, closeNotifier, err := newNotifier(appConf)
	if err != nil {
		return err
	}
	defer closeNotifier()

	srv, err := fleet.NewServer(c.Context, appConf, inv, store, &sshexec.SessionDialer{Options: sessOpts}, notifier)
	if err != nil {
		return err
	}

	httpSrv := api.NewHttpServer(srv)

	sd := systemd.NewNotifier()

	// This global cancel context is used by the graceful shutdown function
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return httpSrv.Listen(appConf.Server.Listen)
	})

	// Signal handler
	group.Go(func() error {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigc)

		select {
		case s := <-sigc:
			log.WithField("signal", s).Info("Graceful shutdown initiated ...")
		case <-ctx.Done():
		}

		sd.Stopping()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("HTTP server shutdown: %s", err)
		}

		if n := len(srv.Tasks.List()); n > 0 {
			log.Warnf("Interrupting %d running task(s)", n)
		}

		srv.Shutdown()

		return errShutdown
	})

	group.Go(func() error {
		sd.Watchdog(ctx)
		return nil
	})

	sd.Status("%d host(s) in the inventory", len(inv.Hosts()))
	sd.Ready()

	if err := group.Wait(); err != nil && !errors.Is(err, errShutdown) {
		return err
	}

	log.Info("Stopped")

	return nil
}

var errShutdown = errors.New("shutdown")
