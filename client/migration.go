package client

import (
	"context"

	"github.com/0xef53/kvmfleet/internal/fleet"
	"github.com/0xef53/kvmfleet/internal/migration"

	cli "github.com/urfave/cli/v3"
)

func MigrationStart(ctx context.Context, source string, c *cli.Command, f *Fleet) error {
	req := fleet.MigrationRequest{
		Source:    source,
		Target:    c.Args().Get(1),
		Workloads: c.Args().Slice()[2:],
		Options: migration.Options{
			TargetStorage: c.String("storage"),
			TargetBridge:  c.String("bridge"),
			AutoID:        c.Bool("auto-id"),
			Online:        c.Bool("online"),
		},
	}

	// Fail early, without a round trip to the server
	for _, s := range req.Workloads {
		if _, err := migration.ParseWorkload(s); err != nil {
			return err
		}
	}

	tid, err := f.StartMigration(ctx, &req)
	if err != nil {
		return err
	}

	if c.Bool("watch") {
		return waitTasks(ctx, f, tid)
	}

	startedMessage(tid)

	return nil
}
