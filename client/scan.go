package client

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

func ScanStart(ctx context.Context, hostname string, c *cli.Command, f *Fleet) error {
	tid, err := f.StartScan(ctx, hostname)
	if err != nil {
		return err
	}

	if !c.Bool("watch") {
		startedMessage(tid)
		return nil
	}

	if err := waitTasks(ctx, f, tid); err != nil {
		return err
	}

	t, err := f.GetTask(ctx, tid)
	if err != nil {
		return err
	}

	fmt.Print(t.Log)

	return nil
}
