package client

import (
	"context"
	"fmt"

	humanize "github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	cli "github.com/urfave/cli/v3"
)

func BackupStart(ctx context.Context, hostname string, c *cli.Command, f *Fleet) error {
	tid, err := f.StartBackup(ctx, hostname)
	if err != nil {
		return err
	}

	if c.Bool("watch") {
		return waitTasks(ctx, f, tid)
	}

	startedMessage(tid)

	return nil
}

func BackupPrintList(ctx context.Context, hostname string, c *cli.Command, f *Fleet) error {
	artifacts, err := f.ListArtifacts(ctx, hostname)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(artifacts)
	}

	if len(artifacts) == 0 {
		fmt.Println("No backups found")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 60

	table.AddRow("HOST", "CREATED", "FILES", "SIZE", "PATH")

	for _, a := range artifacts {
		table.AddRow(a.ServerRef, humanize.Time(a.CreatedAt), humanize.Comma(a.FileCount), humanize.IBytes(uint64(a.TotalSize)), a.Path)
	}

	fmt.Println(table)

	return nil
}
