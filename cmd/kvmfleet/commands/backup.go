package commands

import (
	"context"

	"github.com/0xef53/kvmfleet/client"

	cli "github.com/urfave/cli/v3"
)

var BackupCommands = &cli.Command{
	Name:     "backup",
	Usage:    "manage host backups",
	HideHelp: true,
	Category: "Migration & Backup",
	Commands: []*cli.Command{
		CommandBackupStart,
		CommandBackupPrintList,
	},
}

var CommandBackupStart = &cli.Command{
	Name:      "start",
	Usage:     "copy the configuration of a host to the backup store",
	ArgsUsage: "HOST",
	HideHelp:  true,
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "watch the process"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.BackupStart)
	},
}

var CommandBackupPrintList = &cli.Command{
	Name:      "list",
	Usage:     "print a list of backups",
	ArgsUsage: "[HOST]",
	HideHelp:  true,
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.BackupPrintList)
	},
}
