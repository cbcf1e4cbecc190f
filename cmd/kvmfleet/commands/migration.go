package commands

import (
	"context"

	"github.com/0xef53/kvmfleet/client"

	cli "github.com/urfave/cli/v3"
)

var CommandMigrationStart = &cli.Command{
	Name:        "migrate",
	Usage:       "move workloads from one hypervisor to another",
	ArgsUsage:   "SOURCE TARGET WORKLOAD [WORKLOAD...]",
	Description: "WORKLOAD is vm:ID or ct:ID, for example vm:100. Workloads are moved one after another.",
	HideHelp:    true,
	Category:    "Migration & Backup",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "storage", Usage: "restore into this storage on the target host"},
		&cli.StringFlag{Name: "bridge", Usage: "attach network interfaces to this bridge on the target host"},
		&cli.BoolFlag{Name: "auto-id", Usage: "take the next free id on the target if the current one is in use"},
		&cli.BoolFlag{Name: "online", Usage: "export a running workload from a snapshot instead of stopping it"},
		&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "watch the process"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.MigrationStart)
	},
}
