package commands

import (
	"context"

	"github.com/0xef53/kvmfleet/client"

	cli "github.com/urfave/cli/v3"
)

var CommandHostsPrintList = &cli.Command{
	Name:     "hosts",
	Usage:    "print the inventory with active tasks and last scan results",
	HideHelp: true,
	Category: "Inventory",
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.HostPrintList)
	},
}

var CommandScanStart = &cli.Command{
	Name:      "scan",
	Usage:     "inspect a host and list its workloads",
	ArgsUsage: "HOST",
	HideHelp:  true,
	Category:  "Inventory",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "watch", Aliases: []string{"w"}, Usage: "watch the process and print the result"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.ScanStart)
	},
}
