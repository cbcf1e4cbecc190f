package commands

import (
	"context"

	"github.com/0xef53/kvmfleet/client"

	cli "github.com/urfave/cli/v3"
)

var CommandTasksPrintList = &cli.Command{
	Name:     "tasks",
	Usage:    "print a list of tasks",
	HideHelp: true,
	Category: "Tasks",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "kind", Usage: "show only tasks of this kind (backup, migration, scan)"},
		&cli.StringFlag{Name: "status", Usage: "show only tasks with this status"},
		&cli.StringFlag{Name: "host", Usage: "show only tasks involving this host"},
		&cli.IntFlag{Name: "limit", Value: 50, Usage: "maximum number of tasks to show"},
	},
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.TaskPrintList)
	},
}

var TaskCommands = &cli.Command{
	Name:     "task",
	Usage:    "inspect and manage tasks",
	HideHelp: true,
	Category: "Tasks",
	Commands: []*cli.Command{
		CommandTaskPrintInfo,
		CommandTaskWait,
		CommandTaskDelete,
	},
}

var CommandTaskPrintInfo = &cli.Command{
	Name:      "show",
	Usage:     "print details, steps and log of a task",
	ArgsUsage: "TASK-ID",
	HideHelp:  true,
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.TaskPrintInfo)
	},
}

var CommandTaskWait = &cli.Command{
	Name:      "wait",
	Usage:     "watch the progress of one or more tasks",
	ArgsUsage: "TASK-ID [TASK-ID...]",
	HideHelp:  true,
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.TaskWait)
	},
}

var CommandTaskDelete = &cli.Command{
	Name:      "delete",
	Usage:     "cancel a task if it is running and remove its record",
	ArgsUsage: "TASK-ID",
	HideHelp:  true,
	Action: func(ctx context.Context, c *cli.Command) error {
		return client.CommandHTTP(ctx, c, client.TaskDelete)
	},
}
