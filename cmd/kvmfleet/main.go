package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/0xef53/kvmfleet/client"
	"github.com/0xef53/kvmfleet/cmd/kvmfleet/commands"
	"github.com/0xef53/kvmfleet/internal/version"

	cli "github.com/urfave/cli/v3"
)

var Error = log.New(os.Stderr, "kvmfleet: error: ", 0)

func main() {
	app := new(cli.Command)

	app.Name = "kvmfleet"
	app.Usage = "CLI interface for the kvmfleetd orchestrator"
	app.HideHelpCommand = true

	app.EnableShellCompletion = true

	app.Before = func(ctx context.Context, c *cli.Command) (context.Context, error) {
		f, err := client.NewFleet(c.String("server"), c.Duration("timeout"))
		if err != nil {
			return nil, err
		}

		return client.AppendFleetToContext(ctx, f), nil
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Usage:   "kvmfleetd API address",
			Sources: cli.EnvVars("KVMFLEET_SERVER"),
			Value:   client.DefaultServer,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "timeout of a single API request",
			Value: client.DefaultTimeout,
		},
		&cli.BoolFlag{
			Name:    "json",
			Usage:   "show output in the JSON format if possible",
			Aliases: []string{"j"},
		},
	}

	app.Commands = []*cli.Command{
		commands.CommandHostsPrintList,
		commands.CommandTasksPrintList,
		commands.TaskCommands,
		// orchestration actions
		commands.BackupCommands,
		commands.CommandMigrationStart,
		commands.CommandScanStart,
		// other actions
		{
			Name:     "version",
			Usage:    "print the version information",
			Category: "Other",
			Action: func(_ context.Context, _ *cli.Command) error {
				fmt.Printf("v%s, (built %s)\n", version.Release, runtime.Version())
				return nil
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		exitWithError(err)
	}
}

func exitWithError(err error) {
	var exitcode int

	var apiErr *client.APIError

	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 404, 409:
			exitcode = 2
		case 400:
			exitcode = 3
		default:
			exitcode = 5
		}
	} else {
		exitcode = 1
	}

	Error.Println(err)

	os.Exit(exitcode)
}
