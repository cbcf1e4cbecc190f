package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	cli "github.com/urfave/cli/v3"
)

// CommandHTTP checks the positional arguments of the command and calls fns
// with the first argument and the API client from ctx.
func CommandHTTP(ctx context.Context, c *cli.Command, fns ...func(context.Context, string, *cli.Command, *Fleet) error) error {
	if c.Args().Len() < countRequiredArgs(c.ArgsUsage) {
		cli.ShowSubcommandHelpAndExit(c, 1)
	}

	f, err := FleetFromContext(ctx)
	if err != nil {
		return err
	}

	for _, fn := range fns {
		if err := fn(ctx, c.Args().First(), c, f); err != nil {
			return err
		}
	}

	return nil
}

func countRequiredArgs(s string) (c int) {
	for _, v := range strings.Fields(s) {
		if !strings.HasPrefix(v, "[") {
			c++
		}
	}
	return c
}

func printJSON(v interface{}) error {
	b, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", b)

	return nil
}

func startedMessage(tid string) {
	fmt.Println("Process has started and will continue in the background:", tid)
	fmt.Println("Use this command to see the progress:")
	fmt.Println("=> kvmfleet task wait", tid)
}
