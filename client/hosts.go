package client

import (
	"context"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	cli "github.com/urfave/cli/v3"
)

func HostPrintList(ctx context.Context, _ string, c *cli.Command, f *Fleet) error {
	hosts, err := f.ListHosts(ctx)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(hosts)
	}

	table := uitable.New()
	table.MaxColWidth = 40

	table.AddRow("NAME", "ADDRESS", "KIND", "TAGS", "ACTIVE TASKS", "WORKLOADS", "LAST SCAN")

	for _, h := range hosts {
		workloads, scanned := "-", "never"

		if h.LastScan != nil {
			workloads = fmt.Sprintf("%d", len(h.LastScan.Workloads))
			scanned = humanize.Time(h.LastScan.ScannedAt)
		}

		table.AddRow(h.Name, fmt.Sprintf("%s:%d", h.Address, h.Port), h.Kind, strings.Join(h.Tags, ","), len(h.ActiveTasks), workloads, scanned)
	}

	fmt.Println(table)

	return nil
}
