package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	bar "github.com/0xef53/kvmfleet/client/progress_bar"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	humanize "github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	cli "github.com/urfave/cli/v3"
)

var pollInterval = time.Second

func TaskPrintList(ctx context.Context, _ string, c *cli.Command, f *Fleet) error {
	filter := taskstore.Filter{
		Kind:   taskstore.Kind(c.String("kind")),
		Status: taskstore.Status(c.String("status")),
		Host:   c.String("host"),
		Limit:  c.Int("limit"),
	}

	tasks, err := f.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(tasks)
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	table := uitable.New()
	table.MaxColWidth = 40

	table.AddRow("ID", "KIND", "STATUS", "PROGRESS", "SOURCE", "TARGET", "CREATED")

	for _, t := range tasks {
		table.AddRow(t.ID, t.Kind, t.Status, fmt.Sprintf("%d/%d", t.Progress, t.TotalSteps), t.SourceRef, t.TargetRef, humanize.Time(t.CreatedAt))
	}

	fmt.Println(table)

	return nil
}

func TaskPrintInfo(ctx context.Context, tid string, c *cli.Command, f *Fleet) error {
	t, err := f.GetTask(ctx, tid)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(t)
	}

	table := uitable.New()
	table.MaxColWidth = 80
	table.Wrap = true

	table.AddRow("ID:", t.ID)
	table.AddRow("Kind:", t.Kind)
	table.AddRow("Status:", t.Status)
	table.AddRow("Progress:", fmt.Sprintf("%d/%d", t.Progress, t.TotalSteps))

	if len(t.CurrentStep) > 0 {
		table.AddRow("Current step:", t.CurrentStep)
	}

	table.AddRow("Source:", t.SourceRef)

	if len(t.TargetRef) > 0 {
		table.AddRow("Target:", t.TargetRef)
	}

	table.AddRow("Created:", t.CreatedAt.Local().Format(time.DateTime))

	if t.CompletedAt != nil {
		table.AddRow("Completed:", fmt.Sprintf("%s (took %s)", t.CompletedAt.Local().Format(time.DateTime), t.CompletedAt.Sub(t.CreatedAt).Round(time.Second)))
	}

	fmt.Println(table)
	fmt.Println()

	steps := uitable.New()
	steps.MaxColWidth = 60
	steps.Wrap = true

	steps.AddRow("#", "STEP", "STATUS", "ERROR")

	for idx, s := range t.Steps {
		steps.AddRow(idx+1, s.Name, s.Status, s.Error)
	}

	fmt.Println(steps)

	if len(t.Log) > 0 {
		fmt.Printf("\nLog:\n%s", t.Log)
	}

	return nil
}

func TaskDelete(ctx context.Context, tid string, _ *cli.Command, f *Fleet) error {
	if err := f.DeleteTask(ctx, tid); err != nil {
		return err
	}

	fmt.Println("Task deleted:", tid)

	return nil
}

func TaskWait(ctx context.Context, _ string, c *cli.Command, f *Fleet) error {
	return waitTasks(ctx, f, c.Args().Slice()...)
}

// waitTasks shows a progress bar per task until all of them finish.
func waitTasks(ctx context.Context, f *Fleet, tids ...string) error {
	terrs := make(map[string]error)

	collect := func(ctx context.Context, update bar.UpdateFunc) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		// Tasks that finished for any reasons
		discontinued := make(map[string]struct{})

		for len(discontinued) < len(tids) {
			for _, tid := range tids {
				if _, ok := discontinued[tid]; ok {
					continue
				}

				t, err := f.GetTask(ctx, tid)
				if err != nil {
					if errors.Is(err, ErrNotFound) {
						err = fmt.Errorf("task not found (deleted?): %s", tid)
					}

					terrs[tid] = err
					discontinued[tid] = struct{}{}

					update(tid, bar.Failed, "")

					continue
				}

				var progress int

				if t.TotalSteps > 0 {
					progress = t.Progress * 100 / t.TotalSteps
				}

				switch t.Status {
				case taskstore.StatusCompleted:
					discontinued[tid] = struct{}{}
					progress = 100
				case taskstore.StatusFailed:
					discontinued[tid] = struct{}{}
					terrs[tid] = taskError(t)
					progress = bar.Failed
				case taskstore.StatusCancelled:
					discontinued[tid] = struct{}{}
					terrs[tid] = fmt.Errorf("task was cancelled")
					progress = bar.Cancelled
				}

				update(tid, progress, t.CurrentStep)
			}

			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		return nil
	}

	progressBar := bar.NewProgressBar(collect, tids...)

	progressBar.Show(ctx)

	if err := progressBar.Err(); err != nil {
		return err
	}

	switch len(terrs) {
	case 0:
		fmt.Println("Successfully completed")
	case 1:
		for _, err := range terrs {
			return err
		}
	default:
		errmsg := "Some tasks completed with errors:\n"

		for tid, err := range terrs {
			errmsg += fmt.Sprintf("  * %s: %s\n", tid, err)
		}

		return fmt.Errorf("%s", errmsg)
	}

	return nil
}

// taskError returns the error of the failed step.
func taskError(t *taskstore.Task) error {
	for _, s := range t.Steps {
		if s.Status == taskstore.StepFailed {
			return fmt.Errorf("step %q failed: %s", s.Name, s.Error)
		}
	}

	// Failed before the first step, the reason is in the log
	lines := strings.Split(strings.TrimSpace(t.Log), "\n")

	return fmt.Errorf("task failed: %s", lines[len(lines)-1])
}
