package notify

import (
	"fmt"
	"strings"
	"time"

	humanize "github.com/dustin/go-humanize"
)

func BackupSucceeded(host, path string, files, size int64, elapsed time.Duration) *Event {
	return &Event{
		Kind:     EventSuccess,
		TaskKind: "backup",
		Host:     host,
		Subject:  fmt.Sprintf("Backup of %s completed", host),
		Body: fmt.Sprintf(
			"%s files, %s total, took %s.\nLocation: %s",
			humanize.Comma(files),
			humanize.IBytes(uint64(size)),
			elapsed.Round(time.Second),
			path,
		),
	}
}

func BackupFailed(host string, err error) *Event {
	return &Event{
		Kind:     EventFailure,
		TaskKind: "backup",
		Host:     host,
		Subject:  fmt.Sprintf("Backup of %s failed", host),
		Body:     err.Error(),
	}
}

func MigrationFinished(src, dst string, workloads []string, err error) *Event {
	ev := Event{
		TaskKind: "migration",
		Host:     src,
	}

	list := strings.Join(workloads, ", ")

	if err == nil {
		ev.Kind = EventSuccess
		ev.Subject = fmt.Sprintf("Migration %s -> %s completed", src, dst)
		ev.Body = fmt.Sprintf("Migrated %d workload(s): %s", len(workloads), list)
	} else {
		ev.Kind = EventFailure
		ev.Subject = fmt.Sprintf("Migration %s -> %s failed", src, dst)
		ev.Body = fmt.Sprintf("Workloads: %s\nError: %s", list, err)
	}

	return &ev
}
