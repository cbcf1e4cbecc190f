package backup

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/0xef53/kvmfleet/internal/archive"
	"github.com/0xef53/kvmfleet/internal/sshexec"
	"github.com/0xef53/kvmfleet/internal/taskstore"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/zeebo/blake3"
)

var ErrEmptyArchive = errors.New("archive command produced no output")

func (b *Backup) connect(ctx context.Context) error {
	if err := b.remote.Connect(ctx); err != nil {
		return err
	}

	b.runner.Logf(ctx, "Connected to %s", b.p.Credentials)

	return nil
}

func (b *Backup) checkPaths(ctx context.Context) error {
	b.existing = b.existing[:0]

	for _, p := range b.p.Paths {
		out, err := b.remote.Exec(ctx, fmt.Sprintf("test -e %s && echo 1 || echo 0", shellquote.Join(p)), 0)
		if err != nil {
			return fmt.Errorf("check %s: %w", p, err)
		}

		if out == "1" {
			b.existing = append(b.existing, p)
		} else {
			b.logger.Debugf("Path does not exist: %s", p)
		}
	}

	if len(b.existing) == 0 {
		b.runner.Logf(ctx, "None of %d paths exist on the host", len(b.p.Paths))
	} else {
		b.runner.Logf(ctx, "Found %d of %d paths: %s", len(b.existing), len(b.p.Paths), strings.Join(b.existing, " "))
	}

	return os.MkdirAll(b.dir, 0750)
}

type countingWriter struct {
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))

	return len(p), nil
}

// archive streams the tar output of the remote host into a local file.
// The payload is never held in memory.
func (b *Backup) archive(ctx context.Context) error {
	if len(b.existing) == 0 {
		b.runner.Logf(ctx, "Nothing to archive")
		return nil
	}

	rel := make([]string, 0, len(b.existing))
	for _, p := range b.existing {
		rel = append(rel, strings.TrimLeft(p, "/"))
	}

	fname := filepath.Join(b.dir, ArchiveName)

	fd, err := os.OpenFile(fname, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer fd.Close()

	hasher := blake3.New()
	counter := countingWriter{}

	b.runner.SetLabel(ctx, "archive: receiving "+strings.Join(b.existing, " "))

	streamErr := b.remote.StreamExec(ctx, "tar czf - -C / "+shellquote.Join(rel...), io.MultiWriter(fd, hasher, &counter))

	switch {
	case streamErr == nil:
	case sshexec.IsExitError(streamErr) && counter.n > 0 && ctx.Err() == nil:
		// Files vanished or changed while being read
		var exitErr *sshexec.ExitError
		errors.As(streamErr, &exitErr)
		b.runner.Logf(ctx, "tar finished with warnings (code %d): %s", exitErr.Code, exitErr.Message())
	default:
		return fmt.Errorf("archive: %w", streamErr)
	}

	if err := fd.Close(); err != nil {
		return fmt.Errorf("archive: %w", err)
	}

	if counter.n == 0 {
		return ErrEmptyArchive
	}

	b.hasArchive = true
	b.archiveSize = counter.n
	b.checksum = hex.EncodeToString(hasher.Sum(nil))

	b.runner.Logf(ctx, "Received %d bytes, blake3 %s", b.archiveSize, b.checksum)

	return nil
}

func (b *Backup) extract(ctx context.Context) error {
	if !b.hasArchive {
		return nil
	}

	stat, err := archive.ExtractTarGz(filepath.Join(b.dir, ArchiveName), filepath.Join(b.dir, FilesDir), b.logger)
	if err != nil {
		return err
	}

	b.extracted = stat

	b.runner.Logf(ctx, "Extracted %d files, %d links skipped", stat.Files, stat.Links)

	if stat.Truncated {
		b.runner.Logf(ctx, "Warning: the archive is truncated, extracted content is incomplete")
	}

	return nil
}

// statistics counts the captured content and the metadata files.
// The archive itself is left out, its content is already counted
// through the extracted tree.
func (b *Backup) statistics(ctx context.Context) error {
	stat, err := archive.Walk(b.dir, b.logger, ArchiveName)
	if err != nil {
		return err
	}

	if stat.Errors > 0 {
		b.runner.Logf(ctx, "%d entries could not be read while counting", stat.Errors)
	}

	b.stat = stat

	return nil
}

func (b *Backup) record(ctx context.Context) error {
	a := taskstore.Artifact{
		TaskID:    b.p.TaskID,
		ServerRef: b.p.Host,
		Path:      b.dir,
		FileCount: b.stat.Files,
		TotalSize: b.stat.Bytes,
		Checksum:  b.checksum,
	}

	if err := b.p.Store.CreateArtifact(context.WithoutCancel(ctx), &a); err != nil {
		return err
	}

	b.artifact = &a

	b.runner.Logf(ctx, "Stored %d files (%d bytes) in %s", a.FileCount, a.TotalSize, a.Path)

	return nil
}
