package sshexec

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/sftp"
)

// TransferStat summarizes a recursive download.
type TransferStat struct {
	Files   int64
	Dirs    int64
	Bytes   int64
	Skipped int64
}

func (s *Session) sftpClient(ctx context.Context) (*sftp.Client, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != client {
		return nil, fmt.Errorf("%w: connection was dropped", ErrNotConnected)
	}

	if s.sftp == nil {
		c, err := sftp.NewClient(client)
		if err != nil {
			return nil, &RetryableError{Op: "sftp subsystem", Err: err}
		}
		s.sftp = c
	}

	return s.sftp, nil
}

// Upload copies a local file to the remote host.
func (s *Session) Upload(ctx context.Context, local, remote string) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}

	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := c.Create(remote)
	if err != nil {
		return fmt.Errorf("sftp: create %s: %w", remote, err)
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		return fmt.Errorf("sftp: upload %s: %w", remote, err)
	}

	if st, err := src.Stat(); err == nil {
		c.Chmod(remote, st.Mode().Perm())
	}

	return dst.Close()
}

// CreateFile opens a remote file for writing, truncating it if it exists.
// The caller must close the returned writer.
func (s *Session) CreateFile(ctx context.Context, remote string) (io.WriteCloser, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}

	f, err := c.Create(remote)
	if err != nil {
		return nil, fmt.Errorf("sftp: create %s: %w", remote, err)
	}

	return f, nil
}

// List returns the entries of a remote directory.
func (s *Session) List(ctx context.Context, remote string) ([]os.FileInfo, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}

	return c.ReadDir(remote)
}

// Stat returns information about a remote file.
func (s *Session) Stat(ctx context.Context, remote string) (os.FileInfo, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}

	return c.Stat(remote)
}

// Remove deletes a remote file or an empty directory.
func (s *Session) Remove(ctx context.Context, remote string) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}

	return c.Remove(remote)
}

// Download copies a single remote file to the local path.
func (s *Session) Download(ctx context.Context, remote, local string) error {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return err
	}

	_, err = s.download(c, remote, local)

	return err
}

func (s *Session) download(c *sftp.Client, remote, local string) (int64, error) {
	src, err := c.Open(remote)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return 0, err
	}
	defer dst.Close()

	n, err := src.WriteTo(dst)
	if err != nil {
		return n, err
	}

	if st, err := src.Stat(); err == nil {
		dst.Chmod(st.Mode().Perm())
	}

	return n, dst.Close()
}

// DownloadDir copies a remote directory tree into local.
//
// Local directories are created only when something is written into them.
// An entry that cannot be read is logged and skipped, it does not abort
// the whole transfer. Symbolic links are never followed nor materialized.
func (s *Session) DownloadDir(ctx context.Context, remote, local string) (*TransferStat, error) {
	c, err := s.sftpClient(ctx)
	if err != nil {
		return nil, err
	}

	root := path.Clean(remote)

	if st, err := c.Lstat(root); err != nil {
		return nil, err
	} else if !st.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", root)
	}

	stat := TransferStat{}
	created := make(map[string]struct{})

	mkdir := func(dir string) error {
		if _, ok := created[dir]; ok {
			return nil
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
		created[dir] = struct{}{}
		return nil
	}

	walker := c.Walk(root)

	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return &stat, err
		}

		if err := walker.Err(); err != nil {
			s.logger.Warnf("download: skipping %s: %s", walker.Path(), err)
			stat.Skipped++
			continue
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		target := filepath.Join(local, filepath.FromSlash(rel))

		info := walker.Stat()

		switch {
		case info.IsDir():
			stat.Dirs++
			continue
		case !info.Mode().IsRegular():
			s.logger.Debugf("download: skipping non-regular entry %s (%s)", walker.Path(), info.Mode().Type())
			stat.Skipped++
			continue
		}

		if err := mkdir(filepath.Dir(target)); err != nil {
			s.logger.Warnf("download: cannot create directory for %s: %s", target, err)
			stat.Skipped++
			continue
		}

		n, err := s.download(c, walker.Path(), target)
		if err != nil {
			s.logger.Warnf("download: skipping %s: %s", walker.Path(), err)
			stat.Skipped++
			continue
		}

		stat.Files++
		stat.Bytes += n
	}

	return &stat, nil
}
