package flock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

var ErrAcquireLock = errors.New("could not acquire lock")

// FileLocker holds an exclusive flock(2) lock on a file. The PID
// of the owner is written into the file for diagnostics.
type FileLocker struct {
	f *os.File
}

// NewLocker opens (and creates if needed) the lock file.
func NewLocker(fname string) (*FileLocker, error) {
	f, err := os.OpenFile(fname, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	return &FileLocker{f}, nil
}

// Acquire tries to take the lock until it succeeds, the timeout
// expires or ctx is cancelled.
func (l *FileLocker) Acquire(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EWOULDBLOCK) {
			return err
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: held by pid %s", ErrAcquireLock, l.f.Name(), l.owner())
		case <-ticker.C:
		}
	}

	if err := l.f.Truncate(0); err != nil {
		return err
	}

	_, err := l.f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return err
}

func (l *FileLocker) owner() string {
	b := make([]byte, 16)

	n, _ := l.f.ReadAt(b, 0)
	if n == 0 {
		return "unknown"
	}

	if pid, err := strconv.Atoi(string(trimNewline(b[:n]))); err == nil {
		return strconv.Itoa(pid)
	}

	return "unknown"
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == 0) {
		b = b[:len(b)-1]
	}

	return b
}

// Release releases the lock and closes the file.
func (l *FileLocker) Release() error {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)

	return l.f.Close()
}
