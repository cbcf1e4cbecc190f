package backup

import (
	"errors"
	"fmt"
	"os"

	humanize "github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// MinFreeSpace is the least amount of free space on the backup
// filesystem required to start a new backup.
const MinFreeSpace = 64 << 20

var ErrNoSpace = errors.New("not enough free space")

// CheckFreeSpace creates dir if needed and verifies that its
// filesystem has at least min bytes available to unprivileged users.
func CheckFreeSpace(dir string, min uint64) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	var st unix.Statfs_t

	if err := unix.Statfs(dir, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", dir, err)
	}

	if avail := st.Bavail * uint64(st.Bsize); avail < min {
		return fmt.Errorf("%w in %s: %s available, %s required", ErrNoSpace, dir, humanize.IBytes(avail), humanize.IBytes(min))
	}

	return nil
}
