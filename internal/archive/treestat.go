package archive

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

type TreeStat struct {
	Files int64
	Dirs  int64
	Bytes int64
	Links int64

	// Errors is the number of entries that could not be read
	Errors int64
}

// Walk counts regular files and their total size under root.
// Symbolic links are counted but never followed. Unreadable entries
// are logged and skipped, only a failure on root itself is an error.
// Entries named in skip (relative to root) are left out with their subtrees.
func Walk(root string, logger *log.Entry, skip ...string) (*TreeStat, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	st, err := os.Lstat(root)
	if err != nil {
		return nil, err
	}

	stat := TreeStat{}

	skipped := make(map[string]struct{}, len(skip))

	for _, name := range skip {
		skipped[filepath.Join(root, filepath.Clean(name))] = struct{}{}
	}

	if !st.IsDir() {
		stat.add(st)
		return &stat, nil
	}

	stack := []string{root}

	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		stat.Dirs++

		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Warnf("Cannot read directory %s: %s", dir, err)
			stat.Errors++
			continue
		}

		for _, e := range entries {
			p := filepath.Join(dir, e.Name())

			if _, ok := skipped[p]; ok {
				continue
			}

			if e.IsDir() {
				stack = append(stack, p)
				continue
			}

			fi, err := os.Lstat(p)
			if err != nil {
				logger.Warnf("Cannot stat %s: %s", p, err)
				stat.Errors++
				continue
			}

			stat.add(fi)
		}
	}

	return &stat, nil
}

func (s *TreeStat) add(fi os.FileInfo) {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		s.Links++
	case fi.Mode().IsRegular():
		s.Files++
		s.Bytes += fi.Size()
	case fi.IsDir():
		s.Dirs++
	}
}
