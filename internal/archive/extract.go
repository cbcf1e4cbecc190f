package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
)

// ExtractStat summarizes what ExtractTarGz did.
type ExtractStat struct {
	Files   int64
	Dirs    int64
	Bytes   int64
	Links   int64
	Skipped int64

	// Truncated is set when the stream ended abruptly after
	// at least one entry had been read.
	Truncated bool
}

// ExtractTarGz unpacks a gzip-compressed tar archive into dst.
//
// Symbolic links, hard links and special files are never materialized.
// Entries whose names would escape dst are skipped. A single entry that
// cannot be written is logged and skipped. A stream cut off in the middle
// is accepted if something had already been extracted.
func ExtractTarGz(src, dst string, logger *log.Entry) (*ExtractStat, error) {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	f, err := os.Open(src)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", src, err)
	}
	defer zr.Close()

	dst, err = filepath.Abs(dst)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return nil, err
	}

	stat := ExtractStat{}

	var entries int

	tr := tar.NewReader(zr)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if entries > 0 {
				logger.Warnf("Archive %s is truncated after %d entries: %s", src, entries, err)

				stat.Truncated = true

				break
			}

			return nil, fmt.Errorf("extract %s: %w", src, err)
		}

		entries++

		target, ok := safeJoin(dst, hdr.Name)
		if !ok {
			logger.Warnf("Skipping unsafe archive entry: %q", hdr.Name)
			stat.Skipped++
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				logger.Warnf("Cannot create directory %s: %s", target, err)
				stat.Skipped++
				continue
			}
			stat.Dirs++
		case tar.TypeReg, tar.TypeRegA:
			n, err := writeFile(target, os.FileMode(hdr.Mode&0777)|0600, tr)
			if err != nil {
				logger.Warnf("Cannot extract %s: %s", hdr.Name, err)
				stat.Skipped++

				if isStreamError(err) {
					stat.Truncated = true
					return &stat, nil
				}

				continue
			}
			stat.Files++
			stat.Bytes += n
		case tar.TypeSymlink, tar.TypeLink:
			logger.Debugf("Skipping link entry: %s -> %s", hdr.Name, hdr.Linkname)
			stat.Links++
		default:
			logger.Debugf("Skipping special entry: %s (type %c)", hdr.Name, hdr.Typeflag)
			stat.Skipped++
		}
	}

	return &stat, nil
}

// safeJoin returns the local path for an archive entry name
// and false if the entry points outside of root.
func safeJoin(root, name string) (string, bool) {
	rel := strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(name)), "/")
	if len(rel) == 0 {
		return "", false
	}

	target := filepath.Join(root, filepath.FromSlash(rel))

	if !strings.HasPrefix(target, root+string(filepath.Separator)) {
		return "", false
	}

	return target, true
}

// writeFile never writes through an existing symbolic link:
// such an entry is replaced with a regular file.
func writeFile(name string, mode os.FileMode, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return 0, err
	}

	if st, err := os.Lstat(name); err == nil && st.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(name); err != nil {
			return 0, err
		}
	}

	f, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(f, r)
	if err != nil {
		return n, &streamError{err}
	}

	return n, f.Close()
}

type streamError struct {
	err error
}

func (e *streamError) Error() string { return e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

func isStreamError(err error) bool {
	var e *streamError

	return errors.As(err, &e)
}
