// Package osrelease identifies the Linux distribution of a host from the
// release files captured during a backup.
package osrelease

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

type OSReleaseInfo struct {
	Source     string `json:"source"`
	Family     string `json:"family"`
	Distrib    string `json:"distrib"`
	Version    string `json:"version"`
	CodeName   string `json:"codename"`
	Name       string `json:"name"`
	PrettyName string `json:"pretty_name"`
}

// String returns the most human-friendly name available.
func (i *OSReleaseInfo) String() string {
	switch {
	case i == nil:
		return "unknown"
	case len(i.PrettyName) > 0:
		return i.PrettyName
	case len(i.Name) > 0:
		return i.Name + " " + i.Version
	}

	return i.Distrib
}

// ReadFunc returns the content of a release file by its path relative
// to the root of the host filesystem (e.g. "etc/os-release").
// A missing file must be reported with an error matching fs.ErrNotExist.
type ReadFunc func(name string) ([]byte, error)

type Parser interface {
	// File is the release file this parser understands
	File() string
	Parse(data []byte) (*OSReleaseInfo, error)
}

var parsers = []Parser{
	OsReleaseParser{},
	DebianVersionParser{},
	CentosReleaseParser{},
}

// Detect tries the known release files in order of preference.
// It returns nil without an error if none of them is present.
func Detect(read ReadFunc) (*OSReleaseInfo, error) {
	for _, p := range parsers {
		b, err := read(p.File())

		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return nil, err
		}

		return p.Parse(b)
	}

	return nil, nil
}

// DetectDir looks for the release files under rootdir.
// Symbolic links are not followed: rootdir usually holds an extracted
// archive of a foreign host.
func DetectDir(rootdir string) (*OSReleaseInfo, error) {
	return Detect(DirReader(rootdir))
}

func DirReader(rootdir string) ReadFunc {
	return func(name string) ([]byte, error) {
		fname := filepath.Join(rootdir, name)

		st, err := os.Lstat(fname)
		if err != nil {
			return nil, err
		}

		if !st.Mode().IsRegular() {
			return nil, &fs.PathError{Op: "read", Path: fname, Err: fs.ErrNotExist}
		}

		return os.ReadFile(fname)
	}
}
