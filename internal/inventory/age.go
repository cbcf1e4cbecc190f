package inventory

import (
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

func readIdentities(fname string) ([]age.Identity, error) {
	fd, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	ids, err := age.ParseIdentities(fd)
	if err != nil {
		return nil, fmt.Errorf("parsing age identities from %s: %w", fname, err)
	}

	return ids, nil
}

// readFile returns the content of fname, decrypting it when
// the name has the ".age" suffix.
func readFile(fname string, identities []age.Identity) ([]byte, error) {
	if !strings.HasSuffix(fname, ".age") {
		return os.ReadFile(fname)
	}

	if len(identities) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoIdentity, fname)
	}

	fd, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	r, err := age.Decrypt(fd, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", fname, err)
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted %s: %w", fname, err)
	}

	return b, nil
}
