package classifiers

import "strings"

// Options defines the common interface for classifier options.
type Options interface {
	// Labels returns the normalized labels the task should be assigned to.
	Labels() []string
	Validate() error
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
