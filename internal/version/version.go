// Package version handles dotted release numbers such as Proxmox VE "8.2.4".
package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidValue = errors.New("invalid value")

// Release of kvmfleet itself. Set with -ldflags "-X .../internal/version.Release=..."
var Release = "0.4.0"

type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

// Parse accepts one to three dot-separated numbers. A Debian-style
// revision suffix ("7.4-17") is dropped.
func Parse(s string) (*Version, error) {
	s = strings.TrimSpace(s)

	if idx := strings.IndexByte(s, '-'); idx > 0 {
		s = s[:idx]
	}

	parts := strings.Split(s, ".")

	if len(parts) > 3 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidValue, s)
	}

	vv := make([]int, 3)

	for idx, part := range parts {
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidValue, s)
		}
		vv[idx] = v
	}

	return &Version{
		Major: vv[0],
		Minor: vv[1],
		Micro: vv[2],
	}, nil
}

func MustParse(s string) *Version {
	v, err := Parse(s)
	if err != nil {
		return &Version{}
	}

	return v
}

// Compare returns -1, 0 or +1 depending on whether v is older,
// the same or newer than other.
func (v Version) Compare(other Version) int {
	switch a, b := v.Int(), other.Int(); {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (v Version) Int() int {
	return v.Major*10000 + v.Minor*100 + v.Micro
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}
