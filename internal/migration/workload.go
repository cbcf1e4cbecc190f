package migration

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

var ErrInvalidWorkload = errors.New("invalid workload")

type WorkloadKind string

const (
	KindVM        WorkloadKind = "vm"
	KindContainer WorkloadKind = "ct"
)

// Workload identifies a VM or a container on the source host.
type Workload struct {
	Kind WorkloadKind `json:"kind"`
	ID   int          `json:"id"`
	Name string       `json:"name,omitempty"`
}

// ParseWorkload parses the "kind:id[:name]" notation, e.g. "vm:100:web".
func ParseWorkload(s string) (Workload, error) {
	parts := strings.SplitN(s, ":", 3)

	if len(parts) < 2 {
		return Workload{}, fmt.Errorf("%w: %q: expected kind:id[:name]", ErrInvalidWorkload, s)
	}

	id, err := strconv.Atoi(parts[1])
	if err != nil {
		return Workload{}, fmt.Errorf("%w: %q: bad id", ErrInvalidWorkload, s)
	}

	w := Workload{
		Kind: WorkloadKind(parts[0]),
		ID:   id,
	}

	if len(parts) == 3 {
		w.Name = parts[2]
	}

	return w, w.Validate()
}

func (w Workload) Validate() error {
	switch w.Kind {
	case KindVM, KindContainer:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidWorkload, w.Kind)
	}

	// Proxmox reserves 0-99
	if w.ID < 100 || w.ID > 999999999 {
		return fmt.Errorf("%w: id out of range: %d", ErrInvalidWorkload, w.ID)
	}

	return nil
}

func (w Workload) String() string {
	if len(w.Name) > 0 {
		return fmt.Sprintf("%s %d (%s)", w.Kind, w.ID, w.Name)
	}

	return fmt.Sprintf("%s %d", w.Kind, w.ID)
}

// tool returns the Proxmox CLI that manages this kind of workload.
func (w Workload) tool() string {
	if w.Kind == KindContainer {
		return "pct"
	}

	return "qm"
}

func (w Workload) configDir() string {
	if w.Kind == KindContainer {
		return "/etc/pve/lxc"
	}

	return "/etc/pve/qemu-server"
}

// configPath is the cluster-wide configuration file of the workload.
func (w Workload) configPath() string {
	return path.Join(w.configDir(), strconv.Itoa(w.ID)+".conf")
}
