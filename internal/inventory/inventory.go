// Package inventory loads the list of managed hosts and their credentials.
package inventory

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/0xef53/kvmfleet/internal/sshexec"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

var (
	ErrHostNotFound  = errors.New("host not found")
	ErrNoIdentity    = errors.New("encrypted secret requires an age identity file")
	ErrInvalidSecret = errors.New("exactly one of password, key-file, secret-file is required")
)

type HostKind string

const (
	KindProxmox HostKind = "proxmox"
	KindLinux   HostKind = "linux"
)

// Host is one entry of the inventory file.
//
// The secret can be given inline (password), as a path to a private key
// file (key-file) or as a path to an age-encrypted file holding either
// of the two (secret-file).
type Host struct {
	Name    string   `yaml:"name" json:"name"`
	Address string   `yaml:"address" json:"address"`
	Port    int      `yaml:"port" json:"port"`
	User    string   `yaml:"user" json:"user"`
	Kind    HostKind `yaml:"kind" json:"kind"`
	Tags    []string `yaml:"tags" json:"tags,omitempty"`

	Password   string `yaml:"password" json:"-"`
	KeyFile    string `yaml:"key-file" json:"-"`
	SecretFile string `yaml:"secret-file" json:"-"`

	secret string
}

// Credentials returns the transport credentials of the host.
func (h *Host) Credentials() sshexec.Credentials {
	return sshexec.Credentials{
		Host:   h.Address,
		Port:   h.Port,
		User:   h.User,
		Secret: h.secret,
	}
}

// IsHypervisor reports whether workloads can be migrated to or from the host.
func (h *Host) IsHypervisor() bool {
	return h.Kind == KindProxmox
}

type Inventory struct {
	hosts map[string]*Host
}

type document struct {
	Hosts []*Host `yaml:"hosts"`
}

// Load reads the inventory file. A file with the ".age" suffix is decrypted
// first. identityFile may be empty if nothing needs decryption.
func Load(fname, identityFile string) (*Inventory, error) {
	var identities []age.Identity

	if len(identityFile) > 0 {
		ids, err := readIdentities(identityFile)
		if err != nil {
			return nil, err
		}
		identities = ids
	}

	b, err := readFile(fname, identities)
	if err != nil {
		return nil, err
	}

	return parse(b, filepath.Dir(fname), identities)
}

func parse(b []byte, basedir string, identities []age.Identity) (*Inventory, error) {
	var doc document

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	inv := Inventory{
		hosts: make(map[string]*Host, len(doc.Hosts)),
	}

	for idx, h := range doc.Hosts {
		if h == nil {
			return nil, fmt.Errorf("inventory: empty host entry #%d", idx)
		}

		if err := h.resolve(basedir, identities); err != nil {
			return nil, fmt.Errorf("inventory: host %q: %w", h.Name, err)
		}

		if _, ok := inv.hosts[h.Name]; ok {
			return nil, fmt.Errorf("inventory: duplicate host name: %s", h.Name)
		}

		inv.hosts[h.Name] = h
	}

	return &inv, nil
}

func (h *Host) resolve(basedir string, identities []age.Identity) error {
	if len(h.Name) == 0 {
		return fmt.Errorf("empty name")
	}

	if len(h.Address) == 0 {
		h.Address = h.Name
	}
	if h.Port == 0 {
		h.Port = 22
	}
	if len(h.User) == 0 {
		h.User = "root"
	}

	switch h.Kind {
	case "":
		h.Kind = KindProxmox
	case KindProxmox, KindLinux:
	default:
		return fmt.Errorf("unknown kind: %s", h.Kind)
	}

	var n int

	for _, s := range []string{h.Password, h.KeyFile, h.SecretFile} {
		if len(s) > 0 {
			n++
		}
	}

	if n != 1 {
		return ErrInvalidSecret
	}

	switch {
	case len(h.Password) > 0:
		h.secret = h.Password
	case len(h.KeyFile) > 0:
		b, err := os.ReadFile(abspath(basedir, h.KeyFile))
		if err != nil {
			return err
		}
		h.secret = string(b)
	case len(h.SecretFile) > 0:
		if !strings.HasSuffix(h.SecretFile, ".age") {
			return fmt.Errorf("secret-file must be age-encrypted: %s", h.SecretFile)
		}
		b, err := readFile(abspath(basedir, h.SecretFile), identities)
		if err != nil {
			return err
		}
		h.secret = strings.TrimRight(string(b), "\r\n")
	}

	creds := h.Credentials()

	return creds.Validate()
}

// Get returns the host by its name.
func (inv *Inventory) Get(name string) (*Host, error) {
	if h, ok := inv.hosts[name]; ok {
		return h, nil
	}

	return nil, fmt.Errorf("%w: %s", ErrHostNotFound, name)
}

// Hosts returns all hosts sorted by name.
func (inv *Inventory) Hosts() []*Host {
	hosts := make([]*Host, 0, len(inv.hosts))

	for _, h := range inv.hosts {
		hosts = append(hosts, h)
	}

	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Name < hosts[j].Name
	})

	return hosts
}

func abspath(basedir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(basedir, p)
}
