// Package sshtest provides scripted in-memory remotes for pipeline tests.
package sshtest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/0xef53/kvmfleet/internal/sshexec"
)

// ExecFunc answers an Exec call. An unknown command should be
// reported with Exit(127, ...).
type ExecFunc func(command string) (string, error)

// StreamFunc answers a StreamExec call.
type StreamFunc func(command string, w io.Writer) error

type Remote struct {
	HostName   string
	ConnectErr error
	Handler    ExecFunc
	Streamer   StreamFunc

	mu           sync.Mutex
	commands     []string
	files        map[string]*bytes.Buffer
	removed      []string
	disconnected bool
}

func NewRemote(host string, exec ExecFunc) *Remote {
	return &Remote{
		HostName: host,
		Handler:  exec,
		files:    make(map[string]*bytes.Buffer),
	}
}

// Exit returns the error of a remote command that exited with code.
func Exit(code int, stderr string) error {
	return &sshexec.ExitError{Code: code, Stderr: stderr}
}

func (r *Remote) Host() string {
	return r.HostName
}

func (r *Remote) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.ConnectErr
}

func (r *Remote) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.disconnected = true

	return nil
}

func (r *Remote) Disconnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.disconnected
}

func (r *Remote) record(command string) {
	r.mu.Lock()
	r.commands = append(r.commands, command)
	r.mu.Unlock()
}

// Commands returns all executed and streamed commands in call order.
func (r *Remote) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.commands...)
}

func (r *Remote) Exec(ctx context.Context, command string, _ time.Duration) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.record(command)

	if r.Handler == nil {
		return "", Exit(127, "command not found")
	}

	return r.Handler(command)
}

func (r *Remote) StreamExec(ctx context.Context, command string, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.record(command)

	if r.Streamer == nil {
		return Exit(127, "command not found")
	}

	return r.Streamer(command, w)
}

type nopCloser struct {
	*bytes.Buffer
}

func (nopCloser) Close() error { return nil }

func (r *Remote) CreateFile(ctx context.Context, remote string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf := new(bytes.Buffer)
	r.files[remote] = buf

	return nopCloser{buf}, nil
}

// File returns the content written with CreateFile.
func (r *Remote) File(remote string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.files[remote]
	if !ok {
		return nil, false
	}

	return buf.Bytes(), true
}

func (r *Remote) Stat(_ context.Context, remote string) (os.FileInfo, error) {
	return nil, &fs.PathError{Op: "stat", Path: remote, Err: fs.ErrNotExist}
}

func (r *Remote) Remove(_ context.Context, remote string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removed = append(r.removed, remote)
	delete(r.files, remote)

	return nil
}

func (r *Remote) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.removed...)
}

// Dialer hands out the registered remotes by credential host.
type Dialer struct {
	mu      sync.Mutex
	remotes map[string]*Remote
	hooks   map[string]sshexec.Hooks
}

func NewDialer(remotes ...*Remote) *Dialer {
	d := Dialer{
		remotes: make(map[string]*Remote),
		hooks:   make(map[string]sshexec.Hooks),
	}

	for _, r := range remotes {
		d.remotes[r.HostName] = r
	}

	return &d
}

func (d *Dialer) Dial(creds sshexec.Credentials, hooks sshexec.Hooks) sshexec.Remote {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.hooks[creds.Host] = hooks

	if r, ok := d.remotes[creds.Host]; ok {
		return r
	}

	r := NewRemote(creds.Host, nil)
	r.ConnectErr = fmt.Errorf("dial %s: %w", creds.Host, sshexec.ErrNotConnected)

	return r
}

// Hooks returns the hooks passed with the last Dial for host.
func (d *Dialer) Hooks(host string) sshexec.Hooks {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.hooks[host]
}

var _ sshexec.Remote = new(Remote)
