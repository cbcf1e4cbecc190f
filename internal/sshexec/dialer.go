package sshexec

import (
	"context"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// Remote is the set of Session operations the pipelines rely on.
type Remote interface {
	Host() string
	Connect(ctx context.Context) error
	Disconnect() error

	Exec(ctx context.Context, command string, timeout time.Duration) (string, error)
	StreamExec(ctx context.Context, command string, w io.Writer) error

	CreateFile(ctx context.Context, remote string) (io.WriteCloser, error)
	Stat(ctx context.Context, remote string) (os.FileInfo, error)
	Remove(ctx context.Context, remote string) error
}

// Hooks bind a session to the pipeline that owns it.
type Hooks struct {
	Logger  *log.Entry
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Dialer creates sessions. Every call returns a new, not yet
// connected session owned exclusively by the caller.
type Dialer interface {
	Dial(creds Credentials, hooks Hooks) Remote
}

// SessionDialer creates real SSH sessions with the same options.
type SessionDialer struct {
	Options Options
}

func (d *SessionDialer) Dial(creds Credentials, hooks Hooks) Remote {
	opts := d.Options

	if hooks.Logger != nil {
		opts.Logger = hooks.Logger
	}
	if hooks.OnRetry != nil {
		opts.OnRetry = hooks.OnRetry
	}

	return NewSession(creds, opts)
}

var _ Remote = new(Session)
