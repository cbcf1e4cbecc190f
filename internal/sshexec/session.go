package sshexec

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}

	return fmt.Sprintf("state(%d)", int32(s))
}

// Options controls timeouts and the retry policy of a Session.
// Zero values are replaced with the defaults.
type Options struct {
	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	KeepaliveInterval time.Duration

	// MaxAttempts is the total number of Exec attempts including the first one.
	MaxAttempts int

	// RetryDelay is the first backoff delay, it doubles with every next attempt.
	RetryDelay time.Duration

	HostKeyCallback ssh.HostKeyCallback

	Clock  clock.Clock
	Logger *log.Entry

	// OnRetry is called before waiting for the next attempt.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 15 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.Logger == nil {
		o.Logger = log.NewEntry(log.StandardLogger())
	}
}

// Session owns one resilient SSH connection to one remote host.
//
// The underlying client is created lazily on the first operation and
// is re-created transparently after a retryable failure. A Session is
// meant to be owned by a single pipeline, but its methods are safe
// for concurrent use (SSH multiplexes channels over one connection).
type Session struct {
	mu sync.Mutex

	creds  Credentials
	opts   Options
	logger *log.Entry

	client        *ssh.Client
	sftp          *sftp.Client
	stopKeepalive chan struct{}

	state      State
	failures   int
	connects   int
	reconnects int
	closed     bool
}

func NewSession(creds Credentials, opts Options) *Session {
	opts.setDefaults()

	return &Session{
		creds:  creds,
		opts:   opts,
		logger: opts.Logger.WithField("remote", creds.String()),
	}
}

// Host returns the host name or address of the remote side.
func (s *Session) Host() string {
	return s.creds.Host
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// Failures returns the number of consecutive failed operations.
func (s *Session) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.failures
}

// Reconnects returns how many times the connection was re-established
// after the first successful connect.
func (s *Session) Reconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reconnects
}

// Connect establishes the connection if it is not established yet.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.ensureClient(ctx)

	return err
}

// Disconnect closes the connection. It is always safe to call and idempotent.
// The session cannot be used after that.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true

	err := s.dropClientLocked()

	s.state = StateDisconnected

	if s.connects > 0 {
		s.logger.Debug("Disconnected")
	}

	return err
}

func (s *Session) ensureClient(ctx context.Context) (*ssh.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	if s.client != nil {
		return s.client, nil
	}

	s.state = StateConnecting

	client, err := s.dial(ctx)
	if err != nil {
		s.state = StateFailed
		s.failures++

		return nil, err
	}

	s.client = client
	s.state = StateReady

	if s.connects > 0 {
		s.reconnects++
		s.logger.Infof("Reconnected (reconnect #%d)", s.reconnects)
	} else {
		s.logger.Info("Connected")
	}
	s.connects++

	s.stopKeepalive = make(chan struct{})

	go s.keepalive(client, s.stopKeepalive)

	return client, nil
}

func (s *Session) dial(ctx context.Context) (*ssh.Client, error) {
	auth, err := s.creds.authMethods()
	if err != nil {
		return nil, err
	}

	hostKeyCallback := s.opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = func(hostname string, _ net.Addr, key ssh.PublicKey) error {
			s.logger.Warnf("Host key of %s is not verified: %s", hostname, ssh.FingerprintSHA256(key))
			return nil
		}
	}

	config := ssh.ClientConfig{
		User:            s.creds.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         s.opts.ConnectTimeout,
	}

	dialer := net.Dialer{
		Timeout:   s.opts.ConnectTimeout,
		KeepAlive: s.opts.KeepaliveInterval,
	}

	conn, err := dialer.DialContext(ctx, "tcp", s.creds.Addr())
	if err != nil {
		return nil, &RetryableError{Op: "dial " + s.creds.Addr(), Err: err}
	}

	// The handshake (including authentication) must complete within
	// the connect timeout, otherwise a silent host would hang forever
	conn.SetDeadline(time.Now().Add(s.opts.ConnectTimeout))

	sconn, chans, reqs, err := ssh.NewClientConn(conn, s.creds.Addr(), &config)
	if err != nil {
		conn.Close()

		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s: %w", ErrAuthFailed, s.creds, err)
		}

		return nil, &RetryableError{Op: "handshake with " + s.creds.Addr(), Err: err}
	}

	conn.SetDeadline(time.Time{})

	return ssh.NewClient(sconn, chans, reqs), nil
}

// invalidate drops the client if it is still the current one,
// so that the next operation dials a fresh connection.
func (s *Session) invalidate(client *ssh.Client, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil || s.client != client {
		return
	}

	s.logger.Warnf("Connection marked as broken: %s", reason)

	s.dropClientLocked()

	s.state = StateFailed
}

func (s *Session) dropClientLocked() error {
	if s.stopKeepalive != nil {
		close(s.stopKeepalive)
		s.stopKeepalive = nil
	}

	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}

	var err error

	if s.client != nil {
		err = s.client.Close()
		s.client = nil
	}

	if err != nil && errors.Is(err, net.ErrClosed) {
		err = nil
	}

	return err
}

func (s *Session) markSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures = 0
}

func (s *Session) markFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failures++
}

// keepalive sends periodic keepalive requests to detect silently dropped connections.
// Two missed replies in a row mark the connection as broken.
func (s *Session) keepalive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()

	var missed int

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		errCh := make(chan error, 1)

		go func() {
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			errCh <- err
		}()

		var err error

		select {
		case <-stop:
			return
		case err = <-errCh:
		case <-time.After(s.opts.KeepaliveInterval):
			err = fmt.Errorf("keepalive request timed out")
		}

		if err == nil {
			missed = 0
			continue
		}

		missed++

		s.logger.Debugf("Keepalive request failed (%d): %s", missed, err)

		if missed >= 2 {
			s.invalidate(client, fmt.Errorf("keepalive: %w", err))
			return
		}
	}
}
