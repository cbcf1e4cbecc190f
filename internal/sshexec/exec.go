package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/juju/retry"
	"golang.org/x/crypto/ssh"
)

// Exec runs a command to completion and returns its standard output
// with surrounding whitespace removed.
//
// Retryable failures (see IsRetryable) drop the connection and the command
// is repeated on a fresh one, up to Options.MaxAttempts attempts with
// an exponential backoff between them. A non-zero timeout overrides
// Options.CommandTimeout for this call.
func (s *Session) Exec(ctx context.Context, command string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = s.opts.CommandTimeout
	}

	s.logger.Debugf("exec: %s", command)

	var output string
	var lastErr error

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := s.execOnce(ctx, command, timeout)
			if err != nil {
				lastErr = err
				s.markFailure()
				return err
			}
			output = out
			s.markSuccess()
			return nil
		},
		IsFatalError: func(err error) bool {
			return ctx.Err() != nil || !IsRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			if attempt >= s.opts.MaxAttempts {
				return
			}

			delay := s.backoff(0, attempt)

			s.logger.Warnf("Command failed (attempt %d/%d), retrying in %s: %s", attempt, s.opts.MaxAttempts, delay, err)

			if s.opts.OnRetry != nil {
				s.opts.OnRetry(attempt, delay, err)
			}
		},
		Attempts:    s.opts.MaxAttempts,
		Delay:       s.opts.RetryDelay,
		BackoffFunc: s.backoff,
		Clock:       s.opts.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}

		switch {
		case ctx.Err() != nil:
			return "", ctx.Err()
		case retry.IsAttemptsExceeded(err):
			return "", &RetriesExhaustedError{Attempts: s.opts.MaxAttempts, Err: lastErr}
		}

		return "", lastErr
	}

	return output, nil
}

// backoff returns the delay before the next attempt: RetryDelay, 2*RetryDelay, 4*RetryDelay ...
func (s *Session) backoff(_ time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	return s.opts.RetryDelay << (attempt - 1)
}

func (s *Session) execOnce(ctx context.Context, command string, timeout time.Duration) (string, error) {
	client, err := s.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	sess, err := client.NewSession()
	if err != nil {
		err = &RetryableError{Op: "failed to dispatch command", Err: err}
		s.invalidate(client, err)
		return "", err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer

	sess.Stdout = &stdout
	sess.Stderr = &stderr

	if err := sess.Start(command); err != nil {
		err = &RetryableError{Op: "failed to dispatch command", Err: err}
		s.invalidate(client, err)
		return "", err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if err := s.wait(ctx, sess, timer.C); err != nil {
		if errors.Is(err, ErrCommandTimeout) {
			err = &RetryableError{Op: command, Err: fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)}
			s.invalidate(client, err)
			return "", err
		}

		return s.classify(client, command, err, &stdout, &stderr)
	}

	return strings.TrimSpace(stdout.String()), nil
}

// classify converts a failed Wait() into a result. It may still return
// a successful output when the stream closed without an exit status but
// some output had already been captured.
func (s *Session) classify(client *ssh.Client, command string, err error, stdout, stderr *bytes.Buffer) (string, error) {
	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError

	switch {
	case errors.As(err, &exitErr):
		e := &ExitError{
			Command: command,
			Code:    exitErr.ExitStatus(),
			Stderr:  stderr.String(),
			Stdout:  stdout.String(),
		}

		if IsRetryable(e) {
			s.invalidate(client, e)
		}

		return "", e
	case errors.As(err, &missingErr):
		if stdout.Len() > 0 {
			// Partial data is better than nothing, the caller should be aware
			// that the result may be incomplete
			s.logger.Warnf("Stream closed without exit status, accepting %d bytes of output: %s", stdout.Len(), command)

			return strings.TrimSpace(stdout.String()), nil
		}

		err = &RetryableError{Op: command, Err: fmt.Errorf("connection reset: stream closed without exit status")}
	case ctxError(err):
		return "", err
	default:
		err = &RetryableError{Op: command, Err: err}
	}

	s.invalidate(client, err)

	return "", err
}

// wait blocks until the remote command finishes, the context is done
// or the timeout channel fires. In the last two cases the remote process
// is signalled and the channel is closed.
func (s *Session) wait(ctx context.Context, sess *ssh.Session, timeout <-chan time.Time) error {
	done := make(chan error, 1)

	go func() {
		done <- sess.Wait()
	}()

	interrupt := func() {
		sess.Signal(ssh.SIGKILL)
		sess.Close()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		interrupt()
		return ctx.Err()
	case <-timeout:
		interrupt()
		return ErrCommandTimeout
	}
}

// StreamExec runs a command and copies its standard output into w as it
// arrives, without buffering the whole payload. It is not retried: any
// failure is returned to the caller immediately.
//
// A non-zero exit code is returned as *ExitError even if some data has
// already been written into w, it is up to the caller whether to accept it.
func (s *Session) StreamExec(ctx context.Context, command string, w io.Writer) error {
	s.logger.Debugf("stream-exec: %s", command)

	client, err := s.ensureClient(ctx)
	if err != nil {
		return err
	}

	sess, err := client.NewSession()
	if err != nil {
		err = &RetryableError{Op: "failed to dispatch command", Err: err}
		s.invalidate(client, err)
		return err
	}
	defer sess.Close()

	var stderr bytes.Buffer

	sess.Stdout = w
	sess.Stderr = &limitedBuffer{buf: &stderr, limit: 64 << 10}

	if err := sess.Start(command); err != nil {
		err = &RetryableError{Op: "failed to dispatch command", Err: err}
		s.invalidate(client, err)
		return err
	}

	if err := s.wait(ctx, sess, nil); err != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError

		switch {
		case errors.As(err, &exitErr):
			s.markFailure()
			return &ExitError{Command: command, Code: exitErr.ExitStatus(), Stderr: stderr.String()}
		case errors.As(err, &missingErr):
			err = &RetryableError{Op: command, Err: fmt.Errorf("connection reset: stream closed without exit status")}
		case ctxError(err):
			return err
		default:
			err = &RetryableError{Op: command, Err: err}
		}

		s.markFailure()
		s.invalidate(client, err)

		return err
	}

	s.markSuccess()

	return nil
}

func ctxError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// limitedBuffer keeps only the first limit bytes and silently drops the rest.
type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}

	return len(p), nil
}
