package sshexec

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	ErrNotConnected      = errors.New("not connected")
	ErrAuthFailed        = errors.New("authentication failed")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrSessionClosed     = errors.New("session is closed")
	ErrInvalidCredential = errors.New("invalid credential")
)

// retryableSignatures are substrings of error texts that indicate
// a transient network condition rather than a failure of the command itself.
var retryableSignatures = []string{
	"connection reset",
	"not connected",
	"broken pipe",
	"failed to dispatch",
	"timed out",
	"i/o timeout",
	"network is unreachable",
	"no route to host",
	"host is unreachable",
}

// RetryableError marks a failure that is worth a reconnect and another attempt.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// ExitError is returned when a remote command completes with a non-zero exit code.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
	Stdout  string
}

// Message returns the most informative text captured from the command:
// the error stream first, then the standard output, then the bare exit code.
func (e *ExitError) Message() string {
	if s := strings.TrimSpace(e.Stderr); len(s) > 0 {
		return s
	}

	if s := strings.TrimSpace(e.Stdout); len(s) > 0 {
		return s
	}

	return fmt.Sprintf("exit code %d", e.Code)
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command failed (code %d): %s", e.Code, e.Message())
}

// RetriesExhaustedError wraps the last error after all attempts have been used.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("%s (gave up after %d attempts)", e.Err, e.Attempts)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err belongs to the transient class
// that Exec absorbs with reconnect and backoff.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrInvalidCredential) || errors.Is(err, ErrSessionClosed) {
		return false
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return true
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return matchRetryableSignature(exitErr.Message())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return matchRetryableSignature(err.Error())
}

// IsExitError reports whether err is a non-zero exit of a remote command.
func IsExitError(err error) bool {
	var exitErr *ExitError

	return errors.As(err, &exitErr)
}

func matchRetryableSignature(s string) bool {
	s = strings.ToLower(s)

	for _, sig := range retryableSignatures {
		if strings.Contains(s, sig) {
			return true
		}
	}

	return false
}
