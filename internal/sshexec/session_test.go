package sshexec

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/0xef53/kvmfleet/internal/testutil"
)

func TestExecHealthy(t *testing.T) {
	ts := newTestServer(t, echoHandler)

	var retries int

	opts := testOptions()
	opts.OnRetry = func(int, time.Duration, error) { retries++ }

	s := NewSession(ts.Credentials(), opts)
	defer s.Disconnect()

	for i := 0; i < 3; i++ {
		out, err := s.Exec(context.Background(), "echo ok", 0)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}

		if out != "ok" {
			t.Fatal(testutil.FormatResultString("ok", out))
		}
	}

	if retries != 0 {
		t.Fatal(testutil.FormatResultString(0, retries, "retries"))
	}

	if n := s.Reconnects(); n != 0 {
		t.Fatal(testutil.FormatResultString(0, n, "reconnects"))
	}

	if n := ts.accepted.Load(); n != 1 {
		t.Fatal(testutil.FormatResultString(1, n, "accepted connections"))
	}

	if st := s.State(); st != StateReady {
		t.Fatal(testutil.FormatResultString(StateReady, st))
	}
}

func TestExecReconnectsAfterDrop(t *testing.T) {
	ts := newTestServer(t, func(command string, call int) *cmdResult {
		if call == 1 {
			return &cmdResult{DropConn: true}
		}
		return &cmdResult{Stdout: "ok\n"}
	})

	var delays []time.Duration

	opts := testOptions()
	opts.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

	s := NewSession(ts.Credentials(), opts)
	defer s.Disconnect()

	out, err := s.Exec(context.Background(), "uptime", 0)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if out != "ok" {
		t.Fatal(testutil.FormatResultString("ok", out))
	}

	if n := s.Reconnects(); n != 1 {
		t.Fatal(testutil.FormatResultString(1, n, "reconnects"))
	}

	if len(delays) != 1 || delays[0] != opts.RetryDelay {
		t.Fatal(testutil.FormatResultString([]time.Duration{opts.RetryDelay}, delays, "retry delays"))
	}

	if n := s.Failures(); n != 0 {
		t.Fatal(testutil.FormatResultString(0, n, "consecutive failures"))
	}
}

func TestExecGivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTestServer(t, echoHandler)
	ts.rejectExec = func(string) bool { return true }

	var delays []time.Duration

	opts := testOptions()
	opts.OnRetry = func(_ int, d time.Duration, _ error) { delays = append(delays, d) }

	s := NewSession(ts.Credentials(), opts)
	defer s.Disconnect()

	_, err := s.Exec(context.Background(), "echo never", 0)

	var exhausted *RetriesExhaustedError

	if !errors.As(err, &exhausted) {
		t.Fatal(testutil.FormatResultString("*RetriesExhaustedError", err))
	}

	if exhausted.Attempts != 3 {
		t.Fatal(testutil.FormatResultString(3, exhausted.Attempts, "attempts"))
	}

	if !strings.Contains(err.Error(), "failed to dispatch") {
		t.Fatalf("original error is not surfaced: %s", err)
	}

	if n := ts.Calls("echo never"); n != 3 {
		t.Fatal(testutil.FormatResultString(3, n, "exec requests"))
	}

	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}

	if len(delays) != len(want) || delays[0] != want[0] || delays[1] != want[1] {
		t.Fatal(testutil.FormatResultString(want, delays, "retry delays"))
	}
}

func TestExecNonZeroExit(t *testing.T) {
	ts := newTestServer(t, func(command string, _ int) *cmdResult {
		switch command {
		case "stderr":
			return &cmdResult{Stdout: "some output", Stderr: "permission denied\n", Code: 1}
		case "stdout":
			return &cmdResult{Stdout: "qm: no such vm\n", Code: 2}
		}
		return &cmdResult{Code: 3}
	})

	s := NewSession(ts.Credentials(), testOptions())
	defer s.Disconnect()

	tests := []struct {
		command string
		code    int
		message string
	}{
		{"stderr", 1, "permission denied"},
		{"stdout", 2, "qm: no such vm"},
		{"silent", 3, "exit code 3"},
	}

	for _, tt := range tests {
		_, err := s.Exec(context.Background(), tt.command, 0)

		var exitErr *ExitError

		if !errors.As(err, &exitErr) {
			t.Fatal(testutil.FormatResultString("*ExitError", err, tt.command))
		}

		if exitErr.Code != tt.code {
			t.Fatal(testutil.FormatResultString(tt.code, exitErr.Code, tt.command))
		}

		if got := exitErr.Message(); got != tt.message {
			t.Fatal(testutil.FormatResultString(tt.message, got, tt.command))
		}

		// A command failure is not a transport failure
		if n := ts.Calls(tt.command); n != 1 {
			t.Fatal(testutil.FormatResultString(1, n, tt.command, "calls"))
		}
	}

	if n := s.Reconnects(); n != 0 {
		t.Fatal(testutil.FormatResultString(0, n, "reconnects"))
	}
}

func TestExecMissingExitStatus(t *testing.T) {
	ts := newTestServer(t, func(string, int) *cmdResult {
		return &cmdResult{Stdout: "partial\n", NoExit: true}
	})

	s := NewSession(ts.Credentials(), testOptions())
	defer s.Disconnect()

	out, err := s.Exec(context.Background(), "cat /etc/hostname", 0)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if out != "partial" {
		t.Fatal(testutil.FormatResultString("partial", out))
	}
}

func TestExecAuthFailureIsNotRetried(t *testing.T) {
	ts := newTestServer(t, echoHandler)

	creds := ts.Credentials()
	creds.Secret = "wrong"

	s := NewSession(creds, testOptions())
	defer s.Disconnect()

	_, err := s.Exec(context.Background(), "echo ok", 0)

	if !errors.Is(err, ErrAuthFailed) {
		t.Fatal(testutil.FormatResultString(ErrAuthFailed, err))
	}

	if n := ts.accepted.Load(); n != 1 {
		t.Fatal(testutil.FormatResultString(1, n, "accepted connections"))
	}

	if st := s.State(); st != StateFailed {
		t.Fatal(testutil.FormatResultString(StateFailed, st))
	}
}

func TestExecWithPrivateKey(t *testing.T) {
	ts := newTestServer(t, echoHandler)

	creds := ts.Credentials()
	creds.Secret = testPrivateKeyPEM(t)

	s := NewSession(creds, testOptions())
	defer s.Disconnect()

	out, err := s.Exec(context.Background(), "echo key", 0)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if out != "key" {
		t.Fatal(testutil.FormatResultString("key", out))
	}
}

func TestExecContextDeadline(t *testing.T) {
	ts := newTestServer(t, func(string, int) *cmdResult {
		return &cmdResult{Stdout: "late", Delay: time.Second}
	})

	s := NewSession(ts.Credentials(), testOptions())
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Exec(ctx, "sleep 1", 0)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal(testutil.FormatResultString(context.DeadlineExceeded, err))
	}

	if n := ts.Calls("sleep 1"); n != 1 {
		t.Fatal(testutil.FormatResultString(1, n, "calls"))
	}
}

func TestExecCommandTimeout(t *testing.T) {
	ts := newTestServer(t, func(string, int) *cmdResult {
		return &cmdResult{Stdout: "late", Delay: 500 * time.Millisecond}
	})

	s := NewSession(ts.Credentials(), testOptions())
	defer s.Disconnect()

	_, err := s.Exec(context.Background(), "sleep 10", 50*time.Millisecond)

	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatal(testutil.FormatResultString(ErrCommandTimeout, err))
	}

	var exhausted *RetriesExhaustedError

	if !errors.As(err, &exhausted) {
		t.Fatal(testutil.FormatResultString("*RetriesExhaustedError", err))
	}
}

func TestStreamExec(t *testing.T) {
	payload := strings.Repeat("0123456789abcdef", 64<<10)

	ts := newTestServer(t, func(command string, _ int) *cmdResult {
		if command == "dump" {
			return &cmdResult{Stdout: payload}
		}
		return &cmdResult{Stdout: "head", Stderr: "tar: /etc/shadow: Cannot open\n", Code: 2}
	})

	s := NewSession(ts.Credentials(), testOptions())
	defer s.Disconnect()

	var buf bytes.Buffer

	if err := s.StreamExec(context.Background(), "dump", &buf); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if buf.Len() != len(payload) {
		t.Fatal(testutil.FormatResultString(len(payload), buf.Len(), "streamed bytes"))
	}

	buf.Reset()

	err := s.StreamExec(context.Background(), "tar", &buf)

	var exitErr *ExitError

	if !errors.As(err, &exitErr) || exitErr.Code != 2 {
		t.Fatal(testutil.FormatResultString("exit code 2", err))
	}

	if !strings.Contains(exitErr.Stderr, "Cannot open") {
		t.Fatal(testutil.FormatResultString("tar: /etc/shadow: Cannot open", exitErr.Stderr))
	}

	if buf.String() != "head" {
		t.Fatal(testutil.FormatResultString("head", buf.String(), "partial stream"))
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	ts := newTestServer(t, echoHandler)

	s := NewSession(ts.Credentials(), testOptions())

	// Never connected
	if err := s.Disconnect(); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	s = NewSession(ts.Credentials(), testOptions())

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Disconnect()
		}()
	}

	wg.Wait()

	if st := s.State(); st != StateDisconnected {
		t.Fatal(testutil.FormatResultString(StateDisconnected, st))
	}

	if _, err := s.Exec(context.Background(), "echo ok", 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatal(testutil.FormatResultString(ErrSessionClosed, err))
	}
}

func TestKeepaliveDetectsDeadConnection(t *testing.T) {
	ts := newTestServer(t, echoHandler)

	opts := testOptions()
	opts.KeepaliveInterval = 20 * time.Millisecond

	s := NewSession(ts.Credentials(), opts)
	defer s.Disconnect()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	ts.DropAll()

	deadline := time.Now().Add(3 * time.Second)

	for s.State() != StateFailed {
		if time.Now().After(deadline) {
			t.Fatal(testutil.FormatResultString(StateFailed, s.State()))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The next operation transparently dials a new connection
	out, err := s.Exec(context.Background(), "echo again", 0)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if out != "again" {
		t.Fatal(testutil.FormatResultString("again", out))
	}

	if n := s.Reconnects(); n != 1 {
		t.Fatal(testutil.FormatResultString(1, n, "reconnects"))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth", ErrAuthFailed, false},
		{"closed", ErrSessionClosed, false},
		{"retryable", &RetryableError{Op: "dial", Err: errors.New("refused")}, true},
		{"exit with signature", &ExitError{Code: 255, Stderr: "Connection reset by peer"}, true},
		{"plain exit", &ExitError{Code: 1, Stderr: "No such file or directory"}, false},
		{"broken pipe", errors.New("write: broken pipe"), true},
		{"other", errors.New("something else"), false},
	}

	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Fatal(testutil.FormatResultString(tt.want, got, tt.name))
		}
	}
}
