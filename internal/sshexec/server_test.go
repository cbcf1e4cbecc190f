package sshexec

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const testPassword = "s3cret"

// cmdResult describes how the test server answers an exec request.
type cmdResult struct {
	Stdout string
	Stderr string
	Code   int

	// DropConn closes the whole TCP connection after writing the output
	DropConn bool
	// NoExit closes the channel without sending an exit status
	NoExit bool
	// Delay postpones the answer
	Delay time.Duration
}

type cmdHandler func(command string, call int) *cmdResult

// testServer is a minimal in-process SSH server: exec requests are answered
// by a scripted handler and the "sftp" subsystem serves the local filesystem.
type testServer struct {
	t  *testing.T
	ln net.Listener

	config     *ssh.ServerConfig
	handler    cmdHandler
	rejectExec func(command string) bool

	mu    sync.Mutex
	conns []net.Conn
	calls map[string]int

	accepted  atomic.Int32
	execTotal atomic.Int32
}

func newTestServer(t *testing.T, handler cmdHandler) *testServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatal(err)
	}

	ts := testServer{
		t:       t,
		handler: handler,
		calls:   make(map[string]int),
	}

	ts.config = &ssh.ServerConfig{
		PasswordCallback: func(_ ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected")
		},
		PublicKeyCallback: func(_ ssh.ConnMetadata, _ ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	ts.config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ts.ln = ln

	go ts.serve()

	t.Cleanup(ts.Close)

	return &ts
}

func (ts *testServer) Close() {
	ts.ln.Close()
	ts.DropAll()
}

// DropAll abruptly closes every accepted connection.
func (ts *testServer) DropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	for _, c := range ts.conns {
		c.Close()
	}

	ts.conns = nil
}

func (ts *testServer) Calls(command string) int {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	return ts.calls[command]
}

func (ts *testServer) Credentials() Credentials {
	addr := ts.ln.Addr().(*net.TCPAddr)

	return Credentials{
		Host:   addr.IP.String(),
		Port:   addr.Port,
		User:   "root",
		Secret: testPassword,
	}
}

func (ts *testServer) serve() {
	for {
		c, err := ts.ln.Accept()
		if err != nil {
			return
		}

		ts.accepted.Add(1)

		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.mu.Unlock()

		go ts.serveConn(c)
	}
}

func (ts *testServer) serveConn(c net.Conn) {
	_, chans, reqs, err := ssh.NewServerConn(c, ts.config)
	if err != nil {
		c.Close()
		return
	}

	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			newCh.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}

		go ts.serveSession(c, ch, chReqs)
	}
}

func (ts *testServer) serveSession(c net.Conn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }

			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				continue
			}

			ts.execTotal.Add(1)

			ts.mu.Lock()
			ts.calls[payload.Command]++
			call := ts.calls[payload.Command]
			ts.mu.Unlock()

			if ts.rejectExec != nil && ts.rejectExec(payload.Command) {
				req.Reply(false, nil)
				continue
			}

			req.Reply(true, nil)

			go ts.answer(c, ch, payload.Command, call)
		case "subsystem":
			var payload struct{ Name string }

			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}

			req.Reply(true, nil)

			go func() {
				defer ch.Close()

				if srv, err := sftp.NewServer(ch); err == nil {
					srv.Serve()
				}
			}()
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

func (ts *testServer) answer(c net.Conn, ch ssh.Channel, command string, call int) {
	res := ts.handler(command, call)
	if res == nil {
		res = &cmdResult{Stderr: "command not found: " + command, Code: 127}
	}

	if res.Delay > 0 {
		time.Sleep(res.Delay)
	}

	if len(res.Stdout) > 0 {
		ch.Write([]byte(res.Stdout))
	}
	if len(res.Stderr) > 0 {
		ch.Stderr().Write([]byte(res.Stderr))
	}

	switch {
	case res.DropConn:
		c.Close()
		return
	case res.NoExit:
		ch.Close()
		return
	}

	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(res.Code)}))
	ch.Close()
}

func testOptions() Options {
	logger := log.New()
	logger.SetLevel(log.DebugLevel)

	return Options{
		ConnectTimeout:    5 * time.Second,
		CommandTimeout:    5 * time.Second,
		KeepaliveInterval: time.Minute,
		RetryDelay:        10 * time.Millisecond,
		Logger:            log.NewEntry(logger),
	}
}

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func echoHandler(command string, _ int) *cmdResult {
	const prefix = "echo "

	if len(command) > len(prefix) && command[:len(prefix)] == prefix {
		return &cmdResult{Stdout: command[len(prefix):] + "\n"}
	}

	if code, err := strconv.Atoi(command); err == nil {
		return &cmdResult{Code: code}
	}

	return nil
}
