package sshexec

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

var privateKeyHeader = regexp.MustCompile(`-----BEGIN ([A-Z0-9]+ )*PRIVATE KEY-----`)

// Credentials describes how to reach and authenticate against one remote host.
//
// Secret holds either a password or private key material. There is no
// separate flag: the secret is treated as a private key when it carries
// a PEM/OpenSSH private key header, and as a password otherwise.
type Credentials struct {
	Host   string
	Port   int
	User   string
	Secret string
}

// IsPrivateKey reports whether the secret looks like private key material.
func (c *Credentials) IsPrivateKey() bool {
	return privateKeyHeader.MatchString(strings.TrimSpace(c.Secret))
}

// Addr returns the host:port pair, 22 is used when the port is not set.
func (c *Credentials) Addr() string {
	port := c.Port
	if port <= 0 {
		port = 22
	}

	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

func (c *Credentials) Validate() error {
	if len(strings.TrimSpace(c.Host)) == 0 {
		return fmt.Errorf("%w: empty host", ErrInvalidCredential)
	}

	if len(strings.TrimSpace(c.User)) == 0 {
		return fmt.Errorf("%w: empty user name", ErrInvalidCredential)
	}

	if len(c.Secret) == 0 {
		return fmt.Errorf("%w: neither password nor private key is set", ErrInvalidCredential)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port out of range: %d", ErrInvalidCredential, c.Port)
	}

	return nil
}

func (c *Credentials) authMethods() ([]ssh.AuthMethod, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.IsPrivateKey() {
		signer, err := ssh.ParsePrivateKey([]byte(strings.TrimSpace(c.Secret) + "\n"))
		if err != nil {
			return nil, fmt.Errorf("%w: cannot parse private key: %w", ErrInvalidCredential, err)
		}

		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := c.Secret

	// Some hosts only offer keyboard-interactive, answer every prompt with the password
	challenge := func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	}

	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(challenge),
	}, nil
}

// String never includes the secret.
func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.User, c.Addr())
}
