package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"time"
)

type SMTP struct {
	Addr     string
	From     string
	To       []string
	User     string
	Password string
}

func (s *SMTP) Name() string {
	return "smtp"
}

func (s *SMTP) Notify(ctx context.Context, ev *Event) error {
	if len(s.To) == 0 {
		return fmt.Errorf("no recipients")
	}

	var auth smtp.Auth

	if len(s.User) > 0 {
		host, _, err := net.SplitHostPort(s.Addr)
		if err != nil {
			return err
		}
		auth = smtp.PlainAuth("", s.User, s.Password, host)
	}

	msg := s.message(ev)

	done := make(chan error, 1)

	go func() {
		done <- smtp.SendMail(s.Addr, auth, s.From, s.To, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SMTP) message(ev *Event) []byte {
	var b bytes.Buffer

	prefix := "[OK]"
	if ev.Kind == EventFailure {
		prefix = "[FAILED]"
	}

	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", prefix+" "+ev.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", ev.Time.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(ev.Body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return b.Bytes()
}
