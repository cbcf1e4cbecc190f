package appconf

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/0xef53/kvmfleet/internal/testutil"

	"github.com/sethvargo/go-envconfig"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	p := filepath.Join(t.TempDir(), "kvmfleet.ini")

	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	return p
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := newConfig(context.Background(), writeConfig(t, ""), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if cfg.Common.BackupDir != "/var/lib/kvmfleet/backups" || cfg.Common.DatabaseFile != "/var/lib/kvmfleet/tasks.db" {
		t.Fatalf("unexpected paths: %+v", cfg.Common)
	}

	if cfg.Server.Listen != ":8470" || cfg.Limits.MaxMigrations != 2 || cfg.SSH.MaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	opts, err := cfg.SessionOptions()
	if err != nil {
		t.Fatal(err)
	}

	if opts.RetryDelay != time.Second || opts.HostKeyCallback != nil {
		t.Fatalf("unexpected session options: %+v", opts)
	}
}

func TestNewConfig(t *testing.T) {
	p := writeConfig(t, `
[common]
data-dir = /srv/kvmfleet
inventory = /srv/kvmfleet/hosts.yaml.age
identity-file = /srv/kvmfleet/identity.txt

[server]
listen = 127.0.0.1:9000
task-retention = 1h

[ssh]
connect-timeout = 5s
retry-delay = 500ms
max-attempts = 5

[notify]
smtp-addr = mail.example.org:25
smtp-to = ops@example.org
smtp-to = noc@example.org
smtp-password = from-file
redis-password = from-file

[limits]
max-migrations = 4
`)

	env := envconfig.MapLookuper(map[string]string{
		"KVMFLEET_SMTP_PASSWORD": "from-env",
	})

	cfg, err := newConfig(context.Background(), p, env)
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	if cfg.Common.BackupDir != "/srv/kvmfleet/backups" || cfg.Common.LockFile != "/srv/kvmfleet/.lock" {
		t.Fatalf("unexpected paths: %+v", cfg.Common)
	}

	if cfg.Server.TaskRetention.Std() != time.Hour || cfg.SSH.ConnectTimeout.Std() != 5*time.Second {
		t.Fatalf("unexpected durations: %+v %+v", cfg.Server, cfg.SSH)
	}

	if len(cfg.Notify.SMTPTo) != 2 || cfg.Notify.SMTPTo[1] != "noc@example.org" {
		t.Fatal(testutil.FormatResultString([]string{"ops@example.org", "noc@example.org"}, cfg.Notify.SMTPTo))
	}

	if cfg.Notify.SMTPPassword != "from-env" || cfg.Notify.RedisPassword != "from-file" {
		t.Fatalf("unexpected secrets: %q, %q", cfg.Notify.SMTPPassword, cfg.Notify.RedisPassword)
	}

	if cfg.Limits.MaxMigrations != 4 {
		t.Fatal(testutil.FormatResultString(4, cfg.Limits.MaxMigrations))
	}
}

func TestNewConfigErrors(t *testing.T) {
	tests := map[string]string{
		"bad-duration":   "[ssh]\nretry-delay = soon\n",
		"unknown-option": "[common]\nfoo = bar\n",
		"zero-limit":     "[limits]\nmax-migrations = 0\n",
	}

	for name, content := range tests {
		if _, err := newConfig(context.Background(), writeConfig(t, content), envconfig.MapLookuper(nil)); err == nil {
			t.Fatalf("%s: expected an error", name)
		}
	}

	if _, err := newConfig(context.Background(), filepath.Join(t.TempDir(), "missing.ini"), envconfig.MapLookuper(nil)); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestSessionOptionsKnownHosts(t *testing.T) {
	cfg := defaults()
	cfg.SSH.KnownHosts = filepath.Join(t.TempDir(), "missing")

	if _, err := cfg.SessionOptions(); err == nil {
		t.Fatalf("expected an error for a missing known_hosts file")
	}

	p := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(p, nil, 0644); err != nil {
		t.Fatal(err)
	}

	cfg.SSH.KnownHosts = p

	opts, err := cfg.SessionOptions()
	if err != nil || opts.HostKeyCallback == nil {
		t.Fatalf("expected a host key callback: %v", err)
	}
}
