package appconf

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/0xef53/kvmfleet/internal/sshexec"

	"github.com/sethvargo/go-envconfig"
	"golang.org/x/crypto/ssh/knownhosts"
	"gopkg.in/gcfg.v1"
)

// Duration is a time.Duration that can be read from the config file ("30s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}

	*d = Duration(v)

	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type CommonParams struct {
	DataDir      string `gcfg:"data-dir"`
	BackupDir    string `gcfg:"backup-dir"`
	Inventory    string `gcfg:"inventory"`
	IdentityFile string `gcfg:"identity-file"`
	DatabaseFile string `gcfg:"-"`
	LockFile     string `gcfg:"-"`
}

type ServerParams struct {
	Listen        string   `gcfg:"listen"`
	TaskRetention Duration `gcfg:"task-retention"`
}

type SSHParams struct {
	ConnectTimeout    Duration `gcfg:"connect-timeout"`
	CommandTimeout    Duration `gcfg:"command-timeout"`
	KeepaliveInterval Duration `gcfg:"keepalive-interval"`
	MaxAttempts       int      `gcfg:"max-attempts"`
	RetryDelay        Duration `gcfg:"retry-delay"`
	KnownHosts        string   `gcfg:"known-hosts"`
}

type NotifyParams struct {
	WebhookURL    string   `gcfg:"webhook-url"`
	SMTPAddr      string   `gcfg:"smtp-addr"`
	SMTPFrom      string   `gcfg:"smtp-from"`
	SMTPTo        []string `gcfg:"smtp-to"`
	SMTPUser      string   `gcfg:"smtp-user"`
	SMTPPassword  string   `gcfg:"smtp-password"`
	RedisAddr     string   `gcfg:"redis-addr"`
	RedisPassword string   `gcfg:"redis-password"`
	RedisChannel  string   `gcfg:"redis-channel"`
	KafkaBrokers  string   `gcfg:"kafka-brokers"`
	KafkaTopic    string   `gcfg:"kafka-topic"`
}

type LimitsParams struct {
	MaxMigrations int `gcfg:"max-migrations"`
}

// Config represents the kvmfleet configuration
type Config struct {
	Common CommonParams
	Server ServerParams
	SSH    SSHParams
	Notify NotifyParams
	Limits LimitsParams
}

// secrets can be passed through the environment instead of the config file
type secrets struct {
	SMTPPassword  string `env:"KVMFLEET_SMTP_PASSWORD"`
	RedisPassword string `env:"KVMFLEET_REDIS_PASSWORD"`
	WebhookURL    string `env:"KVMFLEET_WEBHOOK_URL"`
}

func defaults() Config {
	return Config{
		Common: CommonParams{
			DataDir:   "/var/lib/kvmfleet",
			Inventory: "/etc/kvmfleet/hosts.yaml",
		},
		Server: ServerParams{
			Listen:        ":8470",
			TaskRetention: Duration(5 * time.Minute),
		},
		SSH: SSHParams{
			ConnectTimeout:    Duration(15 * time.Second),
			CommandTimeout:    Duration(5 * time.Minute),
			KeepaliveInterval: Duration(15 * time.Second),
			MaxAttempts:       3,
			RetryDelay:        Duration(time.Second),
		},
		Notify: NotifyParams{
			RedisChannel: "kvmfleet:events",
			KafkaTopic:   "kvmfleet-events",
		},
		Limits: LimitsParams{
			MaxMigrations: 2,
		},
	}
}

// NewConfig reads and parses the configuration file and returns
// a new instance of Config on success. Secrets from the environment
// take precedence over the file.
func NewConfig(ctx context.Context, p string) (*Config, error) {
	return newConfig(ctx, p, envconfig.OsLookuper())
}

func newConfig(ctx context.Context, p string, lookuper envconfig.Lookuper) (*Config, error) {
	cfg := defaults()

	if err := gcfg.ReadFileInto(&cfg, p); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %s", err)
	}

	var s secrets

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &s, Lookuper: lookuper}); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}

	if len(s.SMTPPassword) > 0 {
		cfg.Notify.SMTPPassword = s.SMTPPassword
	}
	if len(s.RedisPassword) > 0 {
		cfg.Notify.RedisPassword = s.RedisPassword
	}
	if len(s.WebhookURL) > 0 {
		cfg.Notify.WebhookURL = s.WebhookURL
	}

	if len(cfg.Common.BackupDir) == 0 {
		cfg.Common.BackupDir = filepath.Join(cfg.Common.DataDir, "backups")
	}

	cfg.Common.DatabaseFile = filepath.Join(cfg.Common.DataDir, "tasks.db")
	cfg.Common.LockFile = filepath.Join(cfg.Common.DataDir, ".lock")

	if cfg.Limits.MaxMigrations < 1 {
		return nil, fmt.Errorf("max-migrations must be positive: %d", cfg.Limits.MaxMigrations)
	}

	if cfg.SSH.MaxAttempts < 1 {
		return nil, fmt.Errorf("max-attempts must be positive: %d", cfg.SSH.MaxAttempts)
	}

	return &cfg, nil
}

// SessionOptions converts the [ssh] section into transport options.
func (c *Config) SessionOptions() (sshexec.Options, error) {
	opts := sshexec.Options{
		ConnectTimeout:    c.SSH.ConnectTimeout.Std(),
		CommandTimeout:    c.SSH.CommandTimeout.Std(),
		KeepaliveInterval: c.SSH.KeepaliveInterval.Std(),
		MaxAttempts:       c.SSH.MaxAttempts,
		RetryDelay:        c.SSH.RetryDelay.Std(),
	}

	if len(c.SSH.KnownHosts) > 0 {
		cb, err := knownhosts.New(c.SSH.KnownHosts)
		if err != nil {
			return opts, fmt.Errorf("known-hosts: %w", err)
		}
		opts.HostKeyCallback = cb
	}

	return opts, nil
}
