package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}

	if cfg.SMTP.Addr != ":25" || cfg.SMTP.TLSAddr != ":465" || cfg.SMTP.SubmissionAddr != ":587" {
		t.Errorf("unexpected SMTP ports: %q %q %q", cfg.SMTP.Addr, cfg.SMTP.TLSAddr, cfg.SMTP.SubmissionAddr)
	}
	if cfg.IMAP.MaxConnections != 200 {
		t.Errorf("expected IMAP max connections 200, got %d", cfg.IMAP.MaxConnections)
	}
	if !cfg.IMAP.EnableIdle {
		t.Error("expected IDLE to be enabled by default")
	}
	if cfg.POP3.DeleteOnRetrieve {
		t.Error("expected delete_on_retrieve to be off by default")
	}
}

func TestServerGetterDefaults(t *testing.T) {
	var smtp SMTPServerConfig
	if d, _ := smtp.GetCommandTimeout(); d != 5*time.Minute {
		t.Errorf("SMTP command timeout default: got %v", d)
	}
	if n, _ := smtp.GetMaxMessageSize(); n != 26214400 {
		t.Errorf("SMTP max message size default: got %d", n)
	}
	if smtp.GetMaxRecipients() != 100 {
		t.Errorf("SMTP max recipients default: got %d", smtp.GetMaxRecipients())
	}

	var imap IMAPServerConfig
	if d, _ := imap.GetCommandTimeout(); d != 30*time.Minute {
		t.Errorf("IMAP command timeout default: got %v", d)
	}

	var pop3 POP3ServerConfig
	if d, _ := pop3.GetCommandTimeout(); d != 10*time.Minute {
		t.Errorf("POP3 command timeout default: got %v", d)
	}

	var mgr ManagerConfig
	if d, _ := mgr.GetMonitorInterval(); d != 30*time.Second {
		t.Errorf("monitor interval default: got %v", d)
	}
	if d, _ := mgr.GetRestartDelay(); d != 2*time.Second {
		t.Errorf("restart delay default: got %v", d)
	}
	if mgr.GetUtilizationWarning() != 0.8 {
		t.Errorf("utilization warning default: got %v", mgr.GetUtilizationWarning())
	}
}

func TestGetMaxMessageSizeUnits(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"25MiB", 25 * 1024 * 1024},
		{"10MB", 10 * 1000 * 1000},
		{"512", 512},
	}
	for _, tt := range tests {
		c := SMTPServerConfig{MaxMessageSize: tt.in}
		got, err := c.GetMaxMessageSize()
		if err != nil {
			t.Errorf("%q: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%q: got %d, want %d", tt.in, got, tt.want)
		}
	}

	c := SMTPServerConfig{MaxMessageSize: "lots"}
	if _, err := c.GetMaxMessageSize(); err == nil {
		t.Error("expected error for invalid size")
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
hostname = "  mx.example.com  "

[smtp]
max_connections = 5
require_tls = false
command_timeout = "1m"

[pop3]
delete_on_retrieve = true

[store]
driver = "sqlite"
dsn = "/tmp/postern.db"

[[store.users]]
username = "bob"
email = "bob@example.com"
password = "secret"
aliases = ["robert@example.com"]

[unknown_section]
foo = "bar"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	if err := LoadConfigFromFile(path, &cfg); err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}

	if cfg.Hostname != "mx.example.com" {
		t.Errorf("hostname should be trimmed, got %q", cfg.Hostname)
	}
	if cfg.SMTP.MaxConnections != 5 {
		t.Errorf("expected max_connections 5, got %d", cfg.SMTP.MaxConnections)
	}
	if cfg.SMTP.Addr != ":25" {
		t.Errorf("unset keys should keep defaults, got %q", cfg.SMTP.Addr)
	}
	if d, _ := cfg.SMTP.GetCommandTimeout(); d != time.Minute {
		t.Errorf("expected 1m command timeout, got %v", d)
	}
	if !cfg.POP3.DeleteOnRetrieve {
		t.Error("expected delete_on_retrieve true")
	}
	if len(cfg.Store.Users) != 1 || cfg.Store.Users[0].Aliases[0] != "robert@example.com" {
		t.Errorf("unexpected users: %+v", cfg.Store.Users)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should validate: %v", err)
	}
}

func TestLoadConfigFromFileSyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("[smtp\nstart = true\n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	if err == nil {
		t.Fatal("expected a parse error")
	}
	if !strings.Contains(err.Error(), "invalid TOML configuration") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty hostname", func(c *Config) { c.Hostname = "" }, "hostname"},
		{"zero smtp connections", func(c *Config) { c.SMTP.MaxConnections = 0 }, "smtp.max_connections"},
		{"bad imap timeout", func(c *Config) { c.IMAP.CommandTimeout = "soon" }, "imap.command_timeout"},
		{"bad size", func(c *Config) { c.SMTP.MaxMessageSize = "huge" }, "smtp.max_message_size"},
		{"require tls without cert", func(c *Config) { c.SMTP.RequireTLS = true }, "require_tls"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite" }, "store.dsn"},
		{"s3 without bucket", func(c *Config) {
			c.Store.Driver = "sqlite"
			c.Store.DSN = "x.db"
			c.S3.Enabled = true
		}, "s3.endpoint"},
		{"api without key", func(c *Config) { c.AdminAPI.Start = true }, "admin_api.api_key"},
		{"negative restart delay", func(c *Config) { c.Manager.RestartDelay = "-1s" }, "manager.restart_delay"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}
