package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output    string `toml:"output"`     // Log output: "stderr", "stdout", "syslog", or file path
	Format    string `toml:"format"`     // Log format: "json" or "console"
	Level     string `toml:"level"`      // Log level: "debug", "info", "warn", "error"
	SyslogTag string `toml:"syslog_tag"` // Syslog tag (default: postern)
}

// TLSConfig holds the certificate shared by all implicit-TLS listeners and
// STARTTLS/STLS upgrades. Leaving both files empty disables TLS.
type TLSConfig struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Enabled reports whether a certificate is configured.
func (t *TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// SMTPServerConfig holds SMTP server configuration.
type SMTPServerConfig struct {
	Start                  bool   `toml:"start"`
	Addr                   string `toml:"addr"`                     // Plaintext listener (default :25)
	TLSAddr                string `toml:"tls_addr"`                 // Implicit TLS listener (default :465)
	SubmissionAddr         string `toml:"submission_addr"`          // Submission listener, always requires auth (default :587)
	MaxConnections         int    `toml:"max_connections"`          // Maximum concurrent connections
	MaxConnectionsPerIP    int    `toml:"max_connections_per_ip"`   // 0 disables the per-IP limit
	CommandTimeout         string `toml:"command_timeout"`          // Maximum idle time before disconnection (default: 5m)
	AbsoluteSessionTimeout string `toml:"absolute_session_timeout"` // Maximum total session duration (default: 30m)
	MaxMessageSize         string `toml:"max_message_size"`         // e.g. "25MiB"
	MaxRecipients          int    `toml:"max_recipients"`
	EnableAuth             bool   `toml:"enable_auth"`
	RequireTLS             bool   `toml:"require_tls"`
}

func (c *SMTPServerConfig) GetCommandTimeout() (time.Duration, error) {
	return parseDuration(c.CommandTimeout, 5*time.Minute)
}

func (c *SMTPServerConfig) GetAbsoluteSessionTimeout() (time.Duration, error) {
	return parseDuration(c.AbsoluteSessionTimeout, 30*time.Minute)
}

// GetMaxMessageSize parses the message size limit (default: 25 MiB).
func (c *SMTPServerConfig) GetMaxMessageSize() (int64, error) {
	return parseSize(c.MaxMessageSize, 25*1024*1024)
}

func (c *SMTPServerConfig) GetMaxRecipients() int {
	if c.MaxRecipients <= 0 {
		return 100
	}
	return c.MaxRecipients
}

// IMAPServerConfig holds IMAP server configuration.
type IMAPServerConfig struct {
	Start                  bool   `toml:"start"`
	Addr                   string `toml:"addr"`     // default :143
	TLSAddr                string `toml:"tls_addr"` // default :993
	MaxConnections         int    `toml:"max_connections"`
	MaxConnectionsPerIP    int    `toml:"max_connections_per_ip"`
	CommandTimeout         string `toml:"command_timeout"`          // default: 30m
	AbsoluteSessionTimeout string `toml:"absolute_session_timeout"` // default: 24h
	EnableIdle             bool   `toml:"enable_idle"`
}

func (c *IMAPServerConfig) GetCommandTimeout() (time.Duration, error) {
	return parseDuration(c.CommandTimeout, 30*time.Minute)
}

func (c *IMAPServerConfig) GetAbsoluteSessionTimeout() (time.Duration, error) {
	return parseDuration(c.AbsoluteSessionTimeout, 24*time.Hour)
}

// POP3ServerConfig holds POP3 server configuration.
type POP3ServerConfig struct {
	Start                  bool   `toml:"start"`
	Addr                   string `toml:"addr"`     // default :110
	TLSAddr                string `toml:"tls_addr"` // default :995
	MaxConnections         int    `toml:"max_connections"`
	MaxConnectionsPerIP    int    `toml:"max_connections_per_ip"`
	CommandTimeout         string `toml:"command_timeout"`          // default: 10m
	AbsoluteSessionTimeout string `toml:"absolute_session_timeout"` // default: 1h
	DeleteOnRetrieve       bool   `toml:"delete_on_retrieve"`
}

func (c *POP3ServerConfig) GetCommandTimeout() (time.Duration, error) {
	return parseDuration(c.CommandTimeout, 10*time.Minute)
}

func (c *POP3ServerConfig) GetAbsoluteSessionTimeout() (time.Duration, error) {
	return parseDuration(c.AbsoluteSessionTimeout, time.Hour)
}

// ManagerConfig controls the protocol supervisor.
type ManagerConfig struct {
	MonitorInterval     string  `toml:"monitor_interval"`      // default: 30s
	RestartDelay        string  `toml:"restart_delay"`         // default: 2s
	UtilizationWarning  float64 `toml:"utilization_warning"`   // default: 0.8
	ReportInterval      string  `toml:"report_interval"`       // default: 5m
	CleanupInterval     string  `toml:"cleanup_interval"`      // default: 10m
	ShutdownTimeout     string  `toml:"shutdown_timeout"`      // default: 30s
	HealthCheckInterval string  `toml:"health_check_interval"` // default: 30s
}

func (c *ManagerConfig) GetMonitorInterval() (time.Duration, error) {
	return parseDuration(c.MonitorInterval, 30*time.Second)
}

func (c *ManagerConfig) GetRestartDelay() (time.Duration, error) {
	return parseDuration(c.RestartDelay, 2*time.Second)
}

func (c *ManagerConfig) GetReportInterval() (time.Duration, error) {
	return parseDuration(c.ReportInterval, 5*time.Minute)
}

func (c *ManagerConfig) GetCleanupInterval() (time.Duration, error) {
	return parseDuration(c.CleanupInterval, 10*time.Minute)
}

func (c *ManagerConfig) GetShutdownTimeout() (time.Duration, error) {
	return parseDuration(c.ShutdownTimeout, 30*time.Second)
}

func (c *ManagerConfig) GetHealthCheckInterval() (time.Duration, error) {
	return parseDuration(c.HealthCheckInterval, 30*time.Second)
}

func (c *ManagerConfig) GetUtilizationWarning() float64 {
	if c.UtilizationWarning <= 0 {
		return 0.8
	}
	return c.UtilizationWarning
}

// UserConfig seeds an account into the store at startup.
type UserConfig struct {
	Username string   `toml:"username"`
	Email    string   `toml:"email"`
	Password string   `toml:"password"`
	Aliases  []string `toml:"aliases"`
}

// StoreConfig selects the mail store backend.
type StoreConfig struct {
	Driver       string       `toml:"driver"` // "memory", "sqlite" or "postgres"
	DSN          string       `toml:"dsn"`
	AutoMigrate  bool         `toml:"auto_migrate"`
	MaxOpenConns int          `toml:"max_open_conns"`
	Users        []UserConfig `toml:"users"`
}

// S3Config holds S3 configuration for message body storage.
type S3Config struct {
	Enabled       bool   `toml:"enabled"`
	Endpoint      string `toml:"endpoint"`
	AccessKey     string `toml:"access_key"`
	SecretKey     string `toml:"secret_key"`
	Bucket        string `toml:"bucket"`
	Prefix        string `toml:"prefix"`
	UseSSL        bool   `toml:"use_ssl"`
	Trace         bool   `toml:"trace"`
	EncryptionKey string `toml:"encryption_key"` // 64 hex characters; empty disables encryption
}

// HTTPAPIConfig holds the administrative HTTP API configuration
type HTTPAPIConfig struct {
	Start        bool     `toml:"start"`
	Addr         string   `toml:"addr"`
	APIKey       string   `toml:"api_key"`
	AllowedHosts []string `toml:"allowed_hosts"` // If empty, all hosts are allowed
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// AuthCacheConfig controls the in-memory cache in front of the identity
// service.
type AuthCacheConfig struct {
	Enabled         bool   `toml:"enabled"`
	PositiveTTL     string `toml:"positive_ttl"`     // default: 5m
	NegativeTTL     string `toml:"negative_ttl"`     // default: 1m
	MaxSize         int    `toml:"max_size"`         // default: 10000
	CleanupInterval string `toml:"cleanup_interval"` // default: 5m
}

func (c *AuthCacheConfig) GetPositiveTTL() (time.Duration, error) {
	return parseDuration(c.PositiveTTL, 5*time.Minute)
}

func (c *AuthCacheConfig) GetNegativeTTL() (time.Duration, error) {
	return parseDuration(c.NegativeTTL, time.Minute)
}

func (c *AuthCacheConfig) GetCleanupInterval() (time.Duration, error) {
	return parseDuration(c.CleanupInterval, 5*time.Minute)
}

// Config holds all configuration for the application.
type Config struct {
	Hostname  string           `toml:"hostname"`
	Logging   LoggingConfig    `toml:"logging"`
	TLS       TLSConfig        `toml:"tls"`
	SMTP      SMTPServerConfig `toml:"smtp"`
	IMAP      IMAPServerConfig `toml:"imap"`
	POP3      POP3ServerConfig `toml:"pop3"`
	Manager   ManagerConfig    `toml:"manager"`
	Store     StoreConfig      `toml:"store"`
	AuthCache AuthCacheConfig  `toml:"auth_cache"`
	S3        S3Config         `toml:"s3"`
	AdminAPI  HTTPAPIConfig    `toml:"admin_api"`
	Metrics   MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "localhost"
	}
	return Config{
		Hostname: hostname,
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		SMTP: SMTPServerConfig{
			Start:                  true,
			Addr:                   ":25",
			TLSAddr:                ":465",
			SubmissionAddr:         ":587",
			MaxConnections:         100,
			CommandTimeout:         "5m",
			AbsoluteSessionTimeout: "30m",
			MaxMessageSize:         "25MiB",
			MaxRecipients:          100,
			EnableAuth:             true,
		},
		IMAP: IMAPServerConfig{
			Start:                  true,
			Addr:                   ":143",
			TLSAddr:                ":993",
			MaxConnections:         200,
			CommandTimeout:         "30m",
			AbsoluteSessionTimeout: "24h",
			EnableIdle:             true,
		},
		POP3: POP3ServerConfig{
			Start:                  true,
			Addr:                   ":110",
			TLSAddr:                ":995",
			MaxConnections:         100,
			CommandTimeout:         "10m",
			AbsoluteSessionTimeout: "1h",
		},
		Manager: ManagerConfig{
			MonitorInterval:     "30s",
			RestartDelay:        "2s",
			UtilizationWarning:  0.8,
			ReportInterval:      "5m",
			CleanupInterval:     "10m",
			ShutdownTimeout:     "30s",
			HealthCheckInterval: "30s",
		},
		Store: StoreConfig{
			Driver:      "memory",
			AutoMigrate: true,
		},
		AuthCache: AuthCacheConfig{
			Enabled:         true,
			PositiveTTL:     "5m",
			NegativeTTL:     "1m",
			MaxSize:         10000,
			CleanupInterval: "5m",
		},
		AdminAPI: HTTPAPIConfig{
			Addr: "127.0.0.1:8080",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// LoadConfigFromFile loads configuration from a TOML file on top of the
// values already in cfg.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	metadata, err := toml.DecodeFile(configPath, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

func enhanceConfigError(err error) error {
	var perr toml.ParseError
	if errors.As(err, &perr) {
		return fmt.Errorf("invalid TOML configuration: %s", perr.ErrorWithPosition())
	}
	return fmt.Errorf("invalid configuration: %w", err)
}

// Validate checks the configuration for values the servers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Hostname == "" {
		add("hostname must not be empty")
	}

	if c.SMTP.Start {
		if c.SMTP.MaxConnections <= 0 {
			add("smtp.max_connections must be positive")
		}
		if _, err := c.SMTP.GetCommandTimeout(); err != nil {
			add("smtp.command_timeout: %w", err)
		}
		if _, err := c.SMTP.GetAbsoluteSessionTimeout(); err != nil {
			add("smtp.absolute_session_timeout: %w", err)
		}
		if size, err := c.SMTP.GetMaxMessageSize(); err != nil {
			add("smtp.max_message_size: %w", err)
		} else if size <= 0 {
			add("smtp.max_message_size must be positive")
		}
		if c.SMTP.RequireTLS && !c.TLS.Enabled() {
			add("smtp.require_tls needs tls.cert_file and tls.key_file")
		}
	}
	if c.IMAP.Start {
		if c.IMAP.MaxConnections <= 0 {
			add("imap.max_connections must be positive")
		}
		if _, err := c.IMAP.GetCommandTimeout(); err != nil {
			add("imap.command_timeout: %w", err)
		}
		if _, err := c.IMAP.GetAbsoluteSessionTimeout(); err != nil {
			add("imap.absolute_session_timeout: %w", err)
		}
	}
	if c.POP3.Start {
		if c.POP3.MaxConnections <= 0 {
			add("pop3.max_connections must be positive")
		}
		if _, err := c.POP3.GetCommandTimeout(); err != nil {
			add("pop3.command_timeout: %w", err)
		}
		if _, err := c.POP3.GetAbsoluteSessionTimeout(); err != nil {
			add("pop3.absolute_session_timeout: %w", err)
		}
	}

	for name, get := range map[string]func() (time.Duration, error){
		"monitor_interval":      c.Manager.GetMonitorInterval,
		"restart_delay":         c.Manager.GetRestartDelay,
		"report_interval":       c.Manager.GetReportInterval,
		"cleanup_interval":      c.Manager.GetCleanupInterval,
		"shutdown_timeout":      c.Manager.GetShutdownTimeout,
		"health_check_interval": c.Manager.GetHealthCheckInterval,
	} {
		if d, err := get(); err != nil {
			add("manager.%s: %w", name, err)
		} else if d <= 0 {
			add("manager.%s must be positive", name)
		}
	}
	if c.Manager.UtilizationWarning > 1 {
		add("manager.utilization_warning must be in (0, 1]")
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		add("store.driver must be one of memory, sqlite, postgres (got %q)", c.Store.Driver)
	}

	if c.S3.Enabled {
		if c.Store.Driver == "memory" {
			add("s3 body storage requires a sqlite or postgres store")
		}
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			add("s3.endpoint and s3.bucket are required when s3 is enabled")
		}
	}

	if c.AuthCache.Enabled {
		for name, get := range map[string]func() (time.Duration, error){
			"positive_ttl":     c.AuthCache.GetPositiveTTL,
			"negative_ttl":     c.AuthCache.GetNegativeTTL,
			"cleanup_interval": c.AuthCache.GetCleanupInterval,
		} {
			if _, err := get(); err != nil {
				add("auth_cache.%s: %w", name, err)
			}
		}
	}

	if c.AdminAPI.Start && c.AdminAPI.APIKey == "" {
		add("admin_api.api_key is required when the admin API is started")
	}
	if c.Metrics.Enabled && c.Metrics.Path == "" {
		add("metrics.path must not be empty")
	}

	return errors.Join(errs...)
}

func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return time.ParseDuration(value)
}

func parseSize(value string, def int64) (int64, error) {
	if value == "" {
		return def, nil
	}
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, err
	}
	return int64(n), nil
}

// trimStringFields recursively trims whitespace from all string fields.
func trimStringFields(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.String:
		if v.CanSet() {
			v.SetString(strings.TrimSpace(v.String()))
		}
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Field(i).CanSet() {
				trimStringFields(v.Field(i))
			}
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
