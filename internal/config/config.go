// Package config handles configuration for tb-terminal.
//
// Configuration is read from a YAML file (the --config flag or TB_CONFIG)
// on top of built-in defaults. A handful of environment variables override
// the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinkerbelle-io/tb-terminal/internal/audit"
	"github.com/tinkerbelle-io/tb-terminal/internal/health"
	"github.com/tinkerbelle-io/tb-terminal/internal/signing"
	"github.com/tinkerbelle-io/tb-terminal/internal/sshconn"
	"github.com/tinkerbelle-io/tb-terminal/internal/validate"
)

// Audit sink kinds.
const (
	SinkSQLite = "sqlite"
	SinkFile   = "file"
	SinkMemory = "memory"
)

// Config holds all tb-terminal configuration.
type Config struct {
	Log LogConfig `yaml:"log"`
	// DataDir holds known_hosts, the credential store and the default
	// audit database.
	DataDir    string               `yaml:"data_dir"`
	Shell      string               `yaml:"shell"`
	Validation ValidationConfig     `yaml:"validation"`
	Audit      AuditConfig          `yaml:"audit"`
	Health     HealthConfig         `yaml:"health"`
	Serve      ServeConfig          `yaml:"serve"`
	Hosts      []sshconn.HostConfig `yaml:"hosts"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type ValidationConfig struct {
	Level validate.Level `yaml:"level"`
	// PolicyFile, when set, replaces the default policy.
	PolicyFile string `yaml:"policy_file"`
}

type AuditConfig struct {
	Sink          string        `yaml:"sink"` // sqlite, file, memory
	Path          string        `yaml:"path"`
	Capacity      int           `yaml:"capacity"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	Debug         bool          `yaml:"debug"`
}

type HealthConfig struct {
	Interval        time.Duration `yaml:"interval"`
	InitialDelay    time.Duration `yaml:"initial_delay"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	NetworkInterval time.Duration `yaml:"network_interval"`
}

type ServeConfig struct {
	Addr           string        `yaml:"addr"`
	Token          string        `yaml:"token"`
	MaxSessions    int           `yaml:"max_sessions"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	// SigningKey is an Ed25519 public key (hex or base64). When set,
	// session.open requests must be signed with the matching private key.
	SigningKey string `yaml:"signing_key"`
}

// DefaultDataDir returns ~/.tb-terminal.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tb-terminal"
	}
	return filepath.Join(home, ".tb-terminal")
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:        LogConfig{Level: "info", Format: "text"},
		DataDir:    DefaultDataDir(),
		Validation: ValidationConfig{Level: validate.Moderate},
		Audit: AuditConfig{
			Sink:          SinkSQLite,
			FlushInterval: audit.DefaultFlushInterval,
			Capacity:      audit.DefaultCapacity,
		},
		Health: HealthConfig{
			Interval:        health.DefaultInterval,
			InitialDelay:    health.DefaultInitialDelay,
			ProbeTimeout:    health.DefaultProbeTimeout,
			NetworkInterval: 10 * time.Second,
		},
		Serve: ServeConfig{
			Addr:        "127.0.0.1:7681",
			MaxSessions: 5,
			IdleTimeout: 30 * time.Minute,
		},
	}
}

// Load reads configuration from path, or from TB_CONFIG when path is
// empty. With neither set it returns the defaults. Environment overrides
// are applied last and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TB_CONFIG")
	}
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of the defaults without consulting the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("TB_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("TB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("TB_VALIDATION_LEVEL"); v != "" {
		lvl, err := validate.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("TB_VALIDATION_LEVEL: %w", err)
		}
		c.Validation.Level = lvl
	}
	if v := os.Getenv("TB_AUDIT_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("TB_AUDIT_DEBUG: %w", err)
		}
		c.Audit.Debug = b
	}
	if v := os.Getenv("TB_SERVE_TOKEN"); v != "" {
		c.Serve.Token = v
	}
	if v := os.Getenv("TB_SERVE_SIGNING_KEY"); v != "" {
		c.Serve.SigningKey = v
	}
	return nil
}

// Validate checks values that cannot be expressed by types alone.
func (c *Config) Validate() error {
	var errs []error
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	switch c.Audit.Sink {
	case SinkSQLite, SinkFile, SinkMemory:
	default:
		errs = append(errs, fmt.Errorf("audit.sink: unknown sink %q", c.Audit.Sink))
	}
	if c.Audit.Capacity < 0 {
		errs = append(errs, errors.New("audit.capacity must not be negative"))
	}
	if c.Serve.MaxSessions < 0 {
		errs = append(errs, errors.New("serve.max_sessions must not be negative"))
	}
	if c.Serve.SigningKey != "" {
		if _, err := signing.ParsePublicKey(c.Serve.SigningKey); err != nil {
			errs = append(errs, fmt.Errorf("serve.signing_key: %w", err))
		}
	}

	seen := make(map[string]bool)
	for i, h := range c.Hosts {
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: name is required", i))
			continue
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate name %q", i, h.Name))
		}
		seen[h.Name] = true
		if h.Hostname == "" {
			errs = append(errs, fmt.Errorf("host %s: hostname is required", h.Name))
		}
		switch h.Tier {
		case sshconn.TierLow, sshconn.TierMedium, sshconn.TierHigh, sshconn.TierCritical:
		default:
			errs = append(errs, fmt.Errorf("host %s: unknown tier %q", h.Name, h.Tier))
		}
		switch h.Auth {
		case sshconn.AuthPassword, sshconn.AuthKey, sshconn.AuthAgent:
		default:
			errs = append(errs, fmt.Errorf("host %s: unknown auth %q", h.Name, h.Auth))
		}
		if h.Auth == sshconn.AuthKey && h.KeyID == "" {
			errs = append(errs, fmt.Errorf("host %s: key auth requires key_id", h.Name))
		}
	}
	return errors.Join(errs...)
}

// Host returns the host entry called name.
func (c *Config) Host(name string) (sshconn.HostConfig, bool) {
	for _, h := range c.Hosts {
		if h.Name == name {
			return h, true
		}
	}
	return sshconn.HostConfig{}, false
}

// KnownHostsPath is the known_hosts file under DataDir.
func (c *Config) KnownHostsPath() string {
	return sshconn.DefaultKnownHostsPath(c.DataDir)
}

// CredentialsPath is the encrypted credential store under DataDir.
func (c *Config) CredentialsPath() string {
	return filepath.Join(c.DataDir, "credentials.json")
}

// AuditPath returns the audit location: a database file for the sqlite
// sink, a directory for the file sink.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	if c.Audit.Sink == SinkFile {
		return filepath.Join(c.DataDir, "audit")
	}
	return filepath.Join(c.DataDir, "audit.db")
}
