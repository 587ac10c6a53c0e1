// Package config provides YAML configuration loading and validation for the
// bpffs daemon.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tripwire/bpffs/internal/function"
)

// Config is the top-level configuration structure for bpffsd.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	Namespace NamespaceConfig `yaml:"namespace"`
	Transport TransportConfig `yaml:"transport"`
	HTTP      HTTPConfig      `yaml:"http"`
	Compiler  CompilerConfig  `yaml:"compiler"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Audit     AuditConfig     `yaml:"audit"`
	Trace     TraceConfig     `yaml:"trace"`
}

// NamespaceConfig controls the function namespace.
type NamespaceConfig struct {
	// Root is the path prefix entry paths are resolved against. Defaults to
	// "/run/bpffs/functions".
	Root string `yaml:"root"`

	// SourceWhileAttached is "detach" (default) or "reject". It decides
	// what a source write does to an attached function.
	SourceWhileAttached string `yaml:"source_while_attached"`
}

// TransportConfig controls the descriptor transport socket.
type TransportConfig struct {
	// SocketPath is the Unix socket handles are served on. Defaults to
	// "/run/bpffs/fd.sock".
	SocketPath string `yaml:"socket_path"`

	// SocketMode is the octal permission of the socket file. Defaults to
	// "0660".
	SocketMode string `yaml:"socket_mode"`

	// MaxWait caps how long a request may wait for a function to load.
	// Defaults to 30s.
	MaxWait time.Duration `yaml:"max_wait"`
}

// HTTPConfig controls the management API.
type HTTPConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9470"). Empty disables
	// the API.
	Addr string `yaml:"addr"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig enables bearer-token authentication on /api/v1 when
// PublicKeyPath is set.
type AuthConfig struct {
	// PublicKeyPath is a PEM-encoded RSA public key used to verify RS256
	// tokens.
	PublicKeyPath string `yaml:"public_key_path"`
	Issuer        string `yaml:"issuer"`
	Audience      string `yaml:"audience"`
}

// CompilerConfig controls the clang invocation.
type CompilerConfig struct {
	// Path is the clang binary. Defaults to "clang" on $PATH.
	Path        string   `yaml:"path"`
	Flags       []string `yaml:"flags"`
	IncludeDirs []string `yaml:"include_dirs"`
	TempDir     string   `yaml:"temp_dir"`
}

// CatalogConfig controls persistence of function definitions.
type CatalogConfig struct {
	// Driver is "none" (default), "sqlite", or "postgres".
	Driver string `yaml:"driver"`

	// DSN is the database file for sqlite or a connection string for
	// postgres. Required unless Driver is "none".
	DSN string `yaml:"dsn"`

	// Restore recreates the cataloged functions at startup.
	Restore bool `yaml:"restore"`
}

// AuditConfig controls the lifecycle audit log.
type AuditConfig struct {
	// Path is the JSONL audit file. Empty disables auditing.
	Path string `yaml:"path"`
}

// TraceConfig controls the trace pipe reader.
type TraceConfig struct {
	// PipePath overrides trace_pipe discovery.
	PipePath string `yaml:"pipe_path"`
}

// Mode returns SocketMode as permission bits. It is only meaningful on a
// validated Config.
func (t TransportConfig) Mode() os.FileMode {
	m, _ := strconv.ParseUint(t.SocketMode, 8, 32)
	return os.FileMode(m).Perm()
}

// Policy returns SourceWhileAttached as a function.SourcePolicy. It is only
// meaningful on a validated Config.
func (n NamespaceConfig) Policy() function.SourcePolicy {
	p, _ := function.ParseSourcePolicy(n.SourceWhileAttached)
	return p
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validDrivers is the set of accepted catalog drivers.
var validDrivers = map[string]bool{
	"none":     true,
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all fields. Unknown keys are rejected. Every
// validation failure is reported.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Namespace.Root == "" {
		cfg.Namespace.Root = "/run/bpffs/functions"
	}
	if cfg.Namespace.SourceWhileAttached == "" {
		cfg.Namespace.SourceWhileAttached = "detach"
	}
	if cfg.Transport.SocketPath == "" {
		cfg.Transport.SocketPath = "/run/bpffs/fd.sock"
	}
	if cfg.Transport.SocketMode == "" {
		cfg.Transport.SocketMode = "0660"
	}
	if cfg.Transport.MaxWait == 0 {
		cfg.Transport.MaxWait = 30 * time.Second
	}
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = "none"
	}
}

// validate checks enumerated fields and cross-field requirements.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, err := function.ParseSourcePolicy(cfg.Namespace.SourceWhileAttached); err != nil {
		errs = append(errs, fmt.Errorf("namespace.source_while_attached %q must be one of: detach, reject", cfg.Namespace.SourceWhileAttached))
	}
	if m, err := strconv.ParseUint(cfg.Transport.SocketMode, 8, 32); err != nil || m > 0o777 {
		errs = append(errs, fmt.Errorf("transport.socket_mode %q must be an octal permission such as 0660", cfg.Transport.SocketMode))
	}
	if cfg.Transport.MaxWait < 0 {
		errs = append(errs, fmt.Errorf("transport.max_wait %s must not be negative", cfg.Transport.MaxWait))
	}
	if !validDrivers[cfg.Catalog.Driver] {
		errs = append(errs, fmt.Errorf("catalog.driver %q must be one of: none, sqlite, postgres", cfg.Catalog.Driver))
	} else if cfg.Catalog.Driver != "none" && cfg.Catalog.DSN == "" {
		errs = append(errs, fmt.Errorf("catalog.dsn is required for driver %q", cfg.Catalog.Driver))
	}
	if cfg.Catalog.Restore && cfg.Catalog.Driver == "none" {
		errs = append(errs, errors.New("catalog.restore requires a catalog driver"))
	}
	if cfg.HTTP.Auth.PublicKeyPath != "" && cfg.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.auth.public_key_path is set but http.addr is empty"))
	}

	return errors.Join(errs...)
}
