// Package config provides configuration management for the HAL broker.
// It uses koanf v2 to load configuration from YAML files and can write
// a starter configuration (rmm-hald -init-config).
//
// Configuration is loaded from /etc/rmm-hald/config.yaml by default.
// The file may contain a NATS NKey seed, so it is written with
// restricted permissions (0600).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"

	"github.com/doughall/linuxrmm/hald/internal/protocol"
)

// DefaultConfigPath is the default location for the broker configuration file.
const DefaultConfigPath = "/etc/rmm-hald/config.yaml"

// Config holds the broker configuration loaded from the YAML config file.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// SocketPath is where the broker listens for client connections.
	// The socket's file permissions are the access-control mechanism:
	// whoever can open it can request privileged operations.
	// Default: /run/rmm-hald/hald.sock.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// SocketMode is the octal permission string applied to the socket
	// after binding (e.g. "0600" for root only, "0660" for a group).
	// Default: "0600".
	SocketMode string `koanf:"socket_mode" yaml:"socket_mode"`

	// LogLevel controls the verbosity of broker logging.
	// Valid values: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// RequestTimeout is the per-connection deadline in seconds covering
	// the read of the request and the write of the response. It does not
	// cancel an operation already handed to the OS.
	// Default: 30 seconds.
	RequestTimeout int `koanf:"request_timeout" yaml:"request_timeout"`

	// AllowedOperations restricts which operation kinds the broker will
	// execute, by name ("reboot", "mount", ...). An empty list allows
	// every operation. Requests outside the list are refused with a
	// permission-denied error before any OS interaction.
	AllowedOperations []string `koanf:"allowed_operations" yaml:"allowed_operations"`

	// JournalPath is the bbolt database recording every executed
	// operation. An empty path disables the journal.
	// Default: /var/lib/rmm-hald/journal.db.
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// JournalRetentionDays is how long journal entries are kept before
	// the scheduled prune removes them.
	// Default: 30 days.
	JournalRetentionDays int `koanf:"journal_retention_days" yaml:"journal_retention_days"`

	// JournalPruneSchedule is the cron expression for the retention
	// prune. Default: "0 3 * * *" (daily at 03:00).
	JournalPruneSchedule string `koanf:"journal_prune_schedule" yaml:"journal_prune_schedule"`

	// NATSServers is a comma-separated list of NATS server URLs. When
	// set together with NATSNKeySeed, the broker publishes one audit
	// event per executed operation. Publishing is outbound only; the
	// broker never accepts commands over NATS.
	NATSServers string `koanf:"nats_servers" yaml:"nats_servers"`

	// NATSNKeySeed is the NKey seed for NATS authentication.
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed"`

	// NATSSubject is the subject audit events are published to.
	// Default: "rmm.hal.events".
	NATSSubject string `koanf:"nats_subject" yaml:"nats_subject"`
}

// Validation errors returned by Load.
var (
	ErrSocketPathRequired    = errors.New("socket_path is required")
	ErrInvalidSocketMode     = errors.New("socket_mode must be an octal permission string like \"0600\"")
	ErrInvalidRequestTimeout = errors.New("request_timeout must be positive")
	ErrInvalidRetention      = errors.New("journal_retention_days must not be negative")
	ErrUnknownOperationName  = errors.New("allowed_operations contains an unknown operation")
)

// Load reads configuration from the specified YAML file path.
// It applies defaults for optional fields and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration the broker runs with when no config
// file exists.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = protocol.DefaultSocketPath
	}
	if c.SocketMode == "" {
		c.SocketMode = "0600"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30
	}
	if c.JournalPath == "" {
		c.JournalPath = "/var/lib/rmm-hald/journal.db"
	}
	if c.JournalRetentionDays == 0 {
		c.JournalRetentionDays = 30
	}
	if c.JournalPruneSchedule == "" {
		c.JournalPruneSchedule = "0 3 * * *"
	}
	if c.NATSSubject == "" {
		c.NATSSubject = "rmm.hal.events"
	}
}

// validate checks that configuration fields are present and usable.
func (c *Config) validate() error {
	if c.SocketPath == "" {
		return ErrSocketPathRequired
	}
	if _, err := parseMode(c.SocketMode); err != nil {
		return ErrInvalidSocketMode
	}
	if c.RequestTimeout <= 0 {
		return ErrInvalidRequestTimeout
	}
	if c.JournalRetentionDays < 0 {
		return ErrInvalidRetention
	}
	for _, name := range c.AllowedOperations {
		if _, ok := protocol.ParseOp(name); !ok {
			return fmt.Errorf("%w: %q (valid: %s)",
				ErrUnknownOperationName, name, strings.Join(operationNames(), ", "))
		}
	}
	return nil
}

// operationNames lists every name allowed_operations accepts, in tag
// order.
func operationNames() []string {
	ops := protocol.Ops()
	names := make([]string, len(ops))
	for i, op := range ops {
		names[i] = op.String()
	}
	return names
}

// SocketFileMode returns the parsed socket permission bits. The value
// has been validated by Load, so parse failures only occur on a Config
// built by hand; those fall back to owner-only.
func (c *Config) SocketFileMode() fs.FileMode {
	mode, err := parseMode(c.SocketMode)
	if err != nil {
		return 0o600
	}
	return mode
}

func parseMode(s string) (fs.FileMode, error) {
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, err
	}
	if v > 0o777 {
		return 0, fmt.Errorf("mode out of range: %s", s)
	}
	return fs.FileMode(v), nil
}

// AllowedOps returns the allow-list as a set of operation tags, or nil
// when every operation is allowed.
func (c *Config) AllowedOps() map[protocol.Op]bool {
	if len(c.AllowedOperations) == 0 {
		return nil
	}
	set := make(map[protocol.Op]bool, len(c.AllowedOperations))
	for _, name := range c.AllowedOperations {
		if op, ok := protocol.ParseOp(name); ok {
			set[op] = true
		}
	}
	return set
}

// JournalEnabled returns true if an operation journal is configured.
func (c *Config) JournalEnabled() bool {
	return c.JournalPath != ""
}

// NATSEnabled returns true if audit event publishing is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSServers != "" && c.NATSNKeySeed != ""
}

// Save writes the configuration to the specified YAML file path.
// The file is created with 0600 permissions (owner read/write only)
// because it may contain the NATS NKey seed.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}
