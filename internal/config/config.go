// ABOUTME: Configuration loading and parsing for coven-courier
// ABOUTME: YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-courier/internal/scoring"
)

// Config represents the complete coven-courier configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Tasks     TasksConfig     `yaml:"tasks" toml:"tasks"`
	Events    EventsConfig    `yaml:"events" toml:"events"`
	Mailwatch MailwatchConfig `yaml:"mailwatch" toml:"mailwatch"`
	Scoring   ScoringConfig   `yaml:"scoring" toml:"scoring"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve HTTP over the tailnet's TLS certs on :443
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres connection string
}

// AuthConfig holds identity configuration. Without a secret the X-Agent-ID
// header is trusted.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// TasksConfig holds RPC timing.
type TasksConfig struct {
	RPCPollInterval   time.Duration `yaml:"-" toml:"-"`
	RPCMinTimeout     time.Duration `yaml:"-" toml:"-"`
	RPCMaxTimeout     time.Duration `yaml:"-" toml:"-"`
	RPCDefaultTimeout time.Duration `yaml:"-" toml:"-"`
	NotifyTimeout     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RPCPollIntervalRaw   string `yaml:"rpc_poll_interval,omitempty" toml:"rpc_poll_interval,omitempty"`
	RPCMinTimeoutRaw     string `yaml:"rpc_min_timeout,omitempty" toml:"rpc_min_timeout,omitempty"`
	RPCMaxTimeoutRaw     string `yaml:"rpc_max_timeout,omitempty" toml:"rpc_max_timeout,omitempty"`
	RPCDefaultTimeoutRaw string `yaml:"rpc_default_timeout,omitempty" toml:"rpc_default_timeout,omitempty"`
	NotifyTimeoutRaw     string `yaml:"notify_timeout,omitempty" toml:"notify_timeout,omitempty"`
}

// EventsConfig holds event stream limits and timing.
type EventsConfig struct {
	MaxConnectionsPerAgent int           `yaml:"max_connections_per_agent" toml:"max_connections_per_agent"`
	BufferSize             int           `yaml:"buffer_size" toml:"buffer_size"`
	HeartbeatInterval      time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval,omitempty" toml:"heartbeat_interval,omitempty"`
}

// MailwatchConfig holds mailbox watcher timing.
type MailwatchConfig struct {
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" toml:"max_reconnect_attempts"`
	PollInterval         time.Duration `yaml:"-" toml:"-"`
	ReconnectBackoff     time.Duration `yaml:"-" toml:"-"`
	DedupeTTL            time.Duration `yaml:"-" toml:"-"`

	PollIntervalRaw     string `yaml:"poll_interval,omitempty" toml:"poll_interval,omitempty"`
	ReconnectBackoffRaw string `yaml:"reconnect_backoff,omitempty" toml:"reconnect_backoff,omitempty"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl,omitempty" toml:"dedupe_ttl,omitempty"`
}

// ScoringConfig configures the spam scorer and mail rules.
type ScoringConfig struct {
	SpamThreshold    float64            `yaml:"spam_threshold" toml:"spam_threshold"`
	WarningThreshold float64            `yaml:"warning_threshold" toml:"warning_threshold"`
	Keywords         map[string]float64 `yaml:"keywords,omitempty" toml:"keywords,omitempty"`
	Rules            []scoring.Rule     `yaml:"rules,omitempty" toml:"rules,omitempty"`
}

// NotifyConfig configures the fallback notification channels.
type NotifyConfig struct {
	Mail   MailNotifyConfig   `yaml:"mail" toml:"mail"`
	Matrix MatrixNotifyConfig `yaml:"matrix" toml:"matrix"`
}

// MailNotifyConfig drops RPC notices into the target's mailbox.
type MailNotifyConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	From    string `yaml:"from" toml:"from"`
}

// MatrixNotifyConfig posts RPC notices to Matrix rooms.
type MatrixNotifyConfig struct {
	Enabled     bool              `yaml:"enabled" toml:"enabled"`
	Homeserver  string            `yaml:"homeserver" toml:"homeserver"`
	UserID      string            `yaml:"user_id" toml:"user_id"`
	AccessToken string            `yaml:"access_token" toml:"access_token"`
	DefaultRoom string            `yaml:"default_room" toml:"default_room"`
	Rooms       map[string]string `yaml:"rooms,omitempty" toml:"rooms,omitempty"` // agent ID -> room ID
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string        `yaml:"level" toml:"level"`
	Format string        `yaml:"format" toml:"format"`
	File   LogFileConfig `yaml:"file" toml:"file"`
}

// LogFileConfig enables rotating file output alongside stdout.
type LogFileConfig struct {
	Path       string `yaml:"path" toml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// Default returns a configuration with every field set to its default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCAddr: "localhost:50051",
			HTTPAddr: "localhost:8080",
		},
		Tailscale: TailscaleConfig{Hostname: "coven-courier"},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "coven-courier.db",
		},
		Tasks: TasksConfig{
			RPCPollInterval:   2 * time.Second,
			RPCMinTimeout:     5 * time.Second,
			RPCMaxTimeout:     300 * time.Second,
			RPCDefaultTimeout: 60 * time.Second,
			NotifyTimeout:     10 * time.Second,
		},
		Events: EventsConfig{
			MaxConnectionsPerAgent: 5,
			BufferSize:             64,
			HeartbeatInterval:      30 * time.Second,
		},
		Mailwatch: MailwatchConfig{
			MaxReconnectAttempts: 5,
			PollInterval:         5 * time.Second,
			ReconnectBackoff:     time.Second,
			DedupeTTL:            10 * time.Minute,
		},
		Scoring: ScoringConfig{
			SpamThreshold:    5,
			WarningThreshold: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 3,
				MaxAgeDays: 28,
			},
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML. Unset
// fields keep their Default values. Environment variables in the format
// ${VAR_NAME} are expanded before decoding.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(expandEnvVars(string(data)), isTOML(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes already-expanded configuration text.
func Parse(text string, asTOML bool) (*Config, error) {
	cfg := Default()
	if asTOML {
		if _, err := toml.Decode(text, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Write encodes the configuration to path, choosing the format by extension.
func (c *Config) Write(path string) error {
	out := *c
	out.syncRaw()

	var buf bytes.Buffer
	if isTOML(path) {
		if err := toml.NewEncoder(&buf).Encode(out); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
	} else {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return fmt.Errorf("encoding config: %w", err)
		}
		_ = enc.Close()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// 0600: the file may hold the JWT secret and Matrix token.
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server addresses are required unless Tailscale is enabled
	if !c.Tailscale.Enabled {
		if c.Server.GRPCAddr == "" {
			return fmt.Errorf("server.grpc_addr is required (or enable tailscale)")
		}
		if c.Server.HTTPAddr == "" {
			return fmt.Errorf("server.http_addr is required (or enable tailscale)")
		}
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case "", "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, postgres)", c.Database.Driver)
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	t := c.Tasks
	if t.RPCPollInterval <= 0 {
		return fmt.Errorf("tasks.rpc_poll_interval must be positive")
	}
	if t.RPCMinTimeout <= 0 || t.RPCMaxTimeout < t.RPCMinTimeout {
		return fmt.Errorf("tasks.rpc_min_timeout must be positive and not exceed tasks.rpc_max_timeout")
	}
	if t.RPCDefaultTimeout < t.RPCMinTimeout || t.RPCDefaultTimeout > t.RPCMaxTimeout {
		return fmt.Errorf("tasks.rpc_default_timeout must lie within [rpc_min_timeout, rpc_max_timeout]")
	}

	if c.Events.MaxConnectionsPerAgent < 1 {
		return fmt.Errorf("events.max_connections_per_agent must be at least 1")
	}
	if c.Events.HeartbeatInterval <= 0 {
		return fmt.Errorf("events.heartbeat_interval must be positive")
	}
	if c.Mailwatch.PollInterval <= 0 {
		return fmt.Errorf("mailwatch.poll_interval must be positive")
	}

	if c.Scoring.WarningThreshold > c.Scoring.SpamThreshold {
		return fmt.Errorf("scoring.warning_threshold must not exceed scoring.spam_threshold")
	}
	for i, r := range c.Scoring.Rules {
		if r.ID == "" {
			return fmt.Errorf("scoring.rules[%d].id is required", i)
		}
	}

	if m := c.Notify.Matrix; m.Enabled {
		if m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" {
			return fmt.Errorf("notify.matrix requires homeserver, user_id and access_token")
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is invalid (debug, info, warn, error)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is invalid (text, json)", c.Logging.Format)
	}

	return nil
}

type durationField struct {
	name string
	raw  *string
	dst  *time.Duration
}

func (c *Config) durationFields() []durationField {
	return []durationField{
		{"tasks.rpc_poll_interval", &c.Tasks.RPCPollIntervalRaw, &c.Tasks.RPCPollInterval},
		{"tasks.rpc_min_timeout", &c.Tasks.RPCMinTimeoutRaw, &c.Tasks.RPCMinTimeout},
		{"tasks.rpc_max_timeout", &c.Tasks.RPCMaxTimeoutRaw, &c.Tasks.RPCMaxTimeout},
		{"tasks.rpc_default_timeout", &c.Tasks.RPCDefaultTimeoutRaw, &c.Tasks.RPCDefaultTimeout},
		{"tasks.notify_timeout", &c.Tasks.NotifyTimeoutRaw, &c.Tasks.NotifyTimeout},
		{"events.heartbeat_interval", &c.Events.HeartbeatIntervalRaw, &c.Events.HeartbeatInterval},
		{"mailwatch.poll_interval", &c.Mailwatch.PollIntervalRaw, &c.Mailwatch.PollInterval},
		{"mailwatch.reconnect_backoff", &c.Mailwatch.ReconnectBackoffRaw, &c.Mailwatch.ReconnectBackoff},
		{"mailwatch.dedupe_ttl", &c.Mailwatch.DedupeTTLRaw, &c.Mailwatch.DedupeTTL},
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	for _, f := range cfg.durationFields() {
		if *f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(*f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, *f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// syncRaw writes the parsed durations back into their raw strings.
func (c *Config) syncRaw() {
	for _, f := range c.durationFields() {
		*f.raw = f.dst.String()
	}
}
