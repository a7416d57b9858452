// Package config manages dbanative global configuration: the connection policy
// defaults, the broker endpoint and where state is kept.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/validation"
)

const (
	ConfigDirName   = ".dbanative"
	ConfigFileName  = "config.json"
	DefaultLogLevel = "info"

	// EnvPrefix prefixes every environment override, e.g. DBANATIVE_LOG_LEVEL.
	EnvPrefix = "DBANATIVE"
)

// Duration is a time.Duration that reads and writes as "15m" in every format.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// GlobalConfig holds user-level configuration.
type GlobalConfig struct {
	LogLevel   string           `json:"log_level" yaml:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=trace debug info warn error fatal panic disabled"`
	StateDir   string           `json:"state_dir" yaml:"state_dir" envconfig:"STATE_DIR" validate:"required"`
	SecretMode string           `json:"secret_mode" yaml:"secret_mode" envconfig:"SECRET_MODE" validate:"oneof=vault memory_only"`
	Broker     BrokerConfig     `json:"broker" yaml:"broker" envconfig:"BROKER"`
	Connection ConnectionConfig `json:"connection" yaml:"connection" envconfig:"CONNECTION"`
}

// BrokerConfig holds the local broker endpoint and its housekeeping cadence.
type BrokerConfig struct {
	Network       string   `json:"network" yaml:"network" envconfig:"NETWORK" validate:"oneof=unix tcp"`
	Address       string   `json:"address" yaml:"address" envconfig:"ADDRESS" validate:"required"`
	PurgeInterval Duration `json:"purge_interval" yaml:"purge_interval" envconfig:"PURGE_INTERVAL" validate:"gte=0"`
	FlushInterval Duration `json:"flush_interval" yaml:"flush_interval" envconfig:"FLUSH_INTERVAL" validate:"gte=0"`
}

// ConnectionConfig mirrors connection.Policy in a serializable form.
type ConnectionConfig struct {
	BadConnectionTimeout          Duration `json:"bad_connection_timeout" yaml:"bad_connection_timeout" envconfig:"BAD_CONNECTION_TIMEOUT" validate:"gte=0"`
	DisabledProtocols             []string `json:"disabled_protocols" yaml:"disabled_protocols" envconfig:"DISABLED_PROTOCOLS" validate:"dive,protocol"`
	DisableBadCredentialCache     bool     `json:"disable_bad_credential_cache" yaml:"disable_bad_credential_cache" envconfig:"DISABLE_BAD_CREDENTIAL_CACHE"`
	DisableCredentialAutoRegister bool     `json:"disable_credential_auto_register" yaml:"disable_credential_auto_register" envconfig:"DISABLE_CREDENTIAL_AUTO_REGISTER"`
	OverrideExplicitCredential    bool     `json:"override_explicit_credential" yaml:"override_explicit_credential" envconfig:"OVERRIDE_EXPLICIT_CREDENTIAL"`
	EnableCredentialFailover      bool     `json:"enable_credential_failover" yaml:"enable_credential_failover" envconfig:"ENABLE_CREDENTIAL_FAILOVER"`
	DisableSessionPersistence     bool     `json:"disable_session_persistence" yaml:"disable_session_persistence" envconfig:"DISABLE_SESSION_PERSISTENCE"`
	SessionCacheEnabled           bool     `json:"session_cache_enabled" yaml:"session_cache_enabled" envconfig:"SESSION_CACHE_ENABLED"`
	SessionCacheTimeout           Duration `json:"session_cache_timeout" yaml:"session_cache_timeout" envconfig:"SESSION_CACHE_TIMEOUT" validate:"gte=0"`
}

// DefaultGlobalConfig returns sensible defaults.
func DefaultGlobalConfig() GlobalConfig {
	dir := ConfigDir()
	return GlobalConfig{
		LogLevel:   DefaultLogLevel,
		StateDir:   dir,
		SecretMode: "vault",
		Broker: BrokerConfig{
			Network:       "unix",
			Address:       filepath.Join(dir, "broker.sock"),
			PurgeInterval: Duration(30 * time.Second),
			FlushInterval: Duration(time.Minute),
		},
		Connection: DefaultConnectionConfig(),
	}
}

// DefaultConnectionConfig matches connection.DefaultPolicy.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		BadConnectionTimeout: Duration(connection.DefaultBadConnectionTimeout),
		SessionCacheEnabled:  true,
		SessionCacheTimeout:  Duration(connection.DefaultSessionCacheTimeout),
	}
}

// Policy converts the configuration into the registry policy.
func (c ConnectionConfig) Policy() (connection.Policy, error) {
	p := connection.Policy{
		BadConnectionTimeout:          time.Duration(c.BadConnectionTimeout),
		DisableBadCredentialCache:     c.DisableBadCredentialCache,
		DisableCredentialAutoRegister: c.DisableCredentialAutoRegister,
		OverrideExplicitCredential:    c.OverrideExplicitCredential,
		EnableCredentialFailover:      c.EnableCredentialFailover,
		DisableSessionPersistence:     c.DisableSessionPersistence,
		SessionCacheEnabled:           c.SessionCacheEnabled,
		SessionCacheTimeout:           time.Duration(c.SessionCacheTimeout),
	}
	for _, name := range c.DisabledProtocols {
		proto, err := core.ParseProtocol(name)
		if err != nil {
			return connection.Policy{}, fmt.Errorf("disabled_protocols: %w", err)
		}
		p.DisableProtocol(proto)
	}
	return p, nil
}

// FromPolicy is the inverse of ConnectionConfig.Policy.
func FromPolicy(p connection.Policy) ConnectionConfig {
	c := ConnectionConfig{
		BadConnectionTimeout:          Duration(p.BadConnectionTimeout),
		DisableBadCredentialCache:     p.DisableBadCredentialCache,
		DisableCredentialAutoRegister: p.DisableCredentialAutoRegister,
		OverrideExplicitCredential:    p.OverrideExplicitCredential,
		EnableCredentialFailover:      p.EnableCredentialFailover,
		DisableSessionPersistence:     p.DisableSessionPersistence,
		SessionCacheEnabled:           p.SessionCacheEnabled,
		SessionCacheTimeout:           Duration(p.SessionCacheTimeout),
	}
	for _, proto := range core.AllProtocols {
		if p.IsProtocolDisabled(proto) {
			c.DisabledProtocols = append(c.DisabledProtocols, proto.String())
		}
	}
	return c
}

// Validate checks every field constraint.
func (c GlobalConfig) Validate() error {
	return validation.Struct(c)
}

// ConfigDir returns the global dbanative config directory path.
func ConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ConfigDirName)
}

// DefaultPath returns ~/.dbanative/config.json.
func DefaultPath() string {
	return filepath.Join(ConfigDir(), ConfigFileName)
}

// LoadGlobalConfig loads the global config from ~/.dbanative/config.json.
func LoadGlobalConfig() (GlobalConfig, error) {
	return Load(DefaultPath())
}

// Load reads path over the defaults, applies DBANATIVE_* environment
// overrides and validates the result. A missing file yields the defaults.
// Paths ending in .yaml or .yml are parsed as YAML, everything else as JSON.
func Load(path string) (GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := unmarshal(path, data, &cfg); err != nil {
			return GlobalConfig{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
	default:
		return GlobalConfig{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return GlobalConfig{}, fmt.Errorf("applying %s_* environment: %w", EnvPrefix, err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return GlobalConfig{}, err
	}
	return cfg, nil
}

// SaveGlobalConfig persists the global config to ~/.dbanative/config.json.
func SaveGlobalConfig(cfg GlobalConfig) error {
	return Save(DefaultPath(), cfg)
}

// Save writes cfg to path in the format its extension implies.
func Save(path string, cfg GlobalConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	data, err := marshal(path, cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func unmarshal(path string, data []byte, cfg *GlobalConfig) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, cfg)
	}
	return json.Unmarshal(data, cfg)
}

func marshal(path string, cfg GlobalConfig) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(cfg)
	}
	return json.MarshalIndent(cfg, "", "  ")
}

// YAML renders cfg for display.
func (c GlobalConfig) YAML() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
