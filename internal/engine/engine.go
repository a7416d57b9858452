// Package engine wires the dbanative subsystems together: state and audit
// databases, the credential vault, the connection registry with its persisted
// state, credential profiles and the session cache.
package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbanative/dbanative/internal/audit"
	"github.com/dbanative/dbanative/internal/config"
	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/db"
	"github.com/dbanative/dbanative/internal/identity"
	"github.com/dbanative/dbanative/internal/logging"
	"github.com/dbanative/dbanative/internal/session"
	"github.com/dbanative/dbanative/internal/store"
	"github.com/dbanative/dbanative/internal/vault"
)

// SecretModeMemoryOnly keeps credentials in memory for the life of the process.
const SecretModeMemoryOnly = "memory_only"

var (
	// ErrNotInitialized is returned by Open when the state directory has no vault.
	ErrNotInitialized = errors.New("state directory is not initialized; run dbanative init")

	// ErrAlreadyInitialized is returned by Init when a vault already exists.
	ErrAlreadyInitialized = errors.New("state directory is already initialized")
)

// Engine is the central coordinator for all dbanative subsystems.
type Engine struct {
	Config   config.GlobalConfig
	RunID    string
	StateDB  *sql.DB
	AuditDB  *sql.DB
	Vault    *vault.Vault
	Audit    *audit.Logger
	Logger   zerolog.Logger
	Registry *connection.Registry
	Store    *store.Store
	Profiles *identity.Manager
	Sessions *session.Cache

	// policyMu serializes changes to Config.Connection and the registry policy.
	policyMu sync.Mutex
	clock    func() time.Time
	loaded   bool
}

type options struct {
	logger    *zerolog.Logger
	clock     func() time.Time
	localHost func(string) bool
}

// Option adjusts how an Engine is built.
type Option func(*options)

// WithLogger replaces the console logger built from the config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithClock replaces time.Now in the registry and session cache.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithLocalHost replaces local machine detection in the registry.
func WithLocalHost(fn func(string) bool) Option {
	return func(o *options) { o.localHost = fn }
}

// VaultPath returns the vault file location for cfg.
func VaultPath(cfg config.GlobalConfig) string {
	return filepath.Join(cfg.StateDir, vault.VaultFileName)
}

// Init creates a fresh state directory with an empty vault and returns an open
// engine over it.
func Init(cfg config.GlobalConfig, passphrase string, opts ...Option) (*Engine, error) {
	if err := db.EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	if cfg.SecretMode != SecretModeMemoryOnly && vault.Exists(VaultPath(cfg)) {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInitialized, cfg.StateDir)
	}
	return build(cfg, passphrase, true, opts)
}

// Open unlocks an initialized state directory and restores the connection
// records saved by earlier runs.
func Open(cfg config.GlobalConfig, passphrase string, opts ...Option) (*Engine, error) {
	if cfg.SecretMode != SecretModeMemoryOnly && !vault.Exists(VaultPath(cfg)) {
		return nil, ErrNotInitialized
	}
	if err := db.EnsureStateDir(cfg.StateDir); err != nil {
		return nil, err
	}
	return build(cfg, passphrase, false, opts)
}

func build(cfg config.GlobalConfig, passphrase string, create bool, opts []Option) (*Engine, error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	policy, err := cfg.Connection.Policy()
	if err != nil {
		return nil, fmt.Errorf("loading connection policy: %w", err)
	}

	runID := uuid.New().String()
	logger := logging.NewLogger(cfg.LogLevel, runID)
	if o.logger != nil {
		logger = *o.logger
	}

	e := &Engine{Config: cfg, RunID: runID, Logger: logger, clock: o.clock}

	e.StateDB, err = db.OpenStateDB(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}

	e.AuditDB, err = db.OpenAuditDB(cfg.StateDir)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	switch {
	case cfg.SecretMode == SecretModeMemoryOnly:
		e.Vault, err = vault.CreateMemoryOnly(passphrase)
	case create:
		e.Vault, err = vault.Create(VaultPath(cfg), passphrase)
	default:
		e.Vault, err = vault.Open(VaultPath(cfg), passphrase)
	}
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("opening vault: %w", err)
	}

	e.Audit, err = audit.NewLogger(e.AuditDB, runID)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("creating audit logger: %w", err)
	}
	e.Audit.SetLogger(logger)

	regOpts := []connection.Option{
		connection.WithPolicy(policy),
		connection.WithLogger(logger),
		connection.WithClock(o.clock),
	}
	if o.localHost != nil {
		regOpts = append(regOpts, connection.WithLocalHost(o.localHost))
	}
	e.Registry = connection.NewRegistry(regOpts...)

	// A memory-only vault does not outlive the process, so only identities persist.
	persistVault := e.Vault
	if cfg.SecretMode == SecretModeMemoryOnly {
		persistVault = nil
	}
	e.Store = store.NewStore(e.StateDB, persistVault, logger)

	n, err := e.Store.LoadInto(e.Registry)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("loading connection state: %w", err)
	}

	// Attached after loading so restored state is not re-audited.
	e.Registry.SetObserver(e.Audit)

	e.Profiles = identity.NewManager(e.StateDB, e.Vault, e.Audit)
	e.Sessions = session.NewCache(e.Registry,
		session.WithLogger(logger),
		session.WithClock(o.clock),
	)

	e.loaded = true
	logger.Debug().
		Str("state_dir", cfg.StateDir).
		Str("secret_mode", cfg.SecretMode).
		Int("records", n).
		Msg("engine opened")

	return e, nil
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.clock()
}

// Save persists every connection record.
func (e *Engine) Save() error {
	if _, err := e.Store.SaveAll(e.Registry); err != nil {
		return fmt.Errorf("saving connection state: %w", err)
	}
	return nil
}

// SetPolicy replaces the registry policy, records the change in the audit log
// and returns the previous policy.
func (e *Engine) SetPolicy(cc config.ConnectionConfig) (connection.Policy, error) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()
	return e.setPolicy(cc)
}

// SetPolicyKey applies one config key to the live connection policy and
// returns the resulting connection config.
func (e *Engine) SetPolicyKey(key, value string) (config.ConnectionConfig, error) {
	e.policyMu.Lock()
	defer e.policyMu.Unlock()

	cfg := e.Config
	if err := cfg.Set(key, value); err != nil {
		return config.ConnectionConfig{}, err
	}
	if _, err := e.setPolicy(cfg.Connection); err != nil {
		return config.ConnectionConfig{}, err
	}
	return e.Config.Connection, nil
}

func (e *Engine) setPolicy(cc config.ConnectionConfig) (connection.Policy, error) {
	p, err := cc.Policy()
	if err != nil {
		return connection.Policy{}, err
	}
	prev := e.Registry.Policy()
	e.Registry.SetPolicy(p)
	e.Config.Connection = config.FromPolicy(p)

	if err := e.Audit.Log(audit.EventPolicyChanged, "", e.Config.Connection); err != nil {
		e.Logger.Warn().Err(err).Msg("policy change not audited")
	}
	return prev, nil
}

// PurgeSessions closes every expired cached session.
func (e *Engine) PurgeSessions(now time.Time) (int, error) {
	n, err := e.Sessions.PurgeExpired(now)
	if n > 0 {
		e.Audit.Log(audit.EventSessionsPurged, "", map[string]int{"count": n})
	}
	return n, err
}

// Close persists state, drops cached sessions and releases every resource.
// It returns the first error encountered. State is only saved once it was
// loaded, so a failed open never overwrites what is on disk.
func (e *Engine) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if e.Sessions != nil {
		keep(e.Sessions.CloseAll())
	}
	if e.loaded {
		keep(e.Save())
	}
	if e.Vault != nil {
		keep(e.Vault.Close())
	}
	if e.StateDB != nil {
		keep(e.StateDB.Close())
	}
	if e.AuditDB != nil {
		keep(e.AuditDB.Close())
	}
	return firstErr
}
