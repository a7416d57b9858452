// Package connection tracks, per remote host, which management protocols work
// and which credentials authenticate, so callers can pick a transport and an
// identity without repeating known failures.
package connection

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/logging"
)

// Observer is notified after a record accepts a protocol or credential report.
// Callbacks run outside every registry and record lock.
type Observer interface {
	ProtocolReported(host string, p core.Protocol, state core.ProtocolState, at time.Time)
	CredentialReported(host string, cred *core.Credential, good bool)
}

// Registry owns every connection Record in the process, keyed by normalized
// host name, plus the shared Policy records fall back on.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	policy  Policy
	obs     Observer

	clock   func() time.Time
	isLocal func(string) bool
	logger  zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Registry) { g.clock = now }
}

// WithLogger sets the logger records use for debug output.
func WithLogger(l zerolog.Logger) Option {
	return func(g *Registry) { g.logger = logging.Subsystem(l, "connection") }
}

// WithObserver registers a report observer.
func WithObserver(o Observer) Option {
	return func(g *Registry) { g.obs = o }
}

// WithPolicy sets the initial policy.
func WithPolicy(p Policy) Option {
	return func(g *Registry) { g.policy = p }
}

// WithLocalHost replaces local-machine detection.
func WithLocalHost(fn func(host string) bool) Option {
	return func(g *Registry) { g.isLocal = fn }
}

// NewRegistry creates an empty registry with DefaultPolicy unless overridden.
func NewRegistry(opts ...Option) *Registry {
	g := &Registry{
		records: make(map[string]*Record),
		policy:  DefaultPolicy(),
		clock:   time.Now,
		isLocal: IsLocalHost,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NormalizeHost folds a host name to its registry key.
func NormalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// GetOrCreate returns the record for host, creating it atomically on first
// use. A new record for the local machine starts with CimOverWinRM disabled.
func (g *Registry) GetOrCreate(host string) *Record {
	key := NormalizeHost(host)

	g.mu.RLock()
	rec, ok := g.records[key]
	g.mu.RUnlock()
	if ok {
		return rec
	}

	local := g.isLocal(key)

	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.records[key]; ok {
		return rec
	}

	rec = newRecord(key, g)
	if local {
		// WinRM to self is not a supported path.
		rec.protocols[core.ProtocolCimOverWinRM].state = core.StateDisabled
	}
	g.records[key] = rec

	g.logger.Debug().Str("host", key).Bool("local", local).Msg("connection record created")
	return rec
}

// Lookup returns the record for host without creating one.
func (g *Registry) Lookup(host string) (*Record, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rec, ok := g.records[NormalizeHost(host)]
	return rec, ok
}

// Remove drops the record for host. It reports whether one existed.
func (g *Registry) Remove(host string) bool {
	key := NormalizeHost(host)
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[key]; !ok {
		return false
	}
	delete(g.records, key)
	return true
}

// Hosts lists the keys of every record, sorted.
func (g *Registry) Hosts() []string {
	g.mu.RLock()
	hosts := make([]string, 0, len(g.records))
	for k := range g.records {
		hosts = append(hosts, k)
	}
	g.mu.RUnlock()
	sort.Strings(hosts)
	return hosts
}

// Records returns every record, sorted by host.
func (g *Registry) Records() []*Record {
	g.mu.RLock()
	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		out = append(out, rec)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].host < out[j].host })
	return out
}

// Len returns the number of records.
func (g *Registry) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.records)
}

// Restore loads snap into the record for snap.Host, creating it if needed.
func (g *Registry) Restore(snap core.RecordSnapshot) *Record {
	rec := g.GetOrCreate(snap.Host)
	rec.Restore(snap)
	return rec
}

// Policy returns a copy of the current policy.
func (g *Registry) Policy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// SetPolicy replaces the policy.
func (g *Registry) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

// UpdatePolicy applies fn to the policy under the registry lock.
func (g *Registry) UpdatePolicy(fn func(*Policy)) {
	g.mu.Lock()
	fn(&g.policy)
	g.mu.Unlock()
}

// SetObserver registers o, replacing any earlier observer.
func (g *Registry) SetObserver(o Observer) {
	g.mu.Lock()
	g.obs = o
	g.mu.Unlock()
}

func (g *Registry) observer() Observer {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.obs
}

func (g *Registry) now() time.Time {
	return g.clock()
}

// SessionPolicy reports whether remoting sessions may be cached and for how long.
func (g *Registry) SessionPolicy() (enabled bool, timeout time.Duration) {
	p := g.Policy()
	return p.SessionCacheEnabled, p.SessionCacheTimeout
}

// SessionPersistenceDisabled reports whether sessions to host must not be
// cached, honoring the host's override when a record exists.
func (g *Registry) SessionPersistenceDisabled(host string) bool {
	if rec, ok := g.Lookup(host); ok {
		return rec.Effective(FlagDisableSessionPersistence)
	}
	return g.Policy().DisableSessionPersistence
}
