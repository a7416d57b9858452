// Package session caches open remoting sessions per owning runspace and host so
// repeated commands against the same server reuse one connection.
package session

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/logging"
)

// Session is an open remoting session. Busy must not block.
type Session interface {
	Busy() bool
	Close() error
}

// Policy supplies the cache settings. *connection.Registry implements it.
type Policy interface {
	SessionPolicy() (enabled bool, timeout time.Duration)
	SessionPersistenceDisabled(host string) bool
}

// Key identifies a cached session.
type Key struct {
	Runspace uuid.UUID
	Host     string
}

func (k Key) String() string {
	return k.Runspace.String() + "/" + k.Host
}

// Entry is a cached session with its last-use time.
type Entry struct {
	Key
	Session  Session
	LastUsed time.Time
}

// Cache holds sessions keyed by (runspace, host).
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*Entry

	policy Policy
	clock  func() time.Time
	logger zerolog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.clock = now }
}

// WithLogger sets the cache logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logging.Subsystem(l, "session") }
}

// NewCache creates an empty cache governed by policy.
func NewCache(policy Policy, opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[Key]*Entry),
		policy:  policy,
		clock:   time.Now,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newKey(runspace uuid.UUID, host string) Key {
	return Key{Runspace: runspace, Host: connection.NormalizeHost(host)}
}

// Set caches s for (runspace, host). It returns false without storing when
// the cache is disabled or session persistence is off for host. A different
// session already cached under the key is closed.
func (c *Cache) Set(runspace uuid.UUID, host string, s Session) bool {
	if s == nil {
		return false
	}
	enabled, _ := c.policy.SessionPolicy()
	if !enabled || c.policy.SessionPersistenceDisabled(host) {
		return false
	}

	k := newKey(runspace, host)
	c.mu.Lock()
	prev := c.entries[k]
	c.entries[k] = &Entry{Key: k, Session: s, LastUsed: c.clock()}
	c.mu.Unlock()

	if prev != nil && prev.Session != s {
		if err := prev.Session.Close(); err != nil {
			c.logger.Warn().Err(err).Str("session", k.String()).Msg("replaced session did not close cleanly")
		}
	}
	c.logger.Debug().Str("session", k.String()).Msg("session cached")
	return true
}

// Get returns the cached session and marks it used.
func (c *Cache) Get(runspace uuid.UUID, host string) (Session, bool) {
	k := newKey(runspace, host)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	e.LastUsed = c.clock()
	return e.Session, true
}

// Remove drops the entry and hands its session back to the caller to close.
func (c *Cache) Remove(runspace uuid.UUID, host string) (Session, bool) {
	k := newKey(runspace, host)
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return nil, false
	}
	delete(c.entries, k)
	return e.Session, true
}

// RemoveRunspace drops every session owned by runspace.
func (c *Cache) RemoveRunspace(runspace uuid.UUID) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for k, e := range c.entries {
		if k.Runspace == runspace {
			out = append(out, *e)
			delete(c.entries, k)
		}
	}
	sortEntries(out)
	return out
}

// Len returns the number of cached sessions.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Entries returns a copy of every entry, oldest first.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	sortEntries(out)
	return out
}

// Expired lists idle sessions older than the timeout, oldest first.
func (c *Cache) Expired(now time.Time) []Entry {
	_, timeout := c.policy.SessionPolicy()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Entry
	for _, e := range c.entries {
		if expired(e, now, timeout) {
			out = append(out, *e)
		}
	}
	sortEntries(out)
	return out
}

// PurgeNext removes one expired entry. The caller closes the session outside
// the cache lock.
func (c *Cache) PurgeNext(now time.Time) (Entry, bool) {
	_, timeout := c.policy.SessionPolicy()
	c.mu.Lock()
	defer c.mu.Unlock()

	var oldest *Entry
	for _, e := range c.entries {
		if !expired(e, now, timeout) {
			continue
		}
		if oldest == nil || e.LastUsed.Before(oldest.LastUsed) {
			oldest = e
		}
	}
	if oldest == nil {
		return Entry{}, false
	}
	delete(c.entries, oldest.Key)
	return *oldest, true
}

// PurgeExpired removes and closes every expired session. It returns how many
// were purged and the joined close errors.
func (c *Cache) PurgeExpired(now time.Time) (int, error) {
	var (
		n    int
		errs []error
	)
	for {
		e, ok := c.PurgeNext(now)
		if !ok {
			break
		}
		n++
		if err := e.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session %s: %w", e.Key, err))
			continue
		}
		c.logger.Debug().Str("session", e.Key.String()).Time("last_used", e.LastUsed).Msg("expired session closed")
	}
	return n, errors.Join(errs...)
}

// CloseAll removes and closes every session regardless of age or busy state.
func (c *Cache) CloseAll() error {
	c.mu.Lock()
	all := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, *e)
	}
	c.entries = make(map[Key]*Entry)
	c.mu.Unlock()

	sortEntries(all)
	var errs []error
	for _, e := range all {
		if err := e.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing session %s: %w", e.Key, err))
		}
	}
	return errors.Join(errs...)
}

func expired(e *Entry, now time.Time, timeout time.Duration) bool {
	return e.LastUsed.Add(timeout).Before(now) && !e.Session.Busy()
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastUsed.Equal(entries[j].LastUsed) {
			return entries[i].LastUsed.Before(entries[j].LastUsed)
		}
		return entries[i].Key.String() < entries[j].Key.String()
	})
}
