package connection

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dbanative/dbanative/internal/core"
)

type protocolEntry struct {
	state       core.ProtocolState
	lastAttempt time.Time
}

// Record is the per-host connection state: the last outcome of every
// management protocol plus the credential cache and policy overrides.
// A Record is created by Registry.GetOrCreate and lives for the lifetime of
// the registry.
type Record struct {
	mu       sync.Mutex
	host     string
	registry *Registry

	protocols [core.ProtocolCount]protocolEntry

	goodCredential *core.Credential
	ambientGood    bool
	ambientBad     bool
	badCredentials []core.Credential

	overrides                  [flagCount]core.Override
	overridesGlobalDisablement bool
}

func newRecord(host string, g *Registry) *Record {
	return &Record{host: host, registry: g}
}

// Host returns the normalized host key.
func (r *Record) Host() string {
	return r.host
}

// --- Protocol selection ---

type selectionPass func(e protocolEntry) bool

// NextProtocol picks the protocol to attempt next. Protocols known to work win,
// then never-tried protocols, then failed protocols whose retry timeout has
// elapsed (or any failed protocol when forceRetry is set). Protocols in
// excluded, disabled on this record, or disabled globally (unless this record
// overrides global disablement) are never returned.
func (r *Record) NextProtocol(excluded []core.Protocol, forceRetry bool) (core.Protocol, error) {
	ordered, reason := r.selectProtocols(excluded, forceRetry, true)
	if len(ordered) == 0 {
		return 0, &ProtocolError{Host: r.host, Reason: reason}
	}
	return ordered[0], nil
}

// OrderedProtocols returns every eligible protocol in selection order.
func (r *Record) OrderedProtocols(excluded []core.Protocol, forceRetry bool) []core.Protocol {
	ordered, _ := r.selectProtocols(excluded, forceRetry, false)
	return ordered
}

func (r *Record) selectProtocols(excluded []core.Protocol, forceRetry, firstOnly bool) ([]core.Protocol, string) {
	pol := r.registry.Policy()
	now := r.registry.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	blocked := r.blockedLocked(pol, excluded)

	passes := [...]selectionPass{
		func(e protocolEntry) bool { return e.state == core.StateSuccess },
		func(e protocolEntry) bool { return e.state == core.StateUnknown },
		func(e protocolEntry) bool {
			if e.state != core.StateError {
				return false
			}
			return forceRetry || e.lastAttempt.Add(pol.BadConnectionTimeout).Before(now)
		},
	}

	var ordered []core.Protocol
	for _, pass := range passes {
		for _, p := range core.AllProtocols {
			if blocked[p] || !pass(r.protocols[p]) {
				continue
			}
			ordered = append(ordered, p)
			if firstOnly {
				return ordered, ""
			}
		}
	}
	if len(ordered) > 0 {
		return ordered, ""
	}

	waiting := 0
	for _, p := range core.AllProtocols {
		if !blocked[p] && r.protocols[p].state == core.StateError {
			waiting++
		}
	}
	if waiting == 0 {
		return nil, "every protocol is excluded or disabled"
	}
	return nil, fmt.Sprintf("%d protocol(s) failed within the last %s", waiting, pol.BadConnectionTimeout)
}

func (r *Record) blockedLocked(pol Policy, excluded []core.Protocol) [core.ProtocolCount]bool {
	var blocked [core.ProtocolCount]bool
	for _, p := range excluded {
		if p.Valid() {
			blocked[p] = true
		}
	}
	for _, p := range core.AllProtocols {
		if r.protocols[p].state == core.StateDisabled {
			blocked[p] = true
		}
		if !r.overridesGlobalDisablement && pol.IsProtocolDisabled(p) {
			blocked[p] = true
		}
	}
	return blocked
}

// ReportSuccess records a successful attempt over p.
func (r *Record) ReportSuccess(p core.Protocol) {
	r.report(p, core.StateSuccess)
}

// ReportFailure records a failed attempt over p.
func (r *Record) ReportFailure(p core.Protocol) {
	r.report(p, core.StateError)
}

func (r *Record) report(p core.Protocol, state core.ProtocolState) {
	if !p.Valid() {
		return
	}
	now := r.registry.now()

	r.mu.Lock()
	entry := &r.protocols[p]
	entry.lastAttempt = now
	// Disabled only leaves through Enable.
	if entry.state != core.StateDisabled {
		entry.state = state
	}
	recorded := entry.state
	r.mu.Unlock()

	r.registry.logger.Debug().
		Str("host", r.host).
		Stringer("protocol", p).
		Stringer("state", recorded).
		Msg("protocol attempt reported")

	if obs := r.registry.observer(); obs != nil {
		obs.ProtocolReported(r.host, p, recorded, now)
	}
}

// State returns the current state and last attempt time of p.
func (r *Record) State(p core.Protocol) (core.ProtocolState, time.Time) {
	if !p.Valid() {
		return core.StateUnknown, time.Time{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.protocols[p]
	return e.state, e.lastAttempt
}

// Disable forbids p on this host until Enable is called.
func (r *Record) Disable(p core.Protocol) {
	if !p.Valid() {
		return
	}
	r.mu.Lock()
	r.protocols[p].state = core.StateDisabled
	r.mu.Unlock()
}

// Enable moves a disabled protocol back to unknown. Other states are untouched.
func (r *Record) Enable(p core.Protocol) {
	if !p.Valid() {
		return
	}
	r.mu.Lock()
	if r.protocols[p].state == core.StateDisabled {
		r.protocols[p] = protocolEntry{state: core.StateUnknown}
	}
	r.mu.Unlock()
}

// Reset forgets every attempt outcome. Disabled protocols stay disabled.
func (r *Record) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.protocols {
		if r.protocols[i].state != core.StateDisabled {
			r.protocols[i] = protocolEntry{state: core.StateUnknown}
		}
	}
}

// --- Policy overrides ---

// SetOverride sets a per-record override flag.
func (r *Record) SetOverride(f Flag, v core.Override) {
	if f < 0 || f >= flagCount {
		return
	}
	r.mu.Lock()
	r.overrides[f] = v
	r.mu.Unlock()
}

// Override returns the raw (unresolved) value of a per-record flag.
func (r *Record) Override(f Flag) core.Override {
	if f < 0 || f >= flagCount {
		return core.Inherit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overrides[f]
}

// Effective resolves a flag against the registry policy.
func (r *Record) Effective(f Flag) bool {
	pol := r.registry.Policy()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.effectiveLocked(pol, f)
}

func (r *Record) effectiveLocked(pol Policy, f Flag) bool {
	return r.overrides[f].Resolve(pol.global(f))
}

// SetOverridesGlobalDisablement makes this record ignore globally disabled protocols.
func (r *Record) SetOverridesGlobalDisablement(v bool) {
	r.mu.Lock()
	r.overridesGlobalDisablement = v
	r.mu.Unlock()
}

// OverridesGlobalDisablement reports whether global protocol disablement is ignored.
func (r *Record) OverridesGlobalDisablement() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overridesGlobalDisablement
}

// --- Credential cache ---

// Credential resolves which identity to connect with. A nil explicit
// credential asks for the ambient identity; a nil result means "use the
// ambient identity". The returned error matches ErrAuthenticationPolicy when
// the cache knows the attempt cannot succeed.
func (r *Record) Credential(explicit *core.Credential) (*core.Credential, error) {
	pol := r.registry.Policy()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.effectiveLocked(pol, FlagOverrideExplicitCredential) && (r.goodCredential != nil || r.ambientGood) {
		return r.goodCredential.Clone(), nil
	}

	failover := r.effectiveLocked(pol, FlagEnableCredentialFailover)

	if explicit == nil {
		if !r.ambientBad {
			return nil, nil
		}
		if failover && r.goodCredential != nil {
			return r.goodCredential.Clone(), nil
		}
		return nil, &AuthPolicyError{
			Host:     r.host,
			Identity: explicit.Identity(),
			Reason:   "ambient identity is known bad and no fallback credential is available",
		}
	}

	if r.effectiveLocked(pol, FlagDisableBadCredentialCache) || !r.isBadLocked(explicit) {
		return explicit, nil
	}

	if !failover {
		return nil, &AuthPolicyError{
			Host:     r.host,
			Identity: explicit.Identity(),
			Reason:   "credential is known bad",
		}
	}
	if r.goodCredential == nil {
		return nil, &AuthPolicyError{
			Host:     r.host,
			Identity: explicit.Identity(),
			Reason:   "credential failover is enabled but no working credential is cached",
		}
	}
	return r.goodCredential.Clone(), nil
}

// AddBadCredential records that c failed to authenticate. A nil c marks the
// ambient identity as bad. No-op when the bad-credential cache is disabled.
func (r *Record) AddBadCredential(c *core.Credential) {
	pol := r.registry.Policy()

	r.mu.Lock()
	if r.effectiveLocked(pol, FlagDisableBadCredentialCache) {
		r.mu.Unlock()
		return
	}
	if c == nil {
		r.ambientBad = true
		r.ambientGood = false
	} else {
		if r.goodCredential.Matches(c) {
			r.goodCredential = nil
		}
		if !r.isBadLocked(c) {
			r.badCredentials = append(r.badCredentials, *c)
		}
	}
	r.mu.Unlock()

	r.registry.logger.Debug().
		Str("host", r.host).
		Str("user", c.Identity()).
		Msg("credential marked bad")

	if obs := r.registry.observer(); obs != nil {
		obs.CredentialReported(r.host, c, false)
	}
}

// AddGoodCredential records that c authenticated. A nil c marks the ambient
// identity as usable; it does not clear an earlier bad marking of the ambient
// identity. No-op when credential auto-registration is disabled.
func (r *Record) AddGoodCredential(c *core.Credential) {
	pol := r.registry.Policy()

	r.mu.Lock()
	if r.effectiveLocked(pol, FlagDisableCredentialAutoRegister) {
		r.mu.Unlock()
		return
	}
	r.goodCredential = c.Clone()
	if c == nil {
		r.ambientGood = true
	}
	r.mu.Unlock()

	r.registry.logger.Debug().
		Str("host", r.host).
		Str("user", c.Identity()).
		Msg("credential registered as good")

	if obs := r.registry.observer(); obs != nil {
		obs.CredentialReported(r.host, c, true)
	}
}

// IsBadCredential reports whether c is known not to authenticate.
func (r *Record) IsBadCredential(c *core.Credential) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c == nil {
		return r.ambientBad
	}
	return r.isBadLocked(c)
}

// RemoveBadCredential forgets every bad entry matching c. No-op for nil.
func (r *Record) RemoveBadCredential(c *core.Credential) {
	if c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.badCredentials[:0]
	for i := range r.badCredentials {
		if !r.badCredentials[i].Matches(c) {
			kept = append(kept, r.badCredentials[i])
		}
	}
	clear(r.badCredentials[len(kept):])
	r.badCredentials = kept
}

// ClearCredentials drops the whole credential cache for this host.
func (r *Record) ClearCredentials() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goodCredential = nil
	r.ambientGood = false
	r.ambientBad = false
	r.badCredentials = nil
}

func (r *Record) isBadLocked(c *core.Credential) bool {
	for i := range r.badCredentials {
		if r.badCredentials[i].Matches(c) {
			return true
		}
	}
	return false
}

// BadCredentials lists the user names of known-bad credentials, without secrets.
func (r *Record) BadCredentials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.badCredentials))
	for _, c := range r.badCredentials {
		out = append(out, c.UserName)
	}
	return out
}

// GoodIdentity returns the user name of the cached working credential, or ""
// when none is cached.
func (r *Record) GoodIdentity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.goodCredential == nil {
		return ""
	}
	return r.goodCredential.UserName
}

// AmbientIdentity reports the (good, bad) markings of the ambient identity.
func (r *Record) AmbientIdentity() (good, bad bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ambientGood, r.ambientBad
}

// --- Snapshots ---

// Snapshot returns a deep copy of the record's state, secrets included.
func (r *Record) Snapshot() core.RecordSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := core.RecordSnapshot{
		Host:                       r.host,
		GoodCredential:             r.goodCredential.Clone(),
		AmbientIdentityGood:        r.ambientGood,
		AmbientIdentityBad:         r.ambientBad,
		DisableBadCredentialCache:  r.overrides[FlagDisableBadCredentialCache],
		DisableCredentialAutoReg:   r.overrides[FlagDisableCredentialAutoRegister],
		OverrideExplicitCredential: r.overrides[FlagOverrideExplicitCredential],
		EnableCredentialFailover:   r.overrides[FlagEnableCredentialFailover],
		DisableSessionPersistence:  r.overrides[FlagDisableSessionPersistence],
		OverridesGlobalDisablement: r.overridesGlobalDisablement,
	}
	for _, p := range core.AllProtocols {
		snap.Protocols[p] = core.ProtocolStatus{
			Protocol:    p,
			State:       r.protocols[p].state,
			LastAttempt: r.protocols[p].lastAttempt,
		}
	}
	if len(r.badCredentials) > 0 {
		snap.BadCredentials = append([]core.Credential(nil), r.badCredentials...)
	}
	return snap
}

// Restore replaces the record's state with snap. The host key is not changed.
func (r *Record) Restore(snap core.RecordSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, st := range snap.Protocols {
		r.protocols[i] = protocolEntry{state: st.State, lastAttempt: st.LastAttempt}
	}
	r.goodCredential = snap.GoodCredential.Clone()
	r.ambientGood = snap.AmbientIdentityGood
	r.ambientBad = snap.AmbientIdentityBad
	r.badCredentials = nil
	for i := range snap.BadCredentials {
		if !r.isBadLocked(&snap.BadCredentials[i]) {
			r.badCredentials = append(r.badCredentials, snap.BadCredentials[i])
		}
	}
	r.overrides[FlagDisableBadCredentialCache] = snap.DisableBadCredentialCache
	r.overrides[FlagDisableCredentialAutoRegister] = snap.DisableCredentialAutoReg
	r.overrides[FlagOverrideExplicitCredential] = snap.OverrideExplicitCredential
	r.overrides[FlagEnableCredentialFailover] = snap.EnableCredentialFailover
	r.overrides[FlagDisableSessionPersistence] = snap.DisableSessionPersistence
	r.overridesGlobalDisablement = snap.OverridesGlobalDisablement
}

func (r *Record) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := make([]string, 0, core.ProtocolCount)
	for _, p := range core.AllProtocols {
		parts = append(parts, p.String()+"="+r.protocols[p].state.String())
	}
	return r.host + " {" + strings.Join(parts, " ") + "}"
}
