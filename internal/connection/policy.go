package connection

import (
	"time"

	"github.com/dbanative/dbanative/internal/core"
)

// DefaultBadConnectionTimeout is how long a failed protocol is skipped before
// it becomes eligible again.
const DefaultBadConnectionTimeout = 15 * time.Minute

// DefaultSessionCacheTimeout is how long an idle remoting session is kept.
const DefaultSessionCacheTimeout = 5 * time.Minute

// Policy holds the registry-wide defaults. Records read it whenever a
// per-record override is set to core.Inherit.
type Policy struct {
	BadConnectionTimeout time.Duration
	DisabledProtocols    [core.ProtocolCount]bool

	DisableBadCredentialCache     bool
	DisableCredentialAutoRegister bool
	OverrideExplicitCredential    bool
	EnableCredentialFailover      bool
	DisableSessionPersistence     bool

	SessionCacheEnabled bool
	SessionCacheTimeout time.Duration
}

// DefaultPolicy returns the out-of-the-box registry policy.
func DefaultPolicy() Policy {
	return Policy{
		BadConnectionTimeout: DefaultBadConnectionTimeout,
		SessionCacheEnabled:  true,
		SessionCacheTimeout:  DefaultSessionCacheTimeout,
	}
}

// DisableProtocol marks p as globally disabled.
func (p *Policy) DisableProtocol(proto core.Protocol) {
	if proto.Valid() {
		p.DisabledProtocols[proto] = true
	}
}

// EnableProtocol clears the global disablement of p.
func (p *Policy) EnableProtocol(proto core.Protocol) {
	if proto.Valid() {
		p.DisabledProtocols[proto] = false
	}
}

// IsProtocolDisabled reports whether p is globally disabled.
func (p Policy) IsProtocolDisabled(proto core.Protocol) bool {
	return proto.Valid() && p.DisabledProtocols[proto]
}

// Flag names one of the five per-record override switches.
type Flag int

const (
	FlagDisableBadCredentialCache Flag = iota
	FlagDisableCredentialAutoRegister
	FlagOverrideExplicitCredential
	FlagEnableCredentialFailover
	FlagDisableSessionPersistence

	flagCount
)

var flagNames = [flagCount]string{
	"disable-bad-credential-cache",
	"disable-credential-auto-register",
	"override-explicit-credential",
	"enable-credential-failover",
	"disable-session-persistence",
}

func (f Flag) String() string {
	if f < 0 || f >= flagCount {
		return "unknown-flag"
	}
	return flagNames[f]
}

// ParseFlag maps the kebab-case flag name back to a Flag.
func ParseFlag(name string) (Flag, bool) {
	for i, n := range flagNames {
		if n == name {
			return Flag(i), true
		}
	}
	return 0, false
}

// Flags lists every override flag.
func Flags() []Flag {
	out := make([]Flag, 0, flagCount)
	for f := Flag(0); f < flagCount; f++ {
		out = append(out, f)
	}
	return out
}

// global returns the registry-wide default for f.
func (p Policy) global(f Flag) bool {
	switch f {
	case FlagDisableBadCredentialCache:
		return p.DisableBadCredentialCache
	case FlagDisableCredentialAutoRegister:
		return p.DisableCredentialAutoRegister
	case FlagOverrideExplicitCredential:
		return p.OverrideExplicitCredential
	case FlagEnableCredentialFailover:
		return p.EnableCredentialFailover
	case FlagDisableSessionPersistence:
		return p.DisableSessionPersistence
	}
	return false
}
