// Package core defines the foundational types shared by every dbanative
// subsystem: management protocols and their per-host state, tri-state policy
// overrides and credentials.
package core

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"
)

// Protocol enumerates the management-connection transports a host can be reached over.
// The declaration order is the iteration order used as a tie-break during selection.
type Protocol int

const (
	ProtocolCimOverWinRM Protocol = iota
	ProtocolCimOverDcom
	ProtocolWmi
	ProtocolPowerShellRemoting

	protocolCount
)

// AllProtocols lists every protocol in iteration order.
var AllProtocols = [protocolCount]Protocol{
	ProtocolCimOverWinRM,
	ProtocolCimOverDcom,
	ProtocolWmi,
	ProtocolPowerShellRemoting,
}

// ProtocolCount is the number of known protocols.
const ProtocolCount = int(protocolCount)

func (p Protocol) String() string {
	switch p {
	case ProtocolCimOverWinRM:
		return "CimRM"
	case ProtocolCimOverDcom:
		return "CimDCOM"
	case ProtocolWmi:
		return "Wmi"
	case ProtocolPowerShellRemoting:
		return "PowerShellRemoting"
	default:
		return fmt.Sprintf("Protocol(%d)", int(p))
	}
}

// Valid reports whether p is one of the known protocols.
func (p Protocol) Valid() bool {
	return p >= 0 && p < protocolCount
}

// ParseProtocol accepts the String() form or a few common aliases, case-insensitively.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cimrm", "cimwinrm", "cim-winrm", "winrm":
		return ProtocolCimOverWinRM, nil
	case "cimdcom", "cim-dcom", "dcom":
		return ProtocolCimOverDcom, nil
	case "wmi":
		return ProtocolWmi, nil
	case "powershellremoting", "psremoting", "ps-remoting", "powershell":
		return ProtocolPowerShellRemoting, nil
	}
	return 0, fmt.Errorf("unknown protocol: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Protocol) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid protocol: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Protocol) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocol(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ProtocolState is the last known outcome of a protocol against one host.
type ProtocolState int

const (
	// StateUnknown means the protocol was never attempted.
	StateUnknown ProtocolState = iota
	// StateSuccess means the last attempt worked.
	StateSuccess
	// StateError means the last attempt failed.
	StateError
	// StateDisabled means the protocol is administratively forbidden.
	StateDisabled
)

func (s ProtocolState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateSuccess:
		return "success"
	case StateError:
		return "error"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("ProtocolState(%d)", int(s))
	}
}

// ParseProtocolState is the inverse of ProtocolState.String.
func ParseProtocolState(s string) (ProtocolState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unknown", "":
		return StateUnknown, nil
	case "success":
		return StateSuccess, nil
	case "error":
		return StateError, nil
	case "disabled":
		return StateDisabled, nil
	}
	return StateUnknown, fmt.Errorf("unknown protocol state: %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s ProtocolState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ProtocolState) UnmarshalText(text []byte) error {
	parsed, err := ParseProtocolState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Override is a per-record policy flag that either inherits the registry-wide
// default or forces a value.
type Override int

const (
	Inherit Override = iota
	ForceTrue
	ForceFalse
)

// Resolve returns the effective value given the inherited default.
func (o Override) Resolve(global bool) bool {
	switch o {
	case ForceTrue:
		return true
	case ForceFalse:
		return false
	default:
		return global
	}
}

func (o Override) String() string {
	switch o {
	case ForceTrue:
		return "true"
	case ForceFalse:
		return "false"
	default:
		return "inherit"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Override) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Override) UnmarshalText(text []byte) error {
	parsed, err := ParseOverride(string(text))
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// ParseOverride accepts inherit|true|false (and a few spellings of each).
func ParseOverride(s string) (Override, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inherit", "default", "unset":
		return Inherit, nil
	case "true", "on", "yes", "1":
		return ForceTrue, nil
	case "false", "off", "no", "0":
		return ForceFalse, nil
	}
	return Inherit, fmt.Errorf("invalid override value: %q (want inherit|true|false)", s)
}

// Credential is an explicit identity + secret pair. A nil *Credential stands for
// the ambient identity of the calling process.
type Credential struct {
	UserName string `json:"user_name" validate:"required,min=1"`
	Secret   string `json:"secret" validate:"required"`
}

// Matches reports whether two credentials carry the same identity and secret.
// User names compare case-insensitively; secrets compare in constant time.
// A nil credential matches only another nil credential.
func (c *Credential) Matches(other *Credential) bool {
	if c == nil || other == nil {
		return c == nil && other == nil
	}
	if !strings.EqualFold(c.UserName, other.UserName) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(other.Secret)) == 1
}

// Clone returns a copy that shares no memory with c.
func (c *Credential) Clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// Identity returns the user name, or "(ambient)" for a nil credential.
func (c *Credential) Identity() string {
	if c == nil {
		return "(ambient)"
	}
	return c.UserName
}

// ProtocolStatus is the persisted view of one protocol on one host.
type ProtocolStatus struct {
	Protocol    Protocol      `json:"protocol"`
	State       ProtocolState `json:"state"`
	LastAttempt time.Time     `json:"last_attempt,omitempty"`
}

// RecordSnapshot is a point-in-time copy of a connection record, used for
// persistence and for transport-safe display. Secrets are included only in
// GoodCredential and BadCredentials and must never be logged.
type RecordSnapshot struct {
	Host                       string                        `json:"host"`
	Protocols                  [ProtocolCount]ProtocolStatus `json:"protocols"`
	GoodCredential             *Credential                   `json:"good_credential,omitempty"`
	BadCredentials             []Credential                  `json:"bad_credentials,omitempty"`
	AmbientIdentityGood        bool                          `json:"ambient_identity_good"`
	AmbientIdentityBad         bool                          `json:"ambient_identity_bad"`
	DisableBadCredentialCache  Override                      `json:"disable_bad_credential_cache"`
	DisableCredentialAutoReg   Override                      `json:"disable_credential_auto_register"`
	OverrideExplicitCredential Override                      `json:"override_explicit_credential"`
	EnableCredentialFailover   Override                      `json:"enable_credential_failover"`
	DisableSessionPersistence  Override                      `json:"disable_session_persistence"`
	OverridesGlobalDisablement bool                          `json:"overrides_global_disablement"`
}
