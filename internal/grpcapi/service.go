// service.go implements the broker operations on top of an engine. Both the
// RPC handler and in-process callers use it.
package grpcapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dbanative/dbanative/internal/audit"
	"github.com/dbanative/dbanative/internal/config"
	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/core"
	"github.com/dbanative/dbanative/internal/engine"
	"github.com/dbanative/dbanative/internal/identity"
	"github.com/dbanative/dbanative/internal/logging"
	"github.com/dbanative/dbanative/internal/session"
)

// GlobalDisablementFlag is the override name that lets a record ignore the
// policy's globally disabled protocols.
const GlobalDisablementFlag = "overrides-global-disablement"

var (
	// ErrUnknownHost is returned for hosts without a connection record.
	ErrUnknownHost = errors.New("no connection record for host")

	// ErrSessionNotCached is returned when a client refers to a session the
	// broker no longer holds.
	ErrSessionNotCached = errors.New("session is not cached")
)

// Service is the broker API backing both the RPC handler and direct callers.
type Service struct {
	engine *engine.Engine
	logger zerolog.Logger
}

// NewService creates a broker service over e.
func NewService(e *engine.Engine) *Service {
	return &Service{
		engine: e,
		logger: logging.Subsystem(e.Logger, "broker"),
	}
}

// --- Connection records ---

// ProtocolView is the transport-safe state of one protocol.
type ProtocolView struct {
	Protocol    string     `json:"protocol"`
	State       string     `json:"state"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
}

// RecordView is a connection record without any secret material.
type RecordView struct {
	Host                       string            `json:"host"`
	Protocols                  []ProtocolView    `json:"protocols"`
	GoodIdentity               string            `json:"good_identity,omitempty"`
	BadIdentities              []string          `json:"bad_identities,omitempty"`
	AmbientGood                bool              `json:"ambient_good"`
	AmbientBad                 bool              `json:"ambient_bad"`
	Overrides                  map[string]string `json:"overrides"`
	Effective                  map[string]bool   `json:"effective"`
	OverridesGlobalDisablement bool              `json:"overrides_global_disablement"`
}

func recordView(r *connection.Record) RecordView {
	v := RecordView{
		Host:                       r.Host(),
		GoodIdentity:               r.GoodIdentity(),
		BadIdentities:              r.BadCredentials(),
		Overrides:                  make(map[string]string),
		Effective:                  make(map[string]bool),
		OverridesGlobalDisablement: r.OverridesGlobalDisablement(),
	}
	v.AmbientGood, v.AmbientBad = r.AmbientIdentity()
	for _, p := range core.AllProtocols {
		state, at := r.State(p)
		pv := ProtocolView{Protocol: p.String(), State: state.String()}
		if !at.IsZero() {
			pv.LastAttempt = &at
		}
		v.Protocols = append(v.Protocols, pv)
	}
	for _, f := range connection.Flags() {
		v.Overrides[f.String()] = r.Override(f).String()
		v.Effective[f.String()] = r.Effective(f)
	}
	return v
}

func parseProtocols(names []string) ([]core.Protocol, error) {
	out := make([]core.Protocol, 0, len(names))
	for _, n := range names {
		p, err := core.ParseProtocol(n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// computer reduces a host or SQL Server address such as sql01\INST,1433 to
// the computer name records are kept for.
func computer(input string) (string, error) {
	t, err := connection.ParseTarget(input)
	if err != nil {
		return "", err
	}
	return t.Host, nil
}

func (s *Service) record(input string) (*connection.Record, error) {
	host, err := computer(input)
	if err != nil {
		return nil, err
	}
	return s.engine.Registry.GetOrCreate(host), nil
}

func (s *Service) lookup(input string) (*connection.Record, error) {
	host, err := computer(input)
	if err != nil {
		return nil, err
	}
	rec, ok := s.engine.Registry.Lookup(host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	return rec, nil
}

// NextProtocol picks the protocol to try next against host.
func (s *Service) NextProtocol(host string, excluded []string, forceRetry bool) (string, error) {
	ex, err := parseProtocols(excluded)
	if err != nil {
		return "", err
	}
	rec, err := s.record(host)
	if err != nil {
		return "", err
	}
	p, err := rec.NextProtocol(ex, forceRetry)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// OrderedProtocols lists every protocol eligible for host, best first.
func (s *Service) OrderedProtocols(host string, excluded []string, forceRetry bool) ([]string, error) {
	ex, err := parseProtocols(excluded)
	if err != nil {
		return nil, err
	}
	rec, err := s.record(host)
	if err != nil {
		return nil, err
	}
	ordered := rec.OrderedProtocols(ex, forceRetry)
	out := make([]string, 0, len(ordered))
	for _, p := range ordered {
		out = append(out, p.String())
	}
	return out, nil
}

// ReportProtocol records the outcome of a connection attempt.
func (s *Service) ReportProtocol(host, protocol string, success bool) (RecordView, error) {
	p, err := core.ParseProtocol(protocol)
	if err != nil {
		return RecordView{}, err
	}
	rec, err := s.record(host)
	if err != nil {
		return RecordView{}, err
	}
	if success {
		rec.ReportSuccess(p)
	} else {
		rec.ReportFailure(p)
	}
	return recordView(rec), nil
}

// GetRecord returns the record for host.
func (s *Service) GetRecord(host string) (RecordView, error) {
	rec, err := s.lookup(host)
	if err != nil {
		return RecordView{}, err
	}
	return recordView(rec), nil
}

// ListRecords returns every record, sorted by host.
func (s *Service) ListRecords() []RecordView {
	recs := s.engine.Registry.Records()
	out := make([]RecordView, 0, len(recs))
	for _, r := range recs {
		out = append(out, recordView(r))
	}
	return out
}

// DisableProtocol forbids protocol on host, creating the record if needed.
func (s *Service) DisableProtocol(host, protocol string) (RecordView, error) {
	p, err := core.ParseProtocol(protocol)
	if err != nil {
		return RecordView{}, err
	}
	rec, err := s.record(host)
	if err != nil {
		return RecordView{}, err
	}
	rec.Disable(p)
	s.audit(audit.EventProtocolDisabled, rec.Host(), map[string]string{"protocol": p.String()})
	return recordView(rec), nil
}

// EnableProtocol lifts a per-host disablement.
func (s *Service) EnableProtocol(host, protocol string) (RecordView, error) {
	p, err := core.ParseProtocol(protocol)
	if err != nil {
		return RecordView{}, err
	}
	rec, err := s.lookup(host)
	if err != nil {
		return RecordView{}, err
	}
	rec.Enable(p)
	s.audit(audit.EventProtocolEnabled, rec.Host(), map[string]string{"protocol": p.String()})
	return recordView(rec), nil
}

// ResetRecord forgets every attempt outcome on host.
func (s *Service) ResetRecord(host string) (RecordView, error) {
	rec, err := s.lookup(host)
	if err != nil {
		return RecordView{}, err
	}
	rec.Reset()
	s.audit(audit.EventRecordReset, rec.Host(), nil)
	return recordView(rec), nil
}

// RemoveRecord drops host from the registry and from persisted state.
func (s *Service) RemoveRecord(host string) error {
	host, err := computer(host)
	if err != nil {
		return err
	}
	key := connection.NormalizeHost(host)
	if !s.engine.Registry.Remove(key) {
		return fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}
	if err := s.engine.Store.RemoveHost(key); err != nil {
		return err
	}
	s.audit(audit.EventRecordRemoved, key, nil)
	return nil
}

// SetOverride sets a per-host override. flag is a kebab-case override name or
// GlobalDisablementFlag; value is inherit, true or false.
func (s *Service) SetOverride(host, flag, value string) (RecordView, error) {
	v, err := core.ParseOverride(value)
	if err != nil {
		return RecordView{}, err
	}
	rec, err := s.record(host)
	if err != nil {
		return RecordView{}, err
	}
	if flag == GlobalDisablementFlag {
		rec.SetOverridesGlobalDisablement(v == core.ForceTrue)
	} else {
		f, ok := connection.ParseFlag(flag)
		if !ok {
			return RecordView{}, fmt.Errorf("unknown override: %s", flag)
		}
		rec.SetOverride(f, v)
	}
	s.audit(audit.EventOverrideChanged, rec.Host(), map[string]string{"flag": flag, "value": v.String()})
	return recordView(rec), nil
}

// --- Credentials ---

// CredentialRequest names the identity a caller wants to use. Profile takes
// precedence over UserName; with neither the ambient identity is meant.
type CredentialRequest struct {
	Host     string `json:"host"`
	Profile  string `json:"profile,omitempty"`
	UserName string `json:"user_name,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

// ResolvedCredential is the identity the caller should connect with.
type ResolvedCredential struct {
	Ambient  bool   `json:"ambient"`
	UserName string `json:"user_name,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

func (s *Service) explicit(req CredentialRequest) (*core.Credential, error) {
	switch {
	case req.Profile != "":
		return s.engine.Profiles.Credential(req.Profile)
	case req.UserName != "":
		return &core.Credential{UserName: req.UserName, Secret: req.Secret}, nil
	}
	return nil, nil
}

// ResolveCredential applies the host's credential cache to the request.
func (s *Service) ResolveCredential(req CredentialRequest) (ResolvedCredential, error) {
	cred, err := s.explicit(req)
	if err != nil {
		return ResolvedCredential{}, err
	}
	rec, err := s.record(req.Host)
	if err != nil {
		return ResolvedCredential{}, err
	}
	resolved, err := rec.Credential(cred)
	if err != nil {
		var pe *connection.AuthPolicyError
		if errors.As(err, &pe) {
			s.audit(audit.EventAuthPolicyViolation, rec.Host(), map[string]string{
				"user_name": pe.Identity,
				"reason":    pe.Reason,
			})
		}
		return ResolvedCredential{}, err
	}
	if resolved == nil {
		return ResolvedCredential{Ambient: true}, nil
	}
	return ResolvedCredential{UserName: resolved.UserName, Secret: resolved.Secret}, nil
}

// ReportCredential records whether the requested identity authenticated.
func (s *Service) ReportCredential(req CredentialRequest, good bool) (RecordView, error) {
	cred, err := s.explicit(req)
	if err != nil {
		return RecordView{}, err
	}
	rec, err := s.record(req.Host)
	if err != nil {
		return RecordView{}, err
	}
	if good {
		rec.AddGoodCredential(cred)
	} else {
		rec.AddBadCredential(cred)
	}
	return recordView(rec), nil
}

// ForgetCredential removes a bad entry from host's cache, or the whole
// cache when all is set.
func (s *Service) ForgetCredential(req CredentialRequest, all bool) (RecordView, error) {
	rec, err := s.lookup(req.Host)
	if err != nil {
		return RecordView{}, err
	}
	if all {
		rec.ClearCredentials()
		s.audit(audit.EventCredentialForgotten, rec.Host(), map[string]string{"scope": "all"})
		return recordView(rec), nil
	}
	cred, err := s.explicit(req)
	if err != nil {
		return RecordView{}, err
	}
	if cred == nil {
		return RecordView{}, fmt.Errorf("a profile or user name is required unless all is set")
	}
	rec.RemoveBadCredential(cred)
	s.audit(audit.EventCredentialForgotten, rec.Host(), map[string]string{"user_name": cred.UserName})
	return recordView(rec), nil
}

// AddProfile stores a new credential profile.
func (s *Service) AddProfile(input identity.ProfileInput) (*identity.Profile, error) {
	return s.engine.Profiles.Add(input)
}

// ArchiveProfile hides a profile from resolution.
func (s *Service) ArchiveProfile(name string) error {
	return s.engine.Profiles.Archive(name)
}

// RemoveProfile deletes a profile and its secret.
func (s *Service) RemoveProfile(name string) error {
	return s.engine.Profiles.Remove(name)
}

// PinProfile restricts a profile to host, in addition to its other hosts.
func (s *Service) PinProfile(name, host string) (*identity.Profile, error) {
	if err := s.engine.Profiles.PinHost(name, host); err != nil {
		return nil, err
	}
	return s.engine.Profiles.Get(name)
}

// ProfilesForHost lists the profiles usable against host.
func (s *Service) ProfilesForHost(host string) ([]identity.Profile, error) {
	if host == "" {
		return s.engine.Profiles.List()
	}
	return s.engine.Profiles.ForHost(host)
}

// --- Policy ---

// GetPolicy returns the live connection policy.
func (s *Service) GetPolicy() config.ConnectionConfig {
	return config.FromPolicy(s.engine.Registry.Policy())
}

// SetPolicy changes one connection.* key of the live policy. The config file
// is not rewritten.
func (s *Service) SetPolicy(key, value string) (config.ConnectionConfig, error) {
	if !strings.HasPrefix(strings.ToLower(key), "connection.") {
		return config.ConnectionConfig{}, fmt.Errorf("only connection.* keys can change while the broker runs: %s", key)
	}
	return s.engine.SetPolicyKey(key, value)
}

// --- Sessions ---

// SessionRef names a cached session. An empty Host in a release means every
// session of the runspace.
type SessionRef struct {
	Runspace string `json:"runspace"`
	Host     string `json:"host"`
}

// SessionView is the broker's view of a client-held session.
type SessionView struct {
	Runspace string    `json:"runspace"`
	Host     string    `json:"host"`
	LastUsed time.Time `json:"last_used"`
	Busy     bool      `json:"busy"`
}

func (r SessionRef) runspace() (uuid.UUID, error) {
	id, err := uuid.Parse(r.Runspace)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid runspace id %q: %w", r.Runspace, err)
	}
	return id, nil
}

// resolve parses the runspace and reduces the host to the computer name the
// connection records are keyed by. An empty host stays empty.
func (r SessionRef) resolve() (uuid.UUID, string, error) {
	id, err := r.runspace()
	if err != nil {
		return uuid.Nil, "", err
	}
	if r.Host == "" {
		return id, "", nil
	}
	host, err := computer(r.Host)
	if err != nil {
		return uuid.Nil, "", err
	}
	return id, host, nil
}

// RegisterSession starts tracking a session a client opened. It reports false
// when the cache is disabled or the host opts out of session persistence.
func (s *Service) RegisterSession(ref SessionRef) (bool, error) {
	id, host, err := ref.resolve()
	if err != nil {
		return false, err
	}
	if host == "" {
		return false, fmt.Errorf("%w: session host is required", connection.ErrInvalidTarget)
	}
	return s.engine.Sessions.Set(id, host, session.NewLease()), nil
}

func (s *Service) lease(ref SessionRef) (*session.Lease, error) {
	id, host, err := ref.resolve()
	if err != nil {
		return nil, err
	}
	sess, ok := s.engine.Sessions.Get(id, host)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrSessionNotCached, ref.Runspace, ref.Host)
	}
	l, ok := sess.(*session.Lease)
	if !ok {
		return nil, fmt.Errorf("session %s/%s is not client-held", ref.Runspace, ref.Host)
	}
	return l, nil
}

// TouchSession marks a session used. ErrSessionNotCached tells the client
// its session was purged and should be closed.
func (s *Service) TouchSession(ref SessionRef) error {
	_, err := s.lease(ref)
	return err
}

// SetSessionBusy records whether the client is running a command on the
// session. Busy sessions are never purged.
func (s *Service) SetSessionBusy(ref SessionRef, busy bool) error {
	l, err := s.lease(ref)
	if err != nil {
		return err
	}
	l.SetBusy(busy)
	return nil
}

// ReleaseSession stops tracking one session, or every session of the
// runspace when ref.Host is empty. It returns how many were released.
func (s *Service) ReleaseSession(ref SessionRef) (int, error) {
	id, host, err := ref.resolve()
	if err != nil {
		return 0, err
	}
	if host == "" {
		entries := s.engine.Sessions.RemoveRunspace(id)
		var errs []error
		for _, e := range entries {
			errs = append(errs, e.Session.Close())
		}
		return len(entries), errors.Join(errs...)
	}
	sess, ok := s.engine.Sessions.Remove(id, host)
	if !ok {
		return 0, nil
	}
	return 1, sess.Close()
}

// ListSessions returns every cached session, oldest first.
func (s *Service) ListSessions() []SessionView {
	entries := s.engine.Sessions.Entries()
	out := make([]SessionView, 0, len(entries))
	for _, e := range entries {
		out = append(out, SessionView{
			Runspace: e.Runspace.String(),
			Host:     e.Host,
			LastUsed: e.LastUsed,
			Busy:     e.Session.Busy(),
		})
	}
	return out
}

// PurgeSessions drops every expired idle session.
func (s *Service) PurgeSessions() (int, error) {
	return s.engine.PurgeSessions(s.engine.Now())
}

// --- Audit ---

// VerifyAuditChain checks the integrity of the audit log.
func (s *Service) VerifyAuditChain() (bool, int, error) {
	return audit.Verify(s.engine.AuditDB)
}

// RecentAudit returns the newest audit records, optionally for one host.
func (s *Service) RecentAudit(host string, limit int) ([]audit.Record, error) {
	return audit.Recent(s.engine.AuditDB, connection.NormalizeHost(host), limit)
}

func (s *Service) audit(event audit.EventType, host string, detail any) {
	if err := s.engine.Audit.Log(event, host, detail); err != nil {
		s.logger.Warn().Err(err).Str("event", string(event)).Str("host", host).Msg("audit write failed")
	}
}
