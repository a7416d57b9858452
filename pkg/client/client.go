// Package client talks to a running dbanative broker. It is what the CLI and
// other Go tooling use to share one connection registry and session cache.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dbanative/dbanative/internal/audit"
	"github.com/dbanative/dbanative/internal/config"
	"github.com/dbanative/dbanative/internal/grpcapi"
	"github.com/dbanative/dbanative/internal/identity"
	"github.com/dbanative/dbanative/internal/pki"
)

// Wire types shared with the broker.
type (
	RecordView         = grpcapi.RecordView
	ProtocolView       = grpcapi.ProtocolView
	CredentialRequest  = grpcapi.CredentialRequest
	ResolvedCredential = grpcapi.ResolvedCredential
	SessionView        = grpcapi.SessionView
	Profile            = identity.Profile
	ProfileInput       = identity.ProfileInput
	AuditRecord        = audit.Record
	ConnectionConfig   = config.ConnectionConfig
)

// RemoteError is a failure reported by the broker. It unwraps to the matching
// sentinel error when the broker sent a known code, so errors.Is works across
// the wire for connection.ErrNoProtocolsAvailable and friends.
type RemoteError struct {
	Method  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return grpcapi.CodeError(e.Code)
}

// IsRemote checks if err was reported by the broker rather than the transport.
func IsRemote(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}

// Client is a connection to a broker.
type Client struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// DefaultTimeout bounds each call when the caller's context has no deadline.
const DefaultTimeout = 10 * time.Second

// Dial connects to the broker described by bc. TCP brokers are reached with
// the client certificate stored under stateDir.
func Dial(bc config.BrokerConfig, stateDir string) (*Client, error) {
	var (
		target string
		creds  credentials.TransportCredentials
		err    error
	)
	switch bc.Network {
	case "tcp":
		target = bc.Address
		creds, err = pki.ClientCredentials(pki.Dir(stateDir))
		if err != nil {
			return nil, err
		}
	case "unix", "":
		path, err := filepath.Abs(bc.Address)
		if err != nil {
			return nil, fmt.Errorf("resolving socket path: %w", err)
		}
		target = "unix://" + path
		creds = insecure.NewCredentials()
	default:
		return nil, fmt.Errorf("unsupported broker network: %s", bc.Network)
	}

	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("connecting to broker at %s: %w", bc.Address, err)
	}
	return New(conn), nil
}

// New wraps an existing connection.
func New(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, timeout: DefaultTimeout}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call invokes a broker method. params may be nil; result may be nil to
// discard the response body.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req := grpcapi.RPCRequest{Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}

	var resp grpcapi.RPCResponse
	if err := c.conn.Invoke(ctx, grpcapi.CallMethod, &req, &resp, grpc.CallContentSubtype(grpcapi.CodecName)); err != nil {
		return fmt.Errorf("calling %s: %w", method, err)
	}
	if resp.Error != "" {
		return &RemoteError{Method: method, Code: resp.Code, Message: resp.Error}
	}
	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

func (c *Client) record(ctx context.Context, method string, params any) (*RecordView, error) {
	var v RecordView
	if err := c.Call(ctx, method, params, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- Connection records ---

type selectParams struct {
	Host       string   `json:"host"`
	Excluded   []string `json:"excluded,omitempty"`
	ForceRetry bool     `json:"force_retry,omitempty"`
}

// NextProtocol asks which protocol to try next against host.
func (c *Client) NextProtocol(ctx context.Context, host string, excluded []string, forceRetry bool) (string, error) {
	var out struct {
		Protocol string `json:"protocol"`
	}
	err := c.Call(ctx, "connection.next", selectParams{host, excluded, forceRetry}, &out)
	return out.Protocol, err
}

// OrderedProtocols lists the protocols eligible for host, best first.
func (c *Client) OrderedProtocols(ctx context.Context, host string, excluded []string, forceRetry bool) ([]string, error) {
	var out []string
	err := c.Call(ctx, "connection.ordered", selectParams{host, excluded, forceRetry}, &out)
	return out, err
}

// ReportProtocol records the outcome of a connection attempt.
func (c *Client) ReportProtocol(ctx context.Context, host, protocol string, success bool) (*RecordView, error) {
	return c.record(ctx, "connection.report", map[string]any{"host": host, "protocol": protocol, "success": success})
}

// Record returns the record for host.
func (c *Client) Record(ctx context.Context, host string) (*RecordView, error) {
	return c.record(ctx, "connection.get", map[string]string{"host": host})
}

// Records lists every record.
func (c *Client) Records(ctx context.Context) ([]RecordView, error) {
	var out []RecordView
	err := c.Call(ctx, "connection.list", nil, &out)
	return out, err
}

// DisableProtocol forbids protocol on host.
func (c *Client) DisableProtocol(ctx context.Context, host, protocol string) (*RecordView, error) {
	return c.record(ctx, "connection.disable", map[string]string{"host": host, "protocol": protocol})
}

// EnableProtocol lifts a per-host disablement.
func (c *Client) EnableProtocol(ctx context.Context, host, protocol string) (*RecordView, error) {
	return c.record(ctx, "connection.enable", map[string]string{"host": host, "protocol": protocol})
}

// ResetRecord forgets every attempt outcome on host.
func (c *Client) ResetRecord(ctx context.Context, host string) (*RecordView, error) {
	return c.record(ctx, "connection.reset", map[string]string{"host": host})
}

// RemoveRecord deletes host's record.
func (c *Client) RemoveRecord(ctx context.Context, host string) error {
	return c.Call(ctx, "connection.remove", map[string]string{"host": host}, nil)
}

// SetOverride sets a per-host override to inherit, true or false.
func (c *Client) SetOverride(ctx context.Context, host, flag, value string) (*RecordView, error) {
	return c.record(ctx, "connection.override", map[string]string{"host": host, "flag": flag, "value": value})
}

// --- Credentials ---

// ResolveCredential asks which identity to connect to req.Host with.
func (c *Client) ResolveCredential(ctx context.Context, req CredentialRequest) (*ResolvedCredential, error) {
	var out ResolvedCredential
	if err := c.Call(ctx, "credential.resolve", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type credentialParams struct {
	CredentialRequest
	Good bool `json:"good,omitempty"`
	All  bool `json:"all,omitempty"`
}

// ReportCredential records whether req's identity authenticated.
func (c *Client) ReportCredential(ctx context.Context, req CredentialRequest, good bool) (*RecordView, error) {
	return c.record(ctx, "credential.report", credentialParams{CredentialRequest: req, Good: good})
}

// ForgetCredential drops a bad credential, or every cached credential when
// all is set.
func (c *Client) ForgetCredential(ctx context.Context, req CredentialRequest, all bool) (*RecordView, error) {
	return c.record(ctx, "credential.forget", credentialParams{CredentialRequest: req, All: all})
}

// --- Credential profiles ---

// AddProfile stores a new credential profile on the broker.
func (c *Client) AddProfile(ctx context.Context, input ProfileInput) (*Profile, error) {
	var out Profile
	if err := c.Call(ctx, "profile.add", input, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profiles lists the credential profiles usable for host, or all of them.
func (c *Client) Profiles(ctx context.Context, host string) ([]Profile, error) {
	var out []Profile
	err := c.Call(ctx, "profile.list", map[string]string{"host": host}, &out)
	return out, err
}

// ArchiveProfile hides a profile from resolution.
func (c *Client) ArchiveProfile(ctx context.Context, name string) error {
	return c.Call(ctx, "profile.archive", map[string]string{"name": name}, nil)
}

// RemoveProfile deletes a profile and its secret.
func (c *Client) RemoveProfile(ctx context.Context, name string) error {
	return c.Call(ctx, "profile.remove", map[string]string{"name": name}, nil)
}

// PinProfile restricts a profile to host.
func (c *Client) PinProfile(ctx context.Context, name, host string) (*Profile, error) {
	var out Profile
	if err := c.Call(ctx, "profile.pin", map[string]string{"name": name, "host": host}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Policy ---

// Policy returns the broker's live connection policy.
func (c *Client) Policy(ctx context.Context) (*ConnectionConfig, error) {
	var out ConnectionConfig
	if err := c.Call(ctx, "policy.get", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetPolicy changes one connection.* key on the running broker.
func (c *Client) SetPolicy(ctx context.Context, key, value string) (*ConnectionConfig, error) {
	var out ConnectionConfig
	if err := c.Call(ctx, "policy.set", map[string]string{"key": key, "value": value}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Sessions ---

type sessionParams struct {
	Runspace string `json:"runspace"`
	Host     string `json:"host,omitempty"`
	Busy     bool   `json:"busy,omitempty"`
}

// RegisterSession tells the broker a session to host was opened. It reports
// false when the session should not be kept after use.
func (c *Client) RegisterSession(ctx context.Context, runspace uuid.UUID, host string) (bool, error) {
	var out struct {
		Cached bool `json:"cached"`
	}
	err := c.Call(ctx, "session.register", sessionParams{Runspace: runspace.String(), Host: host}, &out)
	return out.Cached, err
}

// TouchSession marks a session used. An error matching
// grpcapi.ErrSessionNotCached means the broker purged it.
func (c *Client) TouchSession(ctx context.Context, runspace uuid.UUID, host string) error {
	return c.Call(ctx, "session.touch", sessionParams{Runspace: runspace.String(), Host: host}, nil)
}

// SetSessionBusy marks a session busy or idle.
func (c *Client) SetSessionBusy(ctx context.Context, runspace uuid.UUID, host string, busy bool) error {
	return c.Call(ctx, "session.busy", sessionParams{Runspace: runspace.String(), Host: host, Busy: busy}, nil)
}

// ReleaseSession stops tracking a session, or all of runspace's sessions when
// host is empty.
func (c *Client) ReleaseSession(ctx context.Context, runspace uuid.UUID, host string) (int, error) {
	var out struct {
		Released int `json:"released"`
	}
	err := c.Call(ctx, "session.release", sessionParams{Runspace: runspace.String(), Host: host}, &out)
	return out.Released, err
}

// Sessions lists every cached session.
func (c *Client) Sessions(ctx context.Context) ([]SessionView, error) {
	var out []SessionView
	err := c.Call(ctx, "session.list", nil, &out)
	return out, err
}

// PurgeSessions drops expired idle sessions now.
func (c *Client) PurgeSessions(ctx context.Context) (int, error) {
	var out struct {
		Purged int `json:"purged"`
	}
	err := c.Call(ctx, "session.purge", nil, &out)
	return out.Purged, err
}

// --- Audit ---

// VerifyAudit checks the broker's audit chain.
func (c *Client) VerifyAudit(ctx context.Context) (valid bool, count int, err error) {
	var out struct {
		Valid bool `json:"valid"`
		Count int  `json:"count"`
	}
	err = c.Call(ctx, "audit.verify", nil, &out)
	return out.Valid, out.Count, err
}

// AuditLog returns the newest audit records, optionally for one host.
func (c *Client) AuditLog(ctx context.Context, host string, limit int) ([]AuditRecord, error) {
	var out []AuditRecord
	err := c.Call(ctx, "audit.list", map[string]any{"host": host, "limit": limit}, &out)
	return out, err
}
