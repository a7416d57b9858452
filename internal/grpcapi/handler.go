// handler.go implements a JSON-RPC-style handler over a single gRPC unary
// method, so the broker works without protoc code generation.
package grpcapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dbanative/dbanative/internal/connection"
	"github.com/dbanative/dbanative/internal/identity"
)

const (
	// ServiceName is the gRPC service the broker registers.
	ServiceName = "dbanative.v1.Broker"

	// CallMethod is the full gRPC method path clients invoke.
	CallMethod = "/" + ServiceName + "/Call"
)

// RPCRequest is a generic JSON-RPC-style request.
type RPCRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCResponse is a generic JSON-RPC-style response. Code is set for errors
// a client may want to match with errors.Is.
type RPCResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// Response error codes.
const (
	CodeNoProtocols      = "no_protocols"
	CodeAuthPolicy       = "auth_policy"
	CodeUnknownHost      = "unknown_host"
	CodeSessionNotCached = "session_not_cached"
	CodeProfileNotFound  = "profile_not_found"
	CodeProfileExists    = "profile_exists"
	CodeInvalidTarget    = "invalid_target"
)

var codeErrors = map[string]error{
	CodeNoProtocols:      connection.ErrNoProtocolsAvailable,
	CodeAuthPolicy:       connection.ErrAuthenticationPolicy,
	CodeUnknownHost:      ErrUnknownHost,
	CodeSessionNotCached: ErrSessionNotCached,
	CodeProfileNotFound:  identity.ErrProfileNotFound,
	CodeProfileExists:    identity.ErrProfileExists,
	CodeInvalidTarget:    connection.ErrInvalidTarget,
}

func errorCode(err error) string {
	for code, target := range codeErrors {
		if errors.Is(err, target) {
			return code
		}
	}
	return ""
}

// CodeError returns the sentinel error for a response code, or nil.
func CodeError(code string) error {
	return codeErrors[code]
}

// Handler dispatches JSON-RPC requests to the Service.
type Handler struct {
	service  *Service
	dispatch map[string]handlerFunc
}

type handlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// NewHandler creates a handler backed by the given service.
func NewHandler(svc *Service) *Handler {
	h := &Handler{service: svc}
	h.dispatch = map[string]handlerFunc{
		// Connection records
		"connection.next":     h.handleNextProtocol,
		"connection.ordered":  h.handleOrderedProtocols,
		"connection.report":   h.handleReportProtocol,
		"connection.get":      h.handleGetRecord,
		"connection.list":     h.handleListRecords,
		"connection.disable":  h.handleDisableProtocol,
		"connection.enable":   h.handleEnableProtocol,
		"connection.reset":    h.handleResetRecord,
		"connection.remove":   h.handleRemoveRecord,
		"connection.override": h.handleSetOverride,

		// Credentials
		"credential.resolve": h.handleResolveCredential,
		"credential.report":  h.handleReportCredential,
		"credential.forget":  h.handleForgetCredential,

		// Credential profiles
		"profile.add":     h.handleAddProfile,
		"profile.list":    h.handleListProfiles,
		"profile.archive": h.handleArchiveProfile,
		"profile.remove":  h.handleRemoveProfile,
		"profile.pin":     h.handlePinProfile,

		// Policy
		"policy.get": h.handleGetPolicy,
		"policy.set": h.handleSetPolicy,

		// Sessions
		"session.register": h.handleRegisterSession,
		"session.touch":    h.handleTouchSession,
		"session.busy":     h.handleSessionBusy,
		"session.release":  h.handleReleaseSession,
		"session.list":     h.handleListSessions,
		"session.purge":    h.handlePurgeSessions,

		// Audit
		"audit.verify": h.handleVerifyAudit,
		"audit.list":   h.handleListAudit,
	}
	return h
}

// Methods lists every dispatchable method name.
func (h *Handler) Methods() []string {
	out := make([]string, 0, len(h.dispatch))
	for name := range h.dispatch {
		out = append(out, name)
	}
	return out
}

// Handle processes a JSON-RPC request and returns a response.
func (h *Handler) Handle(ctx context.Context, req *RPCRequest) *RPCResponse {
	fn, ok := h.dispatch[req.Method]
	if !ok {
		return &RPCResponse{Error: fmt.Sprintf("unknown method: %s", req.Method)}
	}

	result, err := fn(ctx, req.Params)
	if err != nil {
		h.service.logger.Debug().Err(err).Str("method", req.Method).Msg("call failed")
		return &RPCResponse{Error: err.Error(), Code: errorCode(err)}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return &RPCResponse{Error: fmt.Sprintf("encoding result: %v", err)}
	}
	return &RPCResponse{Result: resultJSON}
}

// RegisterWithGRPC registers the handler as a gRPC service. Clients send
// RPCRequest JSON and receive RPCResponse JSON using the "json" codec.
func (h *Handler) RegisterWithGRPC(s *grpc.Server) {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*brokerServiceHandler)(nil),
		Methods: []grpc.MethodDesc{
			{
				MethodName: "Call",
				Handler:    h.grpcCallHandler,
			},
		},
		Streams: []grpc.StreamDesc{},
	}
	s.RegisterService(&sd, h)
}

// brokerServiceHandler is the interface type for gRPC service registration.
type brokerServiceHandler interface{}

func (h *Handler) grpcCallHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	var req RPCRequest
	if err := dec(&req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}
	if interceptor == nil {
		return h.Handle(ctx, &req), nil
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CallMethod}
	return interceptor(ctx, &req, info, func(ctx context.Context, r any) (any, error) {
		return h.Handle(ctx, r.(*RPCRequest)), nil
	})
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return fmt.Errorf("invalid params: missing")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// --- Handler implementations ---

type hostParams struct {
	Host string `json:"host"`
}

type selectParams struct {
	Host       string   `json:"host"`
	Excluded   []string `json:"excluded,omitempty"`
	ForceRetry bool     `json:"force_retry,omitempty"`
}

type protocolParams struct {
	Host     string `json:"host"`
	Protocol string `json:"protocol"`
	Success  bool   `json:"success,omitempty"`
}

type overrideParams struct {
	Host  string `json:"host"`
	Flag  string `json:"flag"`
	Value string `json:"value"`
}

func (p hostParams) check() error {
	if p.Host == "" {
		return fmt.Errorf("invalid params: host is required")
	}
	return nil
}

func (h *Handler) handleNextProtocol(_ context.Context, params json.RawMessage) (any, error) {
	var p selectParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := (hostParams{p.Host}).check(); err != nil {
		return nil, err
	}
	proto, err := h.service.NextProtocol(p.Host, p.Excluded, p.ForceRetry)
	if err != nil {
		return nil, err
	}
	return map[string]string{"protocol": proto}, nil
}

func (h *Handler) handleOrderedProtocols(_ context.Context, params json.RawMessage) (any, error) {
	var p selectParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := (hostParams{p.Host}).check(); err != nil {
		return nil, err
	}
	return h.service.OrderedProtocols(p.Host, p.Excluded, p.ForceRetry)
}

func (h *Handler) handleReportProtocol(_ context.Context, params json.RawMessage) (any, error) {
	var p protocolParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := (hostParams{p.Host}).check(); err != nil {
		return nil, err
	}
	return h.service.ReportProtocol(p.Host, p.Protocol, p.Success)
}

func (h *Handler) handleGetRecord(_ context.Context, params json.RawMessage) (any, error) {
	var p hostParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.GetRecord(p.Host)
}

func (h *Handler) handleListRecords(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.ListRecords(), nil
}

func (h *Handler) handleDisableProtocol(_ context.Context, params json.RawMessage) (any, error) {
	var p protocolParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := (hostParams{p.Host}).check(); err != nil {
		return nil, err
	}
	return h.service.DisableProtocol(p.Host, p.Protocol)
}

func (h *Handler) handleEnableProtocol(_ context.Context, params json.RawMessage) (any, error) {
	var p protocolParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.EnableProtocol(p.Host, p.Protocol)
}

func (h *Handler) handleResetRecord(_ context.Context, params json.RawMessage) (any, error) {
	var p hostParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.ResetRecord(p.Host)
}

func (h *Handler) handleRemoveRecord(_ context.Context, params json.RawMessage) (any, error) {
	var p hostParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.RemoveRecord(p.Host)
}

func (h *Handler) handleSetOverride(_ context.Context, params json.RawMessage) (any, error) {
	var p overrideParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := (hostParams{p.Host}).check(); err != nil {
		return nil, err
	}
	return h.service.SetOverride(p.Host, p.Flag, p.Value)
}

type credentialParams struct {
	CredentialRequest
	Good bool `json:"good,omitempty"`
	All  bool `json:"all,omitempty"`
}

func (h *Handler) credentialParams(params json.RawMessage) (credentialParams, error) {
	var p credentialParams
	if err := decode(params, &p); err != nil {
		return p, err
	}
	return p, (hostParams{p.Host}).check()
}

func (h *Handler) handleResolveCredential(_ context.Context, params json.RawMessage) (any, error) {
	p, err := h.credentialParams(params)
	if err != nil {
		return nil, err
	}
	return h.service.ResolveCredential(p.CredentialRequest)
}

func (h *Handler) handleReportCredential(_ context.Context, params json.RawMessage) (any, error) {
	p, err := h.credentialParams(params)
	if err != nil {
		return nil, err
	}
	return h.service.ReportCredential(p.CredentialRequest, p.Good)
}

func (h *Handler) handleForgetCredential(_ context.Context, params json.RawMessage) (any, error) {
	p, err := h.credentialParams(params)
	if err != nil {
		return nil, err
	}
	return h.service.ForgetCredential(p.CredentialRequest, p.All)
}

func (h *Handler) handleAddProfile(_ context.Context, params json.RawMessage) (any, error) {
	var p identity.ProfileInput
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.AddProfile(p)
}

type profileParams struct {
	Name string `json:"name"`
	Host string `json:"host,omitempty"`
}

func (h *Handler) handleArchiveProfile(_ context.Context, params json.RawMessage) (any, error) {
	var p profileParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.ArchiveProfile(p.Name)
}

func (h *Handler) handleRemoveProfile(_ context.Context, params json.RawMessage) (any, error) {
	var p profileParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.RemoveProfile(p.Name)
}

func (h *Handler) handlePinProfile(_ context.Context, params json.RawMessage) (any, error) {
	var p profileParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.PinProfile(p.Name, p.Host)
}

func (h *Handler) handleListProfiles(_ context.Context, params json.RawMessage) (any, error) {
	var p hostParams
	if params != nil {
		json.Unmarshal(params, &p)
	}
	return h.service.ProfilesForHost(p.Host)
}

func (h *Handler) handleGetPolicy(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.GetPolicy(), nil
}

type policyParams struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *Handler) handleSetPolicy(_ context.Context, params json.RawMessage) (any, error) {
	var p policyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return h.service.SetPolicy(p.Key, p.Value)
}

type sessionParams struct {
	SessionRef
	Busy bool `json:"busy,omitempty"`
}

func (h *Handler) handleRegisterSession(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	cached, err := h.service.RegisterSession(p.SessionRef)
	if err != nil {
		return nil, err
	}
	return map[string]bool{"cached": cached}, nil
}

func (h *Handler) handleTouchSession(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.TouchSession(p.SessionRef)
}

func (h *Handler) handleSessionBusy(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, h.service.SetSessionBusy(p.SessionRef, p.Busy)
}

func (h *Handler) handleReleaseSession(_ context.Context, params json.RawMessage) (any, error) {
	var p sessionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	n, err := h.service.ReleaseSession(p.SessionRef)
	if err != nil {
		return nil, err
	}
	return map[string]int{"released": n}, nil
}

func (h *Handler) handleListSessions(_ context.Context, _ json.RawMessage) (any, error) {
	return h.service.ListSessions(), nil
}

func (h *Handler) handlePurgeSessions(_ context.Context, _ json.RawMessage) (any, error) {
	n, err := h.service.PurgeSessions()
	if err != nil {
		return nil, err
	}
	return map[string]int{"purged": n}, nil
}

func (h *Handler) handleVerifyAudit(_ context.Context, _ json.RawMessage) (any, error) {
	valid, count, err := h.service.VerifyAuditChain()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"valid": valid,
		"count": count,
	}, nil
}

type auditListParams struct {
	Host  string `json:"host,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

func (h *Handler) handleListAudit(_ context.Context, params json.RawMessage) (any, error) {
	var p auditListParams
	if params != nil {
		json.Unmarshal(params, &p)
	}
	return h.service.RecentAudit(p.Host, p.Limit)
}
