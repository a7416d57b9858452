// Package grpcapi provides the dbanative broker: a long-lived process that
// owns the connection registry and session cache and serves them to CLI and
// PowerShell clients over gRPC. A unix socket is used locally; TCP listeners
// require mutual TLS.
package grpcapi

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/dbanative/dbanative/internal/audit"
	"github.com/dbanative/dbanative/internal/engine"
	"github.com/dbanative/dbanative/internal/pki"
)

// Server wraps the gRPC server, the broker engine and its housekeeping loop.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	handler    *Handler
	engine     *engine.Engine
	logger     zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a broker bound to a unix socket. A stale socket left by a
// crashed broker is removed; the new one is readable by the owner only.
func NewServer(socketPath string, e *engine.Engine) (*Server, error) {
	if fi, err := os.Lstat(socketPath); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
		}
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("restricting %s: %w", socketPath, err)
	}
	return NewServerWithListener(lis, e), nil
}

// NewMTLSServer creates a broker on a TCP address. Client certificates must
// be signed by the CA in m.
func NewMTLSServer(addr string, e *engine.Engine, m *pki.Material) (*Server, error) {
	creds, err := pki.ServerCredentials(m)
	if err != nil {
		return nil, fmt.Errorf("configuring mTLS: %w", err)
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return NewServerWithListener(lis, e, grpc.Creds(creds)), nil
}

// NewFromConfig creates the broker described by e.Config.Broker. TCP brokers
// issue their certificates under the state directory on first start.
func NewFromConfig(e *engine.Engine) (*Server, error) {
	bc := e.Config.Broker
	switch bc.Network {
	case "tcp":
		m, err := pki.Ensure(pki.Dir(e.Config.StateDir), certHosts(bc.Address))
		if err != nil {
			return nil, fmt.Errorf("preparing broker certificates: %w", err)
		}
		return NewMTLSServer(bc.Address, e, m)
	case "unix", "":
		return NewServer(bc.Address, e)
	}
	return nil, fmt.Errorf("unsupported broker network: %s", bc.Network)
}

func certHosts(addr string) []string {
	var hosts []string
	if h, _, err := net.SplitHostPort(addr); err == nil && h != "" {
		if ip := net.ParseIP(h); ip == nil || !ip.IsUnspecified() {
			hosts = append(hosts, h)
		}
	}
	if name, err := os.Hostname(); err == nil {
		hosts = append(hosts, name)
	}
	return hosts
}

// NewServerWithListener creates a broker serving on an existing listener.
func NewServerWithListener(lis net.Listener, e *engine.Engine, opts ...grpc.ServerOption) *Server {
	s := grpc.NewServer(opts...)
	svc := NewService(e)
	h := NewHandler(svc)
	h.RegisterWithGRPC(s)

	return &Server{
		grpcServer: s,
		listener:   lis,
		handler:    h,
		engine:     e,
		logger:     svc.logger,
		stop:       make(chan struct{}),
	}
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts housekeeping and serves requests until Stop is called.
func (s *Server) Serve() error {
	bc := s.engine.Config.Broker
	s.wg.Add(1)
	go s.housekeeping(time.Duration(bc.PurgeInterval), time.Duration(bc.FlushInterval))

	s.engine.Audit.Log(audit.EventBrokerStarted, "", map[string]string{
		"network": s.listener.Addr().Network(),
		"address": s.listener.Addr().String(),
	})
	s.logger.Info().Str("address", s.listener.Addr().String()).Msg("broker listening")

	return s.grpcServer.Serve(s.listener)
}

// Stop gracefully stops the gRPC server and the housekeeping loop. The
// engine is left open for the caller to close.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.grpcServer.GracefulStop()
		s.wg.Wait()
		s.engine.Audit.Log(audit.EventBrokerStopped, "", nil)
		s.logger.Info().Msg("broker stopped")
	})
}

// GRPCServer returns the underlying gRPC server for service registration.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Handler returns the JSON-RPC handler for direct access.
func (s *Server) Handler() *Handler {
	return s.handler
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// housekeeping purges expired sessions and flushes connection state to disk.
// A non-positive interval disables that task.
func (s *Server) housekeeping(purgeEvery, flushEvery time.Duration) {
	defer s.wg.Done()

	purge, stopPurge := ticker(purgeEvery)
	defer stopPurge()
	flush, stopFlush := ticker(flushEvery)
	defer stopFlush()

	for {
		select {
		case <-s.stop:
			return
		case <-purge:
			if n, err := s.engine.PurgeSessions(s.engine.Now()); err != nil {
				s.logger.Warn().Err(err).Int("purged", n).Msg("session purge")
			} else if n > 0 {
				s.logger.Debug().Int("purged", n).Msg("expired sessions purged")
			}
		case <-flush:
			if err := s.engine.Save(); err != nil {
				s.logger.Warn().Err(err).Msg("state flush failed")
			}
		}
	}
}
