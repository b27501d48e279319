package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/types"
)

const (
	// DefaultShutdownTimeout is the default graceful shutdown timeout
	DefaultShutdownTimeout = 5 * time.Second
	// DefaultDialTimeout bounds Dial when the caller's context has no deadline
	DefaultDialTimeout = 5 * time.Second

	socketMode os.FileMode = 0o660
)

// ServerConfig contains health endpoint configuration
type ServerConfig struct {
	Path            string
	ShutdownTimeout time.Duration
}

// Server serves the gRPC health service on a Unix domain socket
type Server struct {
	path            string
	listener        net.Listener
	server          *grpc.Server
	health          *HealthServer
	logger          *logger.Logger
	mu              sync.RWMutex
	closed          bool
	started         bool
	wg              sync.WaitGroup
	shutdownTimeout time.Duration
}

// NewServer creates a health endpoint serving hs
func NewServer(cfg ServerConfig, hs *HealthServer, log *logger.Logger) (*Server, error) {
	if cfg.Path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health socket path cannot be empty")
	}
	if hs == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health server cannot be nil")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = DefaultShutdownTimeout
	}

	s := &Server{
		path:            cfg.Path,
		health:          hs,
		logger:          log.With("component", "health_endpoint", "socket_path", cfg.Path),
		shutdownTimeout: shutdownTimeout,
	}

	s.server = grpc.NewServer(grpc.Creds(insecure.NewCredentials()))
	grpc_health_v1.RegisterHealthServer(s.server, hs)

	return s, nil
}

// removeStale deletes a leftover socket or regular file at path and
// refuses anything else
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat existing path at socket path", err)
	}
	mode := fi.Mode()
	if mode&os.ModeSocket == 0 && !mode.IsRegular() {
		return types.NewError(types.ErrCodeInternal,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", mode))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove existing file at socket path", err)
	}
	return nil
}

// Start starts serving on the Unix socket
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already started")
	}
	s.started = true
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		s.started = false
		s.mu.Unlock()
	}

	if err := removeStale(s.path); err != nil {
		rollback()
		return err
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		rollback()
		return types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}
	if err := os.Chmod(s.path, socketMode); err != nil {
		_ = listener.Close()
		rollback()
		return types.WrapError(types.ErrCodeInternal, "failed to set socket permissions", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("Health endpoint listening", "path", s.path)

	s.wg.Add(1)
	go s.serve(listener)

	return nil
}

func (s *Server) serve(listener net.Listener) {
	defer s.wg.Done()

	if err := s.server.Serve(listener); err != nil {
		s.mu.RLock()
		closed := s.closed
		s.mu.RUnlock()

		if !closed {
			s.logger.Error("Health endpoint error", "error", err)
		}
	}
}

// Stop shuts the health service down and stops the gRPC server, forcing
// it after the shutdown timeout
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeInvalid, "server already closed")
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	s.health.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Debug("Health endpoint stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("Health endpoint shutdown timeout, stopping immediately")
		s.server.Stop()
	}

	if listener != nil {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Error("Failed to close listener", "error", err)
		}
	}

	s.wg.Wait()

	if listener != nil {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "path", s.path, "error", err)
		}
	}

	s.logger.Info("Health endpoint closed", "path", s.path)
	return nil
}

// SocketPath returns the Unix socket path the server listens on
func (s *Server) SocketPath() string {
	return s.path
}

// IsServing returns true while the endpoint is accepting checks
func (s *Server) IsServing() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.closed
}

// String returns a string representation of the server
func (s *Server) String() string {
	return fmt.Sprintf("Server{Path: %s, IsServing: %v}", s.path, s.IsServing())
}

// Dial opens a gRPC connection to a health endpoint socket
func Dial(ctx context.Context, path string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	unixDialer := func(ctx context.Context, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}

	defaultOpts := []grpc.DialOption{
		grpc.WithContextDialer(unixDialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}
	defaultOpts = append(defaultOpts, opts...)

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	conn, err := grpc.DialContext(ctx, path, defaultOpts...)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeUnavailable, "failed to connect to health endpoint", err)
	}
	return conn, nil
}

// Probe asks the health endpoint at path for the status of service
func Probe(ctx context.Context, path, service string) (Status, error) {
	conn, err := Dial(ctx, path)
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, types.WrapError(types.ErrCodeUnavailable, "health check failed", err)
	}
	return resp.GetStatus(), nil
}
