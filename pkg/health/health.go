package health

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/types"
)

// ServiceName is the health service name the bridge reports under
const ServiceName = "wonderland.bridge"

// Status is a gRPC health serving status
type Status = grpc_health_v1.HealthCheckResponse_ServingStatus

// HealthServer implements the gRPC health checking protocol
// See https://github.com/grpc/grpc/blob/master/doc/health-checking.md
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	logger   *logger.Logger
	mu       sync.RWMutex
	statuses map[string]Status
	watchers map[string]map[chan Status]struct{}
	shutdown bool
}

// HealthServerConfig contains health server configuration
type HealthServerConfig struct {
	// InitialStatuses maps service names to their initial health status
	InitialStatuses map[string]Status
}

// NewHealthServer creates a new health check server. The overall ("")
// status and the bridge status start NOT_SERVING unless set in cfg.
func NewHealthServer(cfg HealthServerConfig, log *logger.Logger) (*HealthServer, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	statuses := make(map[string]Status, len(cfg.InitialStatuses)+2)
	for name, st := range cfg.InitialStatuses {
		statuses[name] = st
	}
	for _, name := range []string{"", ServiceName} {
		if _, exists := statuses[name]; !exists {
			statuses[name] = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}

	hs := &HealthServer{
		logger:   log.With("component", "health_server"),
		statuses: statuses,
		watchers: make(map[string]map[chan Status]struct{}),
	}

	hs.logger.Debug("Health server initialized", "initial_statuses", len(statuses))
	return hs, nil
}

// Check implements the health check RPC
func (s *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	service := req.GetService()
	if s.shutdown {
		return &grpc_health_v1.HealthCheckResponse{
			Status: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		}, nil
	}

	st, exists := s.statuses[service]
	if !exists {
		s.logger.Debug("Health check for unknown service", "service", service)
		return nil, status.Error(codes.NotFound, "unknown service")
	}

	return &grpc_health_v1.HealthCheckResponse{Status: st}, nil
}

// Watch implements the health watch RPC. It streams every status change
// for the service until the client goes away or the server shuts down.
func (s *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	service := req.GetService()
	updates := make(chan Status, 1)

	s.mu.Lock()
	current := s.getStatus(service)
	if s.shutdown {
		s.mu.Unlock()
		return stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current})
	}
	if s.watchers[service] == nil {
		s.watchers[service] = make(map[chan Status]struct{})
	}
	s.watchers[service][updates] = struct{}{}
	s.mu.Unlock()

	defer s.unwatch(service, updates)

	if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: current}); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return status.FromContextError(stream.Context().Err()).Err()
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if err := stream.Send(&grpc_health_v1.HealthCheckResponse{Status: st}); err != nil {
				return err
			}
		}
	}
}

func (s *HealthServer) unwatch(service string, ch chan Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.watchers[service]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(s.watchers, service)
		}
	}
}

// SetServingStatus sets the serving status of the given service and
// notifies its watchers. Ignored after Shutdown.
func (s *HealthServer) SetServingStatus(service string, st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}

	old, exists := s.statuses[service]
	s.statuses[service] = st
	if exists && old == st {
		return
	}

	for ch := range s.watchers[service] {
		notify(ch, st)
	}

	s.logger.Info("Health status updated",
		"service", service,
		"old_status", old.String(),
		"new_status", st.String())
}

// notify replaces any undelivered update with st. Must hold s.mu.
func notify(ch chan Status, st Status) {
	select {
	case ch <- st:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

// Shutdown reports NOT_SERVING for every service from now on and ends
// all watch streams
func (s *HealthServer) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return
	}
	s.shutdown = true

	for service, set := range s.watchers {
		for ch := range set {
			notify(ch, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			close(ch)
		}
		delete(s.watchers, service)
	}

	s.logger.Info("Health server shutdown")
}

// GetStatus returns the current serving status for a service.
// Unknown services report SERVICE_UNKNOWN.
func (s *HealthServer) GetStatus(service string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getStatus(service)
}

// getStatus must be called with the lock held
func (s *HealthServer) getStatus(service string) Status {
	if s.shutdown {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	st, exists := s.statuses[service]
	if !exists {
		return grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN
	}
	return st
}

// SetServing sets the service status to SERVING
func (s *HealthServer) SetServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing sets the service status to NOT_SERVING
func (s *HealthServer) SetNotServing(service string) {
	s.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// IsServing returns true if the service is currently SERVING
func (s *HealthServer) IsServing(service string) bool {
	return s.GetStatus(service) == grpc_health_v1.HealthCheckResponse_SERVING
}

// Readiness is anything that signals once it can take traffic
type Readiness interface {
	Ready() <-chan struct{}
}

// Track reports the bridge SERVING once r is ready and NOT_SERVING when
// ctx ends. It blocks until ctx is done.
func (s *HealthServer) Track(ctx context.Context, r Readiness) {
	select {
	case <-r.Ready():
		s.SetServing("")
		s.SetServing(ServiceName)
	case <-ctx.Done():
		return
	}

	<-ctx.Done()
	s.SetNotServing(ServiceName)
	s.SetNotServing("")
}
