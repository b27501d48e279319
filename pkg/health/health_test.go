package health

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/wonderland/bridge/internal/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewWithWriter(io.Discard, "text", logger.LevelError)
	require.NoError(t, err)
	return log
}

func newHealth(t *testing.T, cfg HealthServerConfig) *HealthServer {
	t.Helper()
	hs, err := NewHealthServer(cfg, testLogger(t))
	require.NoError(t, err)
	return hs
}

type readyChan chan struct{}

func (r readyChan) Ready() <-chan struct{} { return r }

func TestHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		cfg     HealthServerConfig
		service string
		want    Status
		code    codes.Code
	}{
		{
			name: "overall starts not serving",
			want: grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
		{
			name:    "bridge starts not serving",
			service: ServiceName,
			want:    grpc_health_v1.HealthCheckResponse_NOT_SERVING,
		},
		{
			name: "initial status honored",
			cfg: HealthServerConfig{InitialStatuses: map[string]Status{
				"": grpc_health_v1.HealthCheckResponse_SERVING,
			}},
			want: grpc_health_v1.HealthCheckResponse_SERVING,
		},
		{
			name:    "unknown service",
			service: "queen.croquet",
			code:    codes.NotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hs := newHealth(t, tt.cfg)
			resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: tt.service})
			if tt.code != codes.OK {
				require.Error(t, err)
				assert.Equal(t, tt.code, status.Code(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.GetStatus())
		})
	}
}

func TestHealthSetStatusAndShutdown(t *testing.T) {
	hs := newHealth(t, HealthServerConfig{})

	hs.SetServing(ServiceName)
	assert.True(t, hs.IsServing(ServiceName))

	hs.SetNotServing(ServiceName)
	assert.False(t, hs.IsServing(ServiceName))

	hs.SetServing(ServiceName)
	hs.Shutdown()
	hs.Shutdown()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, hs.GetStatus(ServiceName))

	hs.SetServing(ServiceName)
	assert.False(t, hs.IsServing(ServiceName), "status changes after shutdown are ignored")

	resp, err := hs.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestHealthGetStatusUnknown(t *testing.T) {
	hs := newHealth(t, HealthServerConfig{})
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVICE_UNKNOWN, hs.GetStatus("nobody"))
}

func TestHealthTrack(t *testing.T) {
	hs := newHealth(t, HealthServerConfig{})
	ready := make(readyChan)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hs.Track(ctx, ready)
		close(done)
	}()

	assert.False(t, hs.IsServing(ServiceName))
	close(ready)
	require.Eventually(t, func() bool { return hs.IsServing(ServiceName) && hs.IsServing("") },
		time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Track did not return after cancel")
	}
	assert.False(t, hs.IsServing(ServiceName))
}

func TestHealthTrackCanceledBeforeReady(t *testing.T) {
	hs := newHealth(t, HealthServerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	hs.Track(ctx, make(readyChan))
	assert.False(t, hs.IsServing(ServiceName))
}
