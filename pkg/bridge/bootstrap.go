package bridge

import (
	"context"
	"time"

	"github.com/wonderland/bridge/internal/config"
	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/ipc"
	"github.com/wonderland/bridge/pkg/types"
)

// DefaultVersion is the version reported by the wonderland binary
const DefaultVersion = "0.1.0"

// BootstrapResult contains the result of a bootstrap operation
type BootstrapResult struct {
	Bridge    *Bridge
	StartedAt time.Time
	Version   string
	Error     error
}

// Duration returns how long the bootstrap took
func (r *BootstrapResult) Duration() time.Duration {
	return time.Since(r.StartedAt)
}

// BootstrapConfig contains configuration for the bootstrap process
type BootstrapConfig struct {
	Config  config.Config
	Logger  *logger.Logger
	Version string
	// ServerOptions are passed to the IPC server
	ServerOptions []ipc.Option
	// ReadyTimeout bounds the wait for the IPC server to initialize
	ReadyTimeout time.Duration
}

// Bootstrap creates and starts a bridge, then waits for it to report ready
func Bootstrap(ctx context.Context, cfg BootstrapConfig) (*BootstrapResult, error) {
	result := &BootstrapResult{
		StartedAt: time.Now(),
		Version:   cfg.Version,
	}
	if result.Version == "" {
		result.Version = DefaultVersion
	}

	b, err := New(cfg.Config, cfg.Logger, cfg.ServerOptions...)
	if err != nil {
		result.Error = types.WrapError(types.ErrCodeInvalidArgument, "invalid configuration", err)
		return result, result.Error
	}

	if err := b.Start(ctx); err != nil {
		result.Error = types.WrapError(types.ErrCodeInternal, "failed to start bridge", err)
		return result, result.Error
	}

	timeout := cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := WaitForReady(ctx, b, timeout); err != nil {
		_ = b.Close()
		result.Error = err
		return result, result.Error
	}
	result.Bridge = b

	b.Logger().Info("Bridge bootstrapped successfully",
		"version", result.Version,
		"duration", result.Duration().String())

	return result, nil
}

// WaitForReady waits for the bridge's IPC server to initialize
func WaitForReady(ctx context.Context, b *Bridge, timeout time.Duration) error {
	if b == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "bridge is nil")
	}
	srv := b.Server()
	if srv == nil {
		return types.NewError(types.ErrCodeFailedPrecondition, "bridge is not started")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case <-srv.Ready():
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeTimeout, "bridge not ready within timeout", ctx.Err())
	}
}

// GetVersion returns the version of the bridge
func GetVersion() string {
	return DefaultVersion
}
