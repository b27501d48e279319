package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/wonderland/bridge/internal/config"
	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/health"
	"github.com/wonderland/bridge/pkg/ipc"
	"github.com/wonderland/bridge/pkg/limbo"
	"github.com/wonderland/bridge/pkg/types"
)

// Bridge wires the IPC server to its admission ledger, seed file
// reloader, audit trail and health endpoint
type Bridge struct {
	cfg    config.Config
	logger *logger.Logger
	opts   []ipc.Option

	ledger    *limbo.Ledger
	audit     *limbo.AuditLogger
	reloader  *limbo.Reloader
	server    *ipc.Server
	health    *health.HealthServer
	healthSrv *health.Server

	mu          sync.RWMutex
	started     bool
	closed      bool
	trackCancel context.CancelFunc
	trackDone   chan struct{}
}

// New creates a bridge from cfg. opts are passed to the IPC server.
func New(cfg config.Config, log *logger.Logger, opts ...ipc.Option) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	return &Bridge{
		cfg:    cfg,
		logger: log.With("component", "bridge", "wonderland_id", cfg.Wonderland.WonderlandID),
		opts:   opts,
		ledger: limbo.NewLedger(),
	}, nil
}

// Start seeds the ledger, binds the IPC socket and brings up the health
// endpoint. Anything already started is torn down on failure.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeUnavailable, "bridge is closed")
	}
	if b.started {
		return types.NewError(types.ErrCodeInvalid, "bridge already started")
	}

	if err := b.startLocked(ctx); err != nil {
		b.stopLocked()
		return err
	}

	b.started = true
	b.logger.Info("Bridge started",
		"socket_path", b.server.SocketPath(),
		"health", b.healthSrv != nil,
		"ledger_entries", b.ledger.Len())
	return nil
}

func (b *Bridge) startLocked(ctx context.Context) error {
	if path := b.cfg.Admission.LimboFile; path != "" {
		entries, err := limbo.LoadFromFile(path)
		if err != nil {
			return types.WrapError(types.ErrCodeInvalid, "failed to load limbo file", err)
		}
		b.ledger.ReplaceSource(limbo.SourceFile, entries)
		b.logger.Info("Limbo file loaded", "path", path, "entries", len(entries))

		if b.cfg.Admission.ReloadOnSIGHUP {
			b.reloader = limbo.NewReloader(path, b.ledger, b.logger)
			b.reloader.AddCallback(func(ctx context.Context, entries []limbo.Entry) error {
				b.logger.Info("Ledger refreshed from limbo file", "ledger", b.ledger.String())
				return nil
			})
			b.reloader.Start()
		}
	}

	audit, err := limbo.NewAuditLogger(b.logger, b.cfg.Admission.AuditFile)
	if err != nil {
		return err
	}
	b.audit = audit

	opts := append([]ipc.Option{ipc.WithAuditLogger(audit)}, b.opts...)
	server, err := ipc.New(ipc.NewServerConfig(&b.cfg), b.ledger, b.logger, opts...)
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}
	b.server = server

	if !b.cfg.Health.Enabled {
		return nil
	}

	hs, err := health.NewHealthServer(health.HealthServerConfig{}, b.logger)
	if err != nil {
		return err
	}
	healthSrv, err := health.NewServer(health.ServerConfig{
		Path:            b.cfg.HealthSocketPath(),
		ShutdownTimeout: b.cfg.ShutdownTimeout,
	}, hs, b.logger)
	if err != nil {
		return err
	}
	if err := healthSrv.Start(ctx); err != nil {
		return err
	}
	b.health = hs
	b.healthSrv = healthSrv

	trackCtx, cancel := context.WithCancel(context.Background())
	b.trackCancel = cancel
	b.trackDone = make(chan struct{})
	go func() {
		defer close(b.trackDone)
		hs.Track(trackCtx, server)
	}()

	return nil
}

// stopLocked releases whatever startLocked brought up, in reverse order
func (b *Bridge) stopLocked() []error {
	var errs []error

	if b.trackCancel != nil {
		b.trackCancel()
		<-b.trackDone
		b.trackCancel = nil
	}
	if b.healthSrv != nil {
		if err := b.healthSrv.Stop(); err != nil {
			errs = append(errs, err)
		}
		b.healthSrv = nil
	}
	if b.reloader != nil {
		b.reloader.Stop()
		b.reloader = nil
	}
	if b.server != nil {
		if err := b.server.Close(); err != nil {
			errs = append(errs, err)
		}
		b.server = nil
	}
	if b.audit != nil {
		if err := b.audit.Close(); err != nil {
			errs = append(errs, err)
		}
		b.audit = nil
	}
	return errs
}

// Close stops every subsystem. Errors are logged and the first one is
// returned.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return types.NewError(types.ErrCodeInvalid, "bridge already closed")
	}
	b.closed = true

	errs := b.stopLocked()
	for _, err := range errs {
		b.logger.Error("Subsystem close failed", "error", err)
	}

	b.logger.Info("Bridge closed")
	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, "bridge closed with errors", errs[0])
	}
	return nil
}

// IsReady reports whether the IPC server is accepting connections
func (b *Bridge) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started && !b.closed && b.server != nil && b.server.IsServerInitialized()
}

// Server returns the IPC server, nil before Start
func (b *Bridge) Server() *ipc.Server {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.server
}

// Ledger returns the admission ledger
func (b *Bridge) Ledger() *limbo.Ledger {
	return b.ledger
}

// Health returns the health service, nil when the endpoint is disabled
func (b *Bridge) Health() *health.HealthServer {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// Reloader returns the limbo file reloader, nil when not configured
func (b *Bridge) Reloader() *limbo.Reloader {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.reloader
}

// Config returns the configuration the bridge was built with
func (b *Bridge) Config() config.Config {
	return b.cfg
}

// Logger returns the bridge logger
func (b *Bridge) Logger() *logger.Logger {
	return b.logger
}

// String returns a string representation of the bridge
func (b *Bridge) String() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fmt.Sprintf("Bridge{ID: %s, Started: %v, Closed: %v}",
		b.cfg.Wonderland.WonderlandID, b.started, b.closed)
}
