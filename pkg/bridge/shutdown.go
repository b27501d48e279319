package bridge

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wonderland/bridge/internal/logger"
	"github.com/wonderland/bridge/pkg/types"
)

// ShutdownState represents the current state of the shutdown process
type ShutdownState string

const (
	ShutdownStateRunning   ShutdownState = "running"
	ShutdownStateInitiated ShutdownState = "initiated"
	ShutdownStateStopping  ShutdownState = "stopping"
	ShutdownStateComplete  ShutdownState = "complete"
)

// String returns a string representation of the shutdown state
func (s ShutdownState) String() string {
	return string(s)
}

// ShutdownHook is a function that can be called during shutdown
type ShutdownHook func(ctx context.Context) error

// Closer is what the shutdown manager stops between its hook phases
type Closer interface {
	Close() error
}

// ShutdownManager turns SIGINT/SIGTERM into an orderly Close of the bridge
type ShutdownManager struct {
	mu              sync.RWMutex
	target          Closer
	state           ShutdownState
	shutdownTimeout time.Duration
	preHooks        []ShutdownHook
	postHooks       []ShutdownHook
	logger          *logger.Logger
	signalChan      chan os.Signal
	signalCtx       context.Context
	signalCancel    context.CancelFunc
	started         bool
	completionChan  chan struct{}
	reason          string
	startedAt       time.Time
}

// NewShutdownManager creates a new shutdown manager for target
func NewShutdownManager(target Closer, timeout time.Duration, log *logger.Logger) *ShutdownManager {
	if log == nil {
		log = logger.Global()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ShutdownManager{
		target:          target,
		state:           ShutdownStateRunning,
		shutdownTimeout: timeout,
		logger:          log.With("component", "shutdown_manager"),
		signalChan:      make(chan os.Signal, 1),
		signalCtx:       ctx,
		signalCancel:    cancel,
		completionChan:  make(chan struct{}),
	}
}

// Start begins listening for shutdown signals
func (sm *ShutdownManager) Start() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.started {
		return
	}

	signal.Notify(sm.signalChan, syscall.SIGINT, syscall.SIGTERM)
	sm.started = true
	sm.logger.Info("Shutdown manager started", "timeout", sm.shutdownTimeout.String())

	go sm.handleSignals()
}

// Stop cancels signal handling
func (sm *ShutdownManager) Stop() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.started {
		return
	}

	signal.Stop(sm.signalChan)
	sm.signalCancel()
	sm.started = false

	sm.logger.Debug("Shutdown manager stopped")
}

// Shutdown runs the pre-shutdown hooks, closes the target, then runs the
// post-shutdown hooks. Only the first call does anything.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	sm.mu.Lock()
	if sm.state != ShutdownStateRunning {
		sm.mu.Unlock()
		return types.NewError(types.ErrCodeFailedPrecondition, "shutdown already initiated")
	}
	sm.state = ShutdownStateInitiated
	sm.reason = reason
	sm.startedAt = time.Now()
	sm.mu.Unlock()

	sm.logger.Info("Shutdown initiated", "reason", reason)

	shutdownCtx, cancel := context.WithTimeout(ctx, sm.shutdownTimeout)
	defer cancel()

	if err := sm.executeHooks(shutdownCtx, "pre-shutdown", sm.hooksFor(false)); err != nil {
		sm.logger.Error("Pre-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateStopping)

	if sm.target != nil {
		if err := sm.target.Close(); err != nil {
			sm.logger.Error("Close failed", "error", err)
		}
	}

	if err := sm.executeHooks(shutdownCtx, "post-shutdown", sm.hooksFor(true)); err != nil {
		sm.logger.Error("Post-shutdown hooks failed", "error", err)
	}

	sm.setState(ShutdownStateComplete)
	close(sm.completionChan)

	sm.logger.Info("Shutdown complete", "reason", reason, "duration", time.Since(sm.startedAt).String())
	return nil
}

// AddHook adds a hook run before the target is closed
func (sm *ShutdownManager) AddHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.preHooks = append(sm.preHooks, hook)
	sm.logger.Debug("Shutdown hook registered", "phase", "pre-shutdown", "total_hooks", len(sm.preHooks))
}

// AddPostHook adds a hook run after the target is closed
func (sm *ShutdownManager) AddPostHook(hook ShutdownHook) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.postHooks = append(sm.postHooks, hook)
	sm.logger.Debug("Shutdown hook registered", "phase", "post-shutdown", "total_hooks", len(sm.postHooks))
}

func (sm *ShutdownManager) hooksFor(post bool) []ShutdownHook {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	src := sm.preHooks
	if post {
		src = sm.postHooks
	}
	hooks := make([]ShutdownHook, len(src))
	copy(hooks, src)
	return hooks
}

// State returns the current shutdown state
func (sm *ShutdownManager) State() ShutdownState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// IsShuttingDown returns true if shutdown has been initiated
func (sm *ShutdownManager) IsShuttingDown() bool {
	return sm.State() != ShutdownStateRunning
}

// ShutdownReason returns the reason for shutdown
func (sm *ShutdownManager) ShutdownReason() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.reason
}

// Done is closed once shutdown completes
func (sm *ShutdownManager) Done() <-chan struct{} {
	return sm.completionChan
}

// WaitCompletion waits for shutdown to complete
func (sm *ShutdownManager) WaitCompletion(ctx context.Context) error {
	select {
	case <-sm.completionChan:
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrCodeCanceled, "wait for completion canceled", ctx.Err())
	}
}

func (sm *ShutdownManager) handleSignals() {
	for {
		select {
		case sig := <-sm.signalChan:
			sm.logger.Info("Shutdown signal received", "signal", sig.String())

			go func() {
				if err := sm.Shutdown(context.Background(), fmt.Sprintf("signal received: %s", sig)); err != nil {
					sm.logger.Debug("Shutdown skipped", "error", err)
				}
			}()

		case <-sm.signalCtx.Done():
			return
		}
	}
}

// executeHooks runs every hook, each bounded by 5s
func (sm *ShutdownManager) executeHooks(ctx context.Context, phase string, hooks []ShutdownHook) error {
	var errs []error
	for i, hook := range hooks {
		hookCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := hook(hookCtx)
		cancel()
		if err != nil {
			sm.logger.Error("Shutdown hook failed", "phase", phase, "hook", i, "error", err)
			errs = append(errs, err)
		}

		if ctx.Err() != nil {
			sm.logger.Warn("Shutdown hook execution canceled", "phase", phase)
			return types.WrapError(types.ErrCodeCanceled, "hook execution canceled", ctx.Err())
		}
	}

	if len(errs) > 0 {
		return types.WrapError(types.ErrCodePartialFailure, fmt.Sprintf("%s hooks failed", phase), errs[0])
	}
	return nil
}

func (sm *ShutdownManager) setState(state ShutdownState) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.state = state
	sm.logger.Debug("Shutdown state changed", "state", state.String())
}

// String returns a string representation of the shutdown manager
func (sm *ShutdownManager) String() string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return fmt.Sprintf("ShutdownManager{state: %s, timeout: %v, hooks: %d, started: %t}",
		sm.state, sm.shutdownTimeout, len(sm.preHooks)+len(sm.postHooks), sm.started)
}
