package limbo

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wonderland/bridge/internal/logger"
)

// ReloadState represents the current state of the reloader
type ReloadState string

const (
	ReloadStateIdle      ReloadState = "idle"
	ReloadStateReloading ReloadState = "reloading"
	ReloadStateStopped   ReloadState = "stopped"
)

// String returns a string representation of the reload state
func (s ReloadState) String() string {
	return string(s)
}

// reloadTimeout bounds a signal-triggered reload
const reloadTimeout = 30 * time.Second

// ReloadCallback is called with the freshly loaded entries after they
// have been applied to the ledger
type ReloadCallback func(ctx context.Context, entries []Entry) error

// Reloader re-applies a seed file to a ledger on SIGHUP
type Reloader struct {
	mu           sync.RWMutex
	path         string
	ledger       *Ledger
	logger       *logger.Logger
	state        ReloadState
	signalChan   chan os.Signal
	reloadCtx    context.Context
	reloadCancel context.CancelFunc
	started      bool
	callbacks    []ReloadCallback
	reloads      int
}

// NewReloader creates a reloader for the seed file at path
func NewReloader(path string, ledger *Ledger, log *logger.Logger) *Reloader {
	if log == nil {
		log = logger.Global()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Reloader{
		path:         path,
		ledger:       ledger,
		logger:       log.With("component", "limbo_reloader", "path", path),
		state:        ReloadStateIdle,
		signalChan:   make(chan os.Signal, 1),
		reloadCtx:    ctx,
		reloadCancel: cancel,
	}
}

// Start begins listening for SIGHUP
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return
	}

	if r.state == ReloadStateStopped {
		ctx, cancel := context.WithCancel(context.Background())
		r.reloadCtx = ctx
		r.reloadCancel = cancel
		r.state = ReloadStateIdle
	}

	signal.Notify(r.signalChan, syscall.SIGHUP)
	r.started = true
	r.logger.Info("Limbo reloader started")

	go r.handleSignals(r.reloadCtx)
}

// Stop stops signal handling
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return
	}

	signal.Stop(r.signalChan)
	r.reloadCancel()
	r.started = false
	r.state = ReloadStateStopped
	r.logger.Info("Limbo reloader stopped")
}

// Reload loads the seed file and replaces the ledger's file-sourced
// entries. On a load error the ledger is left untouched.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	if r.state == ReloadStateReloading {
		r.mu.Unlock()
		r.logger.Debug("Reload already in progress, skipping")
		return nil
	}
	prev := r.state
	r.state = ReloadStateReloading
	r.mu.Unlock()

	defer r.setState(prev)

	entries, err := LoadFromFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to load limbo file %s: %w", r.path, err)
	}

	r.ledger.ReplaceSource(SourceFile, entries)

	r.mu.Lock()
	r.reloads++
	r.mu.Unlock()

	r.logger.Info("Limbo file applied", "entries", len(entries))

	return r.executeCallbacks(ctx, entries)
}

// AddCallback registers a callback run after each successful reload
func (r *Reloader) AddCallback(callback ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

// State returns the current reload state
func (r *Reloader) State() ReloadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Reloads returns how many reloads have been applied
func (r *Reloader) Reloads() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reloads
}

func (r *Reloader) handleSignals(ctx context.Context) {
	for {
		select {
		case sig := <-r.signalChan:
			r.logger.Info("Reload signal received", "signal", sig.String())
			reloadCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
			if err := r.Reload(reloadCtx); err != nil {
				r.logger.Error("Limbo reload failed", "error", err)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reloader) executeCallbacks(ctx context.Context, entries []Entry) error {
	r.mu.RLock()
	callbacks := make([]ReloadCallback, len(r.callbacks))
	copy(callbacks, r.callbacks)
	r.mu.RUnlock()

	for i, callback := range callbacks {
		if err := callback(ctx, entries); err != nil {
			r.logger.Error("Reload callback failed", "callback", i, "error", err)
			return fmt.Errorf("reload callback %d failed: %w", i, err)
		}
	}
	return nil
}

func (r *Reloader) setState(state ReloadState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == ReloadStateReloading {
		r.state = state
	}
}

// String returns a string representation of the reloader
func (r *Reloader) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("Reloader{state: %s, path: %s, reloads: %d}", r.state, r.path, r.reloads)
}
