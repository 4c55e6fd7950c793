// Package shutdown provides graceful shutdown coordination for NebulaGuard.
//
// The coordinator stops server components in a fixed order so that no scan
// commits into a closed store and no violation is lost in the notification
// queue:
//
//  1. Scans - Cancel running scans and wait for their results to commit
//  2. HTTP Servers - Stop accepting requests and drain handlers
//  3. Workers - Stop background workers (bundle watcher, rate limiter, source handles)
//  4. Notifications - Stop the violation emitter
//  5. Store - Close the badger store
//
// Progress is exported as metrics and every phase is bounded by a timeout.
package shutdown

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseScans          Phase = "scans"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseWorkers        Phase = "workers"
	PhaseNotifications  Phase = "notifications"
	PhaseStore          Phase = "store"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// scanPollInterval is how often the scan phase checks for remaining scans.
const scanPollInterval = 20 * time.Millisecond

// Config holds shutdown configuration.
type Config struct {
	// TotalTimeout is the maximum time allowed for the entire shutdown sequence.
	// Default: 30 seconds
	TotalTimeout time.Duration

	// ScanTimeout is the time to wait for cancelled scans to commit.
	// Default: 10 seconds
	ScanTimeout time.Duration

	// HTTPTimeout is the time to wait for HTTP servers to shutdown.
	// Default: 10 seconds
	HTTPTimeout time.Duration

	// WorkerTimeout is the time to wait for background workers to stop.
	// Default: 5 seconds
	WorkerTimeout time.Duration

	// NotificationTimeout is the time to wait for the emitter to flush.
	// Default: 10 seconds
	NotificationTimeout time.Duration

	// StoreTimeout is the time to wait for the store to close.
	// Default: 5 seconds
	StoreTimeout time.Duration

	// ForceTimeout is the time after which shutdown is forced.
	// Default: 5 seconds after TotalTimeout
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:        30 * time.Second,
		ScanTimeout:         10 * time.Second,
		HTTPTimeout:         10 * time.Second,
		WorkerTimeout:       5 * time.Second,
		NotificationTimeout: 10 * time.Second,
		StoreTimeout:        5 * time.Second,
		ForceTimeout:        5 * time.Second,
	}
}

// HTTPServerShutdown wraps an HTTP server for shutdown.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// StoppableNoError represents a component with a Stop method that doesn't return an error.
type StoppableNoError interface {
	Stop()
}

// ScanDrainer cancels running scans and reports how many are still active.
type ScanDrainer interface {
	CancelScans()
	ActiveScanCount() int
}

// ShutdownComponents holds all components that need to be shutdown.
type ShutdownComponents struct {
	// Scans cancels and tracks running scans
	Scans ScanDrainer

	// HTTPServers are HTTP servers to shutdown gracefully
	HTTPServers []HTTPServerShutdown

	// Workers are background goroutines stopped after the servers
	Workers []StoppableNoError

	// Notifications is the violation emitter
	Notifications StoppableNoError

	// Store is the persistence layer
	Store io.Closer
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// Coordinator manages graceful shutdown of all server components.
type Coordinator struct {
	started  time.Time
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	phase    Phase
	errors   []error
	config   Config
	mu       sync.RWMutex
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	markPhase(phase)
}

func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	failures.Inc()
}

func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// Shutdown runs the shutdown sequence once. Later calls return immediately.
// Component failures are collected in Errors rather than returned.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Initiating graceful shutdown")
	markStarted(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	go c.watchForceTimeout(shutdownCtx)

	c.drainScans(shutdownCtx, components.Scans)
	c.stopHTTPServers(shutdownCtx, components.HTTPServers)
	c.stopWorkers(shutdownCtx, components.Workers)
	c.stopNotifications(shutdownCtx, components.Notifications)
	c.closeStore(shutdownCtx, components.Store)

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	markFinished(duration)

	if errs := c.Errors(); len(errs) > 0 {
		log.Warn().
			Int("error_count", len(errs)).
			Dur("duration", duration).
			Msg("Shutdown completed with errors")
	} else {
		log.Info().
			Dur("duration", duration).
			Msg("Shutdown completed successfully")
	}

	return nil
}

func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Force timeout reached, forcing shutdown")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

func (c *Coordinator) drainScans(ctx context.Context, scans ScanDrainer) {
	c.setPhase(PhaseScans)
	c.runHooks(ctx, PhaseScans)

	if scans == nil {
		return
	}

	scanCtx, cancel := context.WithTimeout(ctx, c.config.ScanTimeout)
	defer cancel()

	scans.CancelScans()

	ticker := time.NewTicker(scanPollInterval)
	defer ticker.Stop()

	for {
		active := scans.ActiveScanCount()
		drainingScans.Set(float64(active))

		if active == 0 {
			return
		}

		select {
		case <-ticker.C:
		case <-scanCtx.Done():
			log.Warn().Int("remaining", active).Msg("Scan drain timeout, proceeding with shutdown")
			c.addError(scanCtx.Err())

			return
		}
	}
}

func (c *Coordinator) stopHTTPServers(ctx context.Context, servers []HTTPServerShutdown) {
	c.setPhase(PhaseHTTPServers)
	c.runHooks(ctx, PhaseHTTPServers)

	httpCtx, cancel := context.WithTimeout(ctx, c.config.HTTPTimeout)
	defer cancel()

	var wg sync.WaitGroup

	for _, server := range servers {
		wg.Add(1)

		go func(srv HTTPServerShutdown) {
			defer wg.Done()

			if err := srv.Shutdown(httpCtx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("Error shutting down HTTP server")
				c.addError(err)
			} else {
				log.Info().Str("server", srv.Name()).Msg("HTTP server shutdown complete")
			}
		}(server)
	}

	wg.Wait()
}

func (c *Coordinator) stopWorkers(ctx context.Context, workers []StoppableNoError) {
	c.setPhase(PhaseWorkers)
	c.runHooks(ctx, PhaseWorkers)

	workerCtx, cancel := context.WithTimeout(ctx, c.config.WorkerTimeout)
	defer cancel()

	for _, w := range workers {
		if w == nil {
			continue
		}

		c.stopComponent(workerCtx, "worker", w)
		stoppedWorkers.Inc()
	}
}

func (c *Coordinator) stopNotifications(ctx context.Context, emitter StoppableNoError) {
	c.setPhase(PhaseNotifications)
	c.runHooks(ctx, PhaseNotifications)

	if emitter == nil {
		return
	}

	notifyCtx, cancel := context.WithTimeout(ctx, c.config.NotificationTimeout)
	defer cancel()

	c.stopComponent(notifyCtx, "notifications", emitter)
}

func (c *Coordinator) closeStore(ctx context.Context, store io.Closer) {
	c.setPhase(PhaseStore)
	c.runHooks(ctx, PhaseStore)

	if store == nil {
		return
	}

	storeCtx, cancel := context.WithTimeout(ctx, c.config.StoreTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- store.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Error().Err(err).Msg("Error closing store")
			c.addError(err)
		} else {
			log.Info().Msg("Store closed")
		}
	case <-storeCtx.Done():
		log.Warn().Msg("Timeout closing store")
		c.addError(storeCtx.Err())
	}
}

func (c *Coordinator) stopComponent(ctx context.Context, name string, component StoppableNoError) {
	done := make(chan struct{}, 1)

	go func() {
		component.Stop()
		done <- struct{}{}
	}()

	select {
	case <-done:
		log.Debug().Str("component", name).Msg("Component stopped")
	case <-ctx.Done():
		log.Warn().Str("component", name).Msg("Timeout stopping component")
		c.addError(ctx.Err())
	}
}
