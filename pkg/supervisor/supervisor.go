// Package supervisor is DevLoop's process envelope: it takes the
// single-instance lock, runs the background heartbeat and log rotation,
// starts and stops the collector/agentmanager/contextstore trio in the
// right order, serves the local metrics and health HTTP endpoints, and
// drives an orderly shutdown on SIGINT/SIGTERM.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/devloop-dev/devloop/pkg/agentmanager"
	"github.com/devloop-dev/devloop/pkg/collector"
	"github.com/devloop-dev/devloop/pkg/config"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/eventbus"
	"github.com/devloop-dev/devloop/pkg/logging"
	"github.com/devloop-dev/devloop/pkg/metrics"
)

// DefaultHeartbeatInterval is how often the heartbeat file is refreshed.
const DefaultHeartbeatInterval = 10 * time.Second

// DefaultHTTPAddr is where /metrics, /healthz, /readyz, and /livez are
// served. Bound to loopback only; DevLoop has no remote control surface.
const DefaultHTTPAddr = "127.0.0.1:9091"

// DefaultShutdownGrace bounds how long StopAll is given to let running
// agent handlers finish before the process exits anyway.
const DefaultShutdownGrace = 20 * time.Second

// cleanupInterval is how often CleanupOldFindings sweeps the context store.
const cleanupInterval = time.Hour

// Options configures a Supervisor's runtime file layout and networking.
// StateDir is normally <project>/.devloop.
type Options struct {
	StateDir          string
	HeartbeatInterval time.Duration
	HTTPAddr          string
	ShutdownGrace     time.Duration
}

func (o *Options) setDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = DefaultHTTPAddr
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = DefaultShutdownGrace
	}
}

func (o Options) pidPath() string       { return filepath.Join(o.StateDir, "devloop.pid") }
func (o Options) heartbeatPath() string { return filepath.Join(o.StateDir, "daemon.heartbeat") }
func (o Options) logPath() string       { return filepath.Join(o.StateDir, "devloop.log") }

// Supervisor owns the lifetime of one DevLoop daemon process.
type Supervisor struct {
	opts Options
	cfg  *config.Config
	log  zerolog.Logger

	bus       *eventbus.Bus
	coll      *collector.Collector
	agents    *agentmanager.Manager
	store     *contextstore.Store
	mcoll     *metricsCollector
	hb        *heartbeat
	pidFile   *os.File
	cleanupWG sync.WaitGroup
}

// New wires a Supervisor around the already-constructed event bus,
// collector, agent manager, and context store. Logging and the state
// directory are set up by Run, not here, so Options can be validated
// before anything touches the filesystem.
func New(opts Options, cfg *config.Config, bus *eventbus.Bus, coll *collector.Collector, agents *agentmanager.Manager, store *contextstore.Store) (*Supervisor, error) {
	opts.setDefaults()
	if opts.StateDir == "" {
		return nil, dlerrors.Config("state_dir", fmt.Errorf("must not be empty"))
	}
	return &Supervisor{
		opts:   opts,
		cfg:    cfg,
		bus:    bus,
		coll:   coll,
		agents: agents,
		store:  store,
	}, nil
}

// Run acquires the single-instance lock, starts every subsystem, and blocks
// until ctx is cancelled or a SIGINT/SIGTERM arrives, then shuts down in
// reverse dependency order. It returns a SingleInstanceError without
// touching any other subsystem if another daemon already holds the lock.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.opts.StateDir, 0o755); err != nil {
		return dlerrors.Persistence(s.opts.StateDir, fmt.Errorf("create state dir: %w", err))
	}

	pidFile, err := acquireLock(s.opts.pidPath(), s.opts.heartbeatPath(), s.opts.HeartbeatInterval)
	if err != nil {
		return err
	}
	s.pidFile = pidFile
	defer releaseLock(s.pidFile, s.opts.pidPath())

	s.setupLogging()
	s.log.Info().Str("state_dir", s.opts.StateDir).Msg("devloop starting")

	metrics.SetVersion(version())

	s.hb = newHeartbeat(s.opts.heartbeatPath(), s.opts.HeartbeatInterval, s.log)
	s.hb.start()
	defer s.hb.stop()

	s.bus.Start()
	defer s.bus.Stop()
	metrics.RegisterComponent("eventbus", true, "running")

	if err := s.coll.Start(); err != nil {
		metrics.RegisterComponent("collector", false, err.Error())
		return err
	}
	defer s.coll.Stop()
	metrics.RegisterComponent("collector", true, "watching")

	metrics.RegisterComponent("contextstore", true, "open")

	if err := s.agents.StartAll(); err != nil {
		metrics.RegisterComponent("agentmanager", false, err.Error())
		return err
	}
	metrics.RegisterComponent("agentmanager", true, "running")

	s.mcoll = newMetricsCollector(s.agents, s.store)
	s.mcoll.start()
	defer s.mcoll.stop()

	httpCtx, cancelHTTP := context.WithCancel(context.Background())
	defer cancelHTTP()
	go serveHTTP(httpCtx, s.opts.HTTPAddr, newHTTPMux(s.opts.heartbeatPath(), s.opts.HeartbeatInterval, s.log), s.log)
	s.log.Info().Str("addr", s.opts.HTTPAddr).Msg("metrics and health endpoints listening")

	cleanupCtx, cancelCleanup := context.WithCancel(ctx)
	defer cancelCleanup()
	s.startCleanupLoop(cleanupCtx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	metrics.SupervisorUp.Set(1)

	select {
	case sig := <-sigCh:
		s.log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-ctx.Done():
		s.log.Info().Msg("context cancelled")
	}

	metrics.SupervisorUp.Set(0)
	cancelCleanup()
	return s.shutdown()
}

// shutdown stops the agent manager first (draining running handlers up to
// ShutdownGrace), waits for the cleanup loop to exit, then closes the
// context store. The metrics poller, filesystem collector, event bus,
// heartbeat and pid lock are released afterwards by Run's deferred calls,
// in the reverse of the order Run started them.
func (s *Supervisor) shutdown() error {
	s.log.Info().Msg("shutting down")

	stopped := make(chan struct{})
	go func() {
		s.agents.StopAll()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(s.opts.ShutdownGrace):
		s.log.Warn().Dur("grace", s.opts.ShutdownGrace).Msg("agent shutdown exceeded grace period, continuing anyway")
	}

	s.cleanupWG.Wait()

	s.store.Close()

	s.log.Info().Msg("shutdown complete")
	return nil
}

// startCleanupLoop runs CleanupOldFindings once at startup and then every
// cleanupInterval until ctx is cancelled.
func (s *Supervisor) startCleanupLoop(ctx context.Context) {
	s.cleanupWG.Add(1)
	go func() {
		defer s.cleanupWG.Done()

		days := s.cfg.Global().Retention.FindingsDays
		if days <= 0 {
			return
		}
		maxAge := time.Duration(days) * 24 * time.Hour

		run := func() {
			if err := s.store.CleanupOldFindings(maxAge); err != nil {
				s.log.Warn().Err(err).Msg("finding cleanup failed")
			}
		}
		run()

		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				run()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// setupLogging points the global logger at a lumberjack-rotated file under
// the state directory, sized from the configured log_rotation settings.
func (s *Supervisor) setupLogging() {
	rot := s.cfg.Global().LogRotation
	maxMB := int(rot.MaxBytes / (1024 * 1024))
	if maxMB <= 0 {
		maxMB = 10
	}

	output := &lumberjack.Logger{
		Filename:   s.opts.logPath(),
		MaxSize:    maxMB,
		MaxBackups: rot.BackupCount,
		Compress:   rot.Compress,
	}

	logging.Init(logging.Config{
		Level:      logging.InfoLevel,
		JSONOutput: true,
		Output:     output,
	})
	s.log = logging.WithComponent("supervisor")
}

// version is a package-level var rather than a literal so a future build
// can override it with -ldflags, matching how the teacher's cmd/warren
// threads Version through metrics.SetVersion.
var Version = "dev"

func version() string { return Version }
