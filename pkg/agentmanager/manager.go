// Package agentmanager owns the registry of running agents: it starts and
// stops them, enforces process-wide concurrency, exposes a health view, and
// restarts an agent whose loop crashes outside its own handler.
package agentmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/eventbus"
	"github.com/devloop-dev/devloop/pkg/metrics"
)

// Factory constructs a fresh Handler instance. A factory is called again
// by the restart policy each time an agent's loop needs to be recreated
// from scratch.
type Factory func() (agent.Handler, error)

// restartBaseDelay is the first backoff delay after a loop crash.
const restartBaseDelay = time.Second

// restartMaxDelay caps the exponential backoff.
const restartMaxDelay = 60 * time.Second

// stabilityWindow is how long an agent must run without crashing before its
// backoff resets to the base delay.
const stabilityWindow = 10 * time.Minute

// maxConsecutiveFailures stops retrying and marks an agent permanently
// stopped after this many restart attempts in a row fail to stabilize.
const maxConsecutiveFailures = 5

// registration tracks one managed agent and its restart bookkeeping.
type registration struct {
	name    string
	factory Factory
	cfg     agent.Config
	base    *agent.Base

	mu                  sync.Mutex
	consecutiveFailures int
	lastStart           time.Time
	lastResult          time.Time
	successCount        int64
	failureCount        int64
	stopped             bool
}

// AgentHealth summarizes one agent for the manager's health view.
type AgentHealth struct {
	Name                string
	State               agent.State
	LastResultAt        time.Time
	SuccessCount        int64
	FailureCount        int64
	SuccessRate         float64
	DroppedCount        int64
	ConsecutiveFailures int
}

// Manager is the registry and concurrency envelope for every built-in and
// configured agent.
type Manager struct {
	bus *eventbus.Bus
	log zerolog.Logger

	sem chan struct{}

	mu   sync.RWMutex
	regs map[string]*registration

	completedSub eventbus.Queue
	stopCh       chan struct{}
	doneCh       chan struct{}
}

// New constructs a Manager bounding concurrent handler execution to
// maxConcurrentAgents.
func New(bus *eventbus.Bus, maxConcurrentAgents int, log zerolog.Logger) *Manager {
	if maxConcurrentAgents <= 0 {
		maxConcurrentAgents = 5
	}
	m := &Manager{
		bus:          bus,
		log:          log.With().Str("component", "agentmanager").Logger(),
		sem:          make(chan struct{}, maxConcurrentAgents),
		regs:         make(map[string]*registration),
		completedSub: eventbus.NewQueue(1024),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	bus.Subscribe("agent:*:completed", m.completedSub)
	go m.trackResults()
	return m
}

// Register adds an agent to the registry without starting it. cfg.Name
// must be unique.
func (m *Manager) Register(cfg agent.Config, factory Factory) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.regs[cfg.Name]; exists {
		return dlerrors.Config(cfg.Name, fmt.Errorf("agent %q already registered", cfg.Name))
	}

	m.regs[cfg.Name] = &registration{name: cfg.Name, factory: factory, cfg: cfg}
	return nil
}

// StartAll starts every registered agent that isn't already running.
func (m *Manager) StartAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.regs))
	for name := range m.regs {
		names = append(names, name)
	}
	m.mu.RUnlock()

	for _, name := range names {
		if err := m.start(name); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every running agent.
func (m *Manager) StopAll() {
	m.mu.RLock()
	regs := make([]*registration, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	m.mu.RUnlock()

	for _, r := range regs {
		r.mu.Lock()
		base := r.base
		r.stopped = true
		r.mu.Unlock()
		if base != nil && base.State() == agent.StateRunning {
			if err := base.Stop(); err != nil {
				m.log.Warn().Err(err).Str("agent", r.name).Msg("error stopping agent")
			}
		}
	}

	close(m.stopCh)
	<-m.doneCh
	m.bus.UnsubscribeAll(m.completedSub)
}

// Restart stops (if running) and restarts the named agent, resetting its
// restart-failure bookkeeping.
func (m *Manager) Restart(name string) error {
	m.mu.RLock()
	r, ok := m.regs[name]
	m.mu.RUnlock()
	if !ok {
		return dlerrors.Config(name, fmt.Errorf("no such agent %q", name))
	}

	r.mu.Lock()
	base := r.base
	r.consecutiveFailures = 0
	r.stopped = false
	r.mu.Unlock()

	if base != nil && base.State() == agent.StateRunning {
		_ = base.Stop()
	}
	return m.start(name)
}

func (m *Manager) start(name string) error {
	m.mu.RLock()
	r, ok := m.regs[name]
	m.mu.RUnlock()
	if !ok {
		return dlerrors.Config(name, fmt.Errorf("no such agent %q", name))
	}

	handler, err := r.factory()
	if err != nil {
		return dlerrors.AgentLoop(name, fmt.Errorf("construct handler: %w", err))
	}

	base, err := agent.New(r.cfg, m.bus, &supervisedHandler{inner: handler, sem: m.sem}, m.log)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.base = base
	r.lastStart = time.Now()
	r.mu.Unlock()

	if err := base.Start(); err != nil {
		return err
	}

	go m.watchForCrash(r)
	return nil
}

// watchForCrash waits on the agent's crash signal; a Base whose loop exits
// on its own (as opposed to through StopAll/Restart's deliberate Stop call)
// closes that channel, which is treated as a loop crash subject to the
// restart-with-backoff policy.
func (m *Manager) watchForCrash(r *registration) {
	r.mu.Lock()
	base := r.base
	r.mu.Unlock()
	if base == nil {
		return
	}

	select {
	case <-m.stopCh:
		return
	case <-base.CrashCh():
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if time.Since(r.lastStart) > stabilityWindow {
		r.consecutiveFailures = 0
	}
	r.consecutiveFailures++
	failures := r.consecutiveFailures
	r.mu.Unlock()

	if failures > maxConsecutiveFailures {
		m.log.Error().Str("agent", r.name).Int("consecutive_failures", failures).
			Msg("agent exceeded restart attempts, giving up")
		return
	}

	delay := backoffDelay(failures)
	m.log.Warn().Str("agent", r.name).Int("attempt", failures).Dur("delay", delay).
		Msg("agent loop crashed, restarting with backoff")
	time.Sleep(delay)

	if err := m.start(r.name); err != nil {
		m.log.Error().Err(err).Str("agent", r.name).Msg("failed to restart agent")
	}
}

func backoffDelay(attempt int) time.Duration {
	delay := restartBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= restartMaxDelay {
			return restartMaxDelay
		}
	}
	return delay
}

// trackResults consumes agent:*:completed events to update per-agent
// success/failure counters and last-result timestamps for the health view.
func (m *Manager) trackResults() {
	defer close(m.doneCh)
	for {
		select {
		case <-m.stopCh:
			return
		case ev := <-m.completedSub:
			m.recordResult(ev)
		}
	}
}

func (m *Manager) recordResult(ev event.Event) {
	name, _ := ev.Payload["agent_name"].(string)
	if name == "" {
		return
	}
	m.mu.RLock()
	r, ok := m.regs[name]
	m.mu.RUnlock()
	if !ok {
		return
	}

	success, _ := ev.Payload["success"].(bool)
	r.mu.Lock()
	r.lastResult = ev.Timestamp
	if success {
		r.successCount++
	} else {
		r.failureCount++
	}
	r.mu.Unlock()

	outcome := "failure"
	if success {
		outcome = "success"
	}
	metrics.AgentRunsTotal.WithLabelValues(name, outcome).Inc()
	if d, ok := ev.Payload["duration_seconds"].(float64); ok {
		metrics.AgentRunDuration.WithLabelValues(name).Observe(d)
	}
}

// Health returns a snapshot of every registered agent's status.
func (m *Manager) Health() []AgentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentHealth, 0, len(m.regs))
	for _, r := range m.regs {
		r.mu.Lock()
		state := agent.StateCreated
		var base *agent.Base
		if r.base != nil {
			state = r.base.State()
			base = r.base
		}
		total := r.successCount + r.failureCount
		rate := 1.0
		if total > 0 {
			rate = float64(r.successCount) / float64(total)
		}
		r.mu.Unlock()

		var dropped int64
		if base != nil {
			for _, stat := range m.bus.Stats(base.Queue()) {
				dropped += stat.Dropped
			}
		}

		out = append(out, AgentHealth{
			Name:                r.name,
			State:               state,
			LastResultAt:        r.lastResult,
			SuccessCount:        r.successCount,
			FailureCount:        r.failureCount,
			SuccessRate:         rate,
			DroppedCount:        dropped,
			ConsecutiveFailures: r.consecutiveFailures,
		})
	}
	return out
}
