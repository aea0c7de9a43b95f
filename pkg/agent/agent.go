package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/eventbus"
)

// State is a position in the agent lifecycle state machine.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// DefaultHandlerTimeout bounds a single handle() invocation.
const DefaultHandlerTimeout = 30 * time.Second

// pollInterval is how long the cooperative loop waits on its queue before
// re-checking for a stop signal. Short enough to keep stop() responsive,
// long enough to avoid busy-looping.
const pollInterval = time.Second

// Handler is implemented by concrete agents (linter, formatter, ...).
// Handle should submit any findings to the context store itself; its
// return value summarizes execution, not contents.
type Handler interface {
	Handle(ctx context.Context, ev event.Event) Result
}

// Config configures a Base agent. Validation happens once, in New.
type Config struct {
	Name           string
	Triggers       []string
	HandlerTimeout time.Duration
	QueueDepth     int
	Enabled        bool
}

func (c Config) validate() error {
	if c.Name == "" {
		return dlerrors.Config("name", fmt.Errorf("agent name must not be empty"))
	}
	if len(c.Triggers) == 0 {
		return dlerrors.Config("triggers", fmt.Errorf("agent %q must declare at least one trigger", c.Name))
	}
	if c.HandlerTimeout < 0 {
		return dlerrors.Config("handler_timeout", fmt.Errorf("agent %q handler_timeout must be non-negative", c.Name))
	}
	return nil
}

// Base implements the shared agent lifecycle over a Handler. The zero
// value is not usable; construct with New.
type Base struct {
	cfg     Config
	bus     *eventbus.Bus
	handler Handler
	log     zerolog.Logger

	queue eventbus.Queue

	stateMu sync.Mutex
	state   State

	enabledMu sync.RWMutex
	enabled   bool

	stopCh  chan struct{}
	doneCh  chan struct{}
	crashCh chan struct{}
}

// New constructs a Base agent in the Created state. It does not subscribe
// to the bus or start its loop until Start is called.
func New(cfg Config, bus *eventbus.Bus, handler Handler, log zerolog.Logger) (*Base, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.HandlerTimeout == 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}

	return &Base{
		cfg:     cfg,
		bus:     bus,
		handler: handler,
		log:     log.With().Str("component", "agent").Str("agent_name", cfg.Name).Logger(),
		queue:   eventbus.NewQueue(depth),
		state:   StateCreated,
		enabled: cfg.Enabled,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		crashCh: make(chan struct{}),
	}, nil
}

// Name returns the agent's configured name.
func (b *Base) Name() string { return b.cfg.Name }

// Queue returns the agent's bus-facing consumer queue, letting callers
// (e.g. the manager's health view) read its drop statistics via
// eventbus.Bus.Stats.
func (b *Base) Queue() eventbus.Queue { return b.queue }

// State returns the agent's current lifecycle state.
func (b *Base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// CrashCh returns a channel that is closed exactly once, the moment the
// agent's loop exits on its own (a panic that escaped dispatch's own
// recover, or its consumer queue being closed out from under it) rather
// than through the operator-driven Stop path. It never closes on a normal
// Stop. Callers needing to detect and restart a crashed agent should
// select on this instead of polling State.
func (b *Base) CrashCh() <-chan struct{} {
	return b.crashCh
}

// SetEnabled toggles whether received events are dispatched to the
// handler. While disabled, events are still drained from the queue (and
// the subscription stays live) so recent-event context isn't lost.
func (b *Base) SetEnabled(enabled bool) {
	b.enabledMu.Lock()
	defer b.enabledMu.Unlock()
	b.enabled = enabled
}

func (b *Base) isEnabled() bool {
	b.enabledMu.RLock()
	defer b.enabledMu.RUnlock()
	return b.enabled
}

// Start subscribes the agent's triggers to its consumer queue and spawns
// the cooperative loop. Only legal from Created.
func (b *Base) Start() error {
	b.stateMu.Lock()
	if b.state != StateCreated {
		err := dlerrors.AgentLoop(b.cfg.Name, fmt.Errorf("cannot start from state %s", b.state))
		b.stateMu.Unlock()
		return err
	}
	b.state = StateRunning
	b.stateMu.Unlock()

	for _, pattern := range b.cfg.Triggers {
		b.bus.Subscribe(pattern, b.queue)
	}

	go b.run()
	return nil
}

// Stop transitions the agent to Stopping, unsubscribes its triggers,
// drains any already-delivered events by discarding them, joins the loop,
// and transitions to Stopped. Only legal from Running.
func (b *Base) Stop() error {
	b.stateMu.Lock()
	if b.state != StateRunning {
		err := dlerrors.AgentLoop(b.cfg.Name, fmt.Errorf("cannot stop from state %s", b.state))
		b.stateMu.Unlock()
		return err
	}
	b.state = StateStopping
	b.stateMu.Unlock()

	b.bus.UnsubscribeAll(b.queue)
	close(b.stopCh)
	<-b.doneCh

drain:
	for {
		select {
		case <-b.queue:
		default:
			break drain
		}
	}

	b.stateMu.Lock()
	b.state = StateStopped
	b.stateMu.Unlock()
	return nil
}

func (b *Base) run() {
	defer close(b.doneCh)
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Msg("agent loop panicked")
			b.signalCrash()
		}
	}()

	for {
		select {
		case <-b.stopCh:
			return
		case ev, ok := <-b.queue:
			if !ok {
				b.log.Error().Msg("agent queue closed unexpectedly")
				b.signalCrash()
				return
			}
			b.dispatch(ev)
		case <-time.After(pollInterval):
			// Wake up periodically just to re-check stopCh; keeps the loop
			// responsive even if the queue never delivers again.
		}
	}
}

// signalCrash transitions to Stopped and closes crashCh, unless the agent
// is already stopping or stopped through the deliberate Stop path — Stop
// owns that transition and already joins on doneCh, so a concurrent crash
// signal would be redundant at best and racy at worst.
func (b *Base) signalCrash() {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state != StateRunning {
		return
	}
	b.state = StateStopped
	close(b.crashCh)
}

func (b *Base) dispatch(ev event.Event) {
	if !b.isEnabled() {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.HandlerTimeout)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- Result{
					AgentName: b.cfg.Name,
					Success:   false,
					Error:     fmt.Sprintf("panic in handler: %v", r),
				}
			}
		}()
		resultCh <- b.handler.Handle(ctx, ev)
	}()

	var result Result
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		result = Result{
			AgentName: b.cfg.Name,
			Success:   false,
			Error:     "handler timed out",
		}
		b.log.Warn().Str("event_type", ev.Type).Dur("timeout", b.cfg.HandlerTimeout).Msg("handler timed out")
	}

	if result.AgentName == "" {
		result.AgentName = b.cfg.Name
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	b.publish(result)
}

func (b *Base) publish(r Result) {
	payload := map[string]any{
		"agent_name":       r.AgentName,
		"success":          r.Success,
		"duration_seconds": r.Duration.Seconds(),
		"message":          r.Message,
	}
	if r.Error != "" {
		payload["error"] = r.Error
	}
	if r.Data != nil {
		payload["data"] = r.Data
	}
	b.bus.Emit(event.New(event.CompletedEventType(r.AgentName), "agent:"+r.AgentName, payload))
}
