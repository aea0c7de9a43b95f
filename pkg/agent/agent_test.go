package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/eventbus"
)

type fakeHandler struct {
	mu      sync.Mutex
	calls   int
	delay   time.Duration
	panics  bool
	errMsg  string
	onEvent func(ev event.Event)
}

func (h *fakeHandler) Handle(ctx context.Context, ev event.Event) Result {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()

	if h.onEvent != nil {
		h.onEvent(ev)
	}
	if h.panics {
		panic("boom")
	}
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return Result{AgentName: "test", Success: false, Error: "cancelled"}
		}
	}
	if h.errMsg != "" {
		return Result{AgentName: "test", Success: false, Error: h.errMsg}
	}
	return Result{AgentName: "test", Success: true, Message: "ok"}
}

func (h *fakeHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func newTestBus(t *testing.T) *eventbus.Bus {
	t.Helper()
	bus := eventbus.New()
	bus.Start()
	t.Cleanup(bus.Stop)
	return bus
}

func TestAgentLifecycleTransitions(t *testing.T) {
	bus := newTestBus(t)
	h := &fakeHandler{}
	a, err := New(Config{Name: "test", Triggers: []string{"file:*"}, Enabled: true}, bus, h, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, StateCreated, a.State())
	require.NoError(t, a.Start())
	assert.Equal(t, StateRunning, a.State())

	assert.Error(t, a.Start(), "starting twice must be rejected")

	require.NoError(t, a.Stop())
	assert.Equal(t, StateStopped, a.State())

	assert.Error(t, a.Stop(), "stopping twice must be rejected")
}

func TestAgentDispatchesMatchingEvents(t *testing.T) {
	bus := newTestBus(t)
	h := &fakeHandler{}
	a, err := New(Config{Name: "test", Triggers: []string{"file:modified"}, Enabled: true}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	bus.Emit(event.New("file:modified", "collector", nil))

	require.Eventually(t, func() bool { return h.callCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestAgentPublishesCompletedEvent(t *testing.T) {
	bus := newTestBus(t)
	completed := eventbus.NewQueue(8)
	bus.Subscribe("agent:test:completed", completed)

	h := &fakeHandler{}
	a, err := New(Config{Name: "test", Triggers: []string{"file:modified"}, Enabled: true}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	bus.Emit(event.New("file:modified", "collector", nil))

	select {
	case ev := <-completed:
		assert.Equal(t, "agent:test:completed", ev.Type)
		assert.Equal(t, true, ev.Payload["success"])
	case <-time.After(time.Second):
		t.Fatal("expected a completed event")
	}
}

func TestAgentDisabledDrainsWithoutHandling(t *testing.T) {
	bus := newTestBus(t)
	h := &fakeHandler{}
	a, err := New(Config{Name: "test", Triggers: []string{"file:modified"}, Enabled: false}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	bus.Emit(event.New("file:modified", "collector", nil))
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, h.callCount(), "disabled agent must not invoke the handler")
}

func TestAgentPanicIsIsolated(t *testing.T) {
	bus := newTestBus(t)
	completed := eventbus.NewQueue(8)
	bus.Subscribe("agent:test:completed", completed)

	h := &fakeHandler{panics: true}
	a, err := New(Config{Name: "test", Triggers: []string{"file:modified"}, Enabled: true}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	bus.Emit(event.New("file:modified", "collector", nil))

	select {
	case ev := <-completed:
		assert.Equal(t, false, ev.Payload["success"])
		assert.Contains(t, ev.Payload["error"], "panic")
	case <-time.After(time.Second):
		t.Fatal("expected a completed event even after a handler panic")
	}

	assert.Equal(t, StateRunning, a.State(), "a handler panic must not crash the agent loop")
}

func TestAgentHandlerTimeout(t *testing.T) {
	bus := newTestBus(t)
	completed := eventbus.NewQueue(8)
	bus.Subscribe("agent:test:completed", completed)

	h := &fakeHandler{delay: 500 * time.Millisecond}
	a, err := New(Config{
		Name: "test", Triggers: []string{"file:modified"}, Enabled: true,
		HandlerTimeout: 50 * time.Millisecond,
	}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	bus.Emit(event.New("file:modified", "collector", nil))

	select {
	case ev := <-completed:
		assert.Equal(t, false, ev.Payload["success"])
		assert.Equal(t, "handler timed out", ev.Payload["error"])
	case <-time.After(time.Second):
		t.Fatal("expected a timeout result")
	}
}

func TestCrashChClosesOnQueueCloseNotOnStop(t *testing.T) {
	bus := newTestBus(t)
	h := &fakeHandler{}
	a, err := New(Config{Name: "test", Triggers: []string{"file:modified"}, Enabled: true}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())
	defer a.Stop()

	select {
	case <-a.CrashCh():
		t.Fatal("crash channel must stay open while the loop is healthy")
	case <-time.After(50 * time.Millisecond):
	}

	close(a.queue)

	select {
	case <-a.CrashCh():
	case <-time.After(time.Second):
		t.Fatal("crash channel must close once the loop's queue is closed out from under it")
	}
	assert.Equal(t, StateStopped, a.State())
}

func TestCrashChStaysOpenAcrossDeliberateStop(t *testing.T) {
	bus := newTestBus(t)
	h := &fakeHandler{}
	a, err := New(Config{Name: "test", Triggers: []string{"file:modified"}, Enabled: true}, bus, h, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, a.Start())

	require.NoError(t, a.Stop())

	select {
	case <-a.CrashCh():
		t.Fatal("a deliberate Stop must not signal a crash")
	default:
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	bus := newTestBus(t)
	h := &fakeHandler{}

	_, err := New(Config{Triggers: []string{"file:*"}}, bus, h, zerolog.Nop())
	assert.Error(t, err, "empty name must be rejected")

	_, err = New(Config{Name: "test"}, bus, h, zerolog.Nop())
	assert.Error(t, err, "no triggers must be rejected")
}

func TestNewResultValidation(t *testing.T) {
	_, err := NewResult("", true, time.Second, "")
	assert.Error(t, err)

	_, err = NewResult("test", true, -time.Second, "")
	assert.Error(t, err)

	r, err := NewResult("test", true, time.Second, "ok")
	require.NoError(t, err)
	assert.Equal(t, "test", r.AgentName)
}
