package agentmanager

import (
	"context"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/event"
)

// supervisedHandler wraps a concrete agent.Handler with the manager's
// process-wide concurrency semaphore. Go's channel implementation services
// blocked senders in FIFO order, which gives excess handle() calls the
// round-robin fairness the manager is required to provide without any
// extra bookkeeping.
type supervisedHandler struct {
	inner agent.Handler
	sem   chan struct{}
}

func (s *supervisedHandler) Handle(ctx context.Context, ev event.Event) agent.Result {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return agent.Result{Success: false, Error: "cancelled while waiting for a concurrency slot"}
	}
	defer func() { <-s.sem }()

	return s.inner.Handle(ctx, ev)
}
