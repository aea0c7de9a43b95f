package supervisor

import (
	"time"

	"github.com/devloop-dev/devloop/pkg/agentmanager"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/metrics"
)

// metricsPollInterval is how often the gauge metrics that have no single
// point-of-occurrence call site (agent success rate, dropped-event counts,
// active finding counts) are recomputed from the agentmanager and
// contextstore snapshots.
const metricsPollInterval = 15 * time.Second

// metricsCollector polls Manager.Health and Store.ReadIndex on a ticker to
// maintain the gauges in pkg/metrics that summarize state across many
// agents or findings rather than a single event. It lives here, not in
// pkg/metrics itself, because pkg/metrics must stay a leaf package:
// agentmanager already imports pkg/metrics to record counters at the point
// a run completes, so pkg/metrics importing it back would cycle.
type metricsCollector struct {
	agents *agentmanager.Manager
	store  *contextstore.Store

	stopCh chan struct{}
	doneCh chan struct{}
}

func newMetricsCollector(agents *agentmanager.Manager, store *contextstore.Store) *metricsCollector {
	return &metricsCollector{
		agents: agents,
		store:  store,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func (c *metricsCollector) start() {
	go c.loop()
}

func (c *metricsCollector) stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *metricsCollector) loop() {
	defer close(c.doneCh)

	c.collect()
	ticker := time.NewTicker(metricsPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *metricsCollector) collect() {
	c.collectAgentMetrics()
	c.collectFindingMetrics()
}

func (c *metricsCollector) collectAgentMetrics() {
	for _, h := range c.agents.Health() {
		metrics.AgentSuccessRate.WithLabelValues(h.Name).Set(h.SuccessRate)
		metrics.AgentConsecutiveFailures.WithLabelValues(h.Name).Set(float64(h.ConsecutiveFailures))
		metrics.EventsDroppedTotal.WithLabelValues(h.Name).Set(float64(h.DroppedCount))
	}
}

var allSeverities = []contextstore.Severity{
	contextstore.SeverityError,
	contextstore.SeverityWarning,
	contextstore.SeverityInfo,
	contextstore.SeverityHint,
}

func (c *metricsCollector) collectFindingMetrics() {
	idx := c.store.ReadIndex()
	for tier, summary := range idx.Tiers {
		for _, sev := range allSeverities {
			metrics.FindingsActive.WithLabelValues(string(tier), string(sev)).Set(float64(summary.SeverityBreakdown[sev]))
		}
	}
}
