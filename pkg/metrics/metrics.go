package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	AgentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_agent_runs_total",
			Help: "Total number of agent handler invocations by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)

	AgentRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devloop_agent_run_duration_seconds",
			Help:    "Agent handler invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"agent"},
	)

	AgentSuccessRate = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_agent_success_rate",
			Help: "Fraction of an agent's completed runs that succeeded",
		},
		[]string{"agent"},
	)

	AgentConsecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_agent_consecutive_failures",
			Help: "Current consecutive loop-crash count for an agent awaiting restart",
		},
		[]string{"agent"},
	)

	// Event bus metrics
	EventsDroppedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_events_dropped_total",
			Help: "Total events dropped from an agent's consumer queue because it fell behind",
		},
		[]string{"agent"},
	)

	// Context store / findings metrics
	FindingsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "devloop_findings_active",
			Help: "Current number of findings held in the context store by tier and severity",
		},
		[]string{"tier", "severity"},
	)

	FindingsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_findings_ingested_total",
			Help: "Total findings submitted to the context store by tool and severity",
		},
		[]string{"tool", "severity"},
	)

	// Collector / filesystem watch metrics
	FileEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_file_events_total",
			Help: "Total filesystem change events observed by the collector by change type",
		},
		[]string{"change_type"},
	)

	// Command runner metrics
	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "devloop_command_duration_seconds",
			Help:    "Duration of commands spawned through the command runner, by executable",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"executable"},
	)

	CommandsTimedOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "devloop_commands_timed_out_total",
			Help: "Total commands killed for exceeding their timeout, by executable",
		},
		[]string{"executable"},
	)

	// Supervisor metrics
	HeartbeatAgeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devloop_heartbeat_age_seconds",
			Help: "Seconds since the daemon's heartbeat file was last written",
		},
	)

	SupervisorUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "devloop_supervisor_up",
			Help: "Whether the supervisor process considers itself healthy (1) or not (0)",
		},
	)
)

func init() {
	prometheus.MustRegister(AgentRunsTotal)
	prometheus.MustRegister(AgentRunDuration)
	prometheus.MustRegister(AgentSuccessRate)
	prometheus.MustRegister(AgentConsecutiveFailures)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(FindingsActive)
	prometheus.MustRegister(FindingsIngestedTotal)
	prometheus.MustRegister(FileEventsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(CommandsTimedOutTotal)
	prometheus.MustRegister(HeartbeatAgeSeconds)
	prometheus.MustRegister(SupervisorUp)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
