/*
Package metrics provides Prometheus metrics collection and exposition for
the devloop daemon.

The metrics package defines and registers all devloop metrics using the
Prometheus client library, giving observability into agent execution,
finding volume, event bus backpressure, and supervisor health. Metrics are
exposed via an HTTP endpoint for scraping by Prometheus servers.

# Metrics Catalog

Agent Metrics:

devloop_agent_runs_total{agent, outcome}:
  - Type: Counter
  - Description: Agent handler invocations by outcome (success/failure)

devloop_agent_run_duration_seconds{agent}:
  - Type: Histogram
  - Description: Agent handler invocation duration

devloop_agent_success_rate{agent}:
  - Type: Gauge
  - Description: Fraction of an agent's completed runs that succeeded

devloop_agent_consecutive_failures{agent}:
  - Type: Gauge
  - Description: Consecutive loop-crash count awaiting restart

Event Bus Metrics:

devloop_events_dropped_total{agent}:
  - Type: Gauge
  - Description: Events dropped from an agent's consumer queue

Context Store Metrics:

devloop_findings_active{tier, severity}:
  - Type: Gauge
  - Description: Findings currently held in the context store

devloop_findings_ingested_total{tool, severity}:
  - Type: Counter
  - Description: Findings submitted to the context store over time

Collector Metrics:

devloop_file_events_total{change_type}:
  - Type: Counter
  - Description: Filesystem change events observed by the collector

Command Runner Metrics:

devloop_command_duration_seconds{executable}:
  - Type: Histogram
  - Description: Duration of commands spawned through the command runner

devloop_commands_timed_out_total{executable}:
  - Type: Counter
  - Description: Commands killed for exceeding their timeout

Supervisor Metrics:

devloop_heartbeat_age_seconds:
  - Type: Gauge
  - Description: Seconds since the daemon's heartbeat file was last written

devloop_supervisor_up:
  - Type: Gauge
  - Description: Whether the supervisor considers itself healthy

# Usage

	timer := metrics.NewTimer()
	result := handler.Handle(ctx, ev)
	timer.ObserveDurationVec(metrics.AgentRunDuration, agentName)
	metrics.AgentRunsTotal.WithLabelValues(agentName, outcome(result)).Inc()

# Integration Points

  - pkg/agentmanager: increments AgentRunsTotal/AgentRunDuration at the
    point a run completes
  - pkg/collector: increments FileEventsTotal at the point a change is emitted
  - pkg/runner: observes CommandDuration/CommandsTimedOutTotal per invocation
  - pkg/supervisor: polls agentmanager.Manager.Health() and
    contextstore.Store.ReadIndex() on a ticker to set the gauge metrics
    (AgentSuccessRate, AgentConsecutiveFailures, EventsDroppedTotal,
    FindingsActive) that aren't naturally updated at a single call site,
    and sets SupervisorUp to 1 while Run is active. HeartbeatAgeSeconds
    is registered but no component sets it.
    This package only defines and registers metrics; it imports neither
    agentmanager nor contextstore, so the polling collector lives in
    pkg/supervisor instead, avoiding an import cycle.
  - Prometheus: scrapes /metrics exposed by pkg/supervisor's HTTP mux

# Design Patterns

Package Init Registration:
  - All metrics registered in init()
  - MustRegister panics on duplicate registration
*/
package metrics
