package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/runner"
)

// securityIssue is the JSON-lines record shape emitted by scanners
// configured to use this adapter (gosec -fmt=json-lines, semgrep
// --json-output, or an equivalent flattened format).
type securityIssue struct {
	File       string `json:"file"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	Severity   string `json:"severity"`
	RuleID     string `json:"rule_id"`
	Message    string `json:"message"`
	Detail     string `json:"detail"`
	Suggestion string `json:"suggestion"`
}

// SecurityScanner adapts a static security scanner to agent.Handler,
// parsing one JSON object per line of stdout.
type SecurityScanner struct {
	cfg    ToolConfig
	runner *runner.Runner
	store  *contextstore.Store
	log    zerolog.Logger
}

// NewSecurityScanner constructs a SecurityScanner adapter.
func NewSecurityScanner(cfg ToolConfig, r *runner.Runner, store *contextstore.Store, log zerolog.Logger) (*SecurityScanner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SecurityScanner{cfg: cfg, runner: r, store: store, log: log.With().Str("tool", cfg.Name).Logger()}, nil
}

// Handle runs the configured scanner against the event's file.
func (s *SecurityScanner) Handle(ctx context.Context, ev event.Event) agent.Result {
	start := time.Now()
	file, ok := pathFromEvent(ev)
	if !ok {
		return agent.Result{AgentName: s.cfg.Name, Success: false, Error: "event carried no file path"}
	}

	res, err := runTool(ctx, s.runner, s.cfg, file)
	if err != nil {
		return agent.Result{AgentName: s.cfg.Name, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	findings := parseSecurityIssues(res.Stdout, s.log)
	submitted := submitFindings(s.store, s.log, s.cfg.Name, findings)

	return agent.Result{
		AgentName: s.cfg.Name,
		Success:   true,
		Duration:  time.Since(start),
		Message:   resultMessage(s.cfg.Name, submitted, res),
		Data:      map[string]any{"findings": submitted, "exit_code": res.ExitCode},
	}
}

func parseSecurityIssues(stdout string, log zerolog.Logger) []rawFinding {
	var findings []rawFinding
	for _, line := range scanLines(stdout) {
		var issue securityIssue
		if err := json.Unmarshal([]byte(line), &issue); err != nil {
			log.Debug().Err(err).Str("line", line).Msg("skipping unparseable scanner line")
			continue
		}
		sev := contextstore.SeverityWarning
		switch issue.Severity {
		case "critical", "high", "error":
			sev = contextstore.SeverityError
		case "medium", "warning":
			sev = contextstore.SeverityWarning
		case "low", "info":
			sev = contextstore.SeverityInfo
		}
		findings = append(findings, rawFinding{
			file:       issue.File,
			line:       issue.Line,
			column:     issue.Column,
			severity:   sev,
			blocking:   sev == contextstore.SeverityError,
			category:   "security",
			message:    issue.Message,
			detail:     issue.Detail,
			suggestion: issue.Suggestion,
			ruleCode:   issue.RuleID,
		})
	}
	return findings
}
