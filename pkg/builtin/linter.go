package builtin

import (
	"context"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/runner"
)

// linterLinePattern matches the common compact linter output shape shared
// by golangci-lint, eslint --format=unix, and similar tools:
//
//	path/to/file.go:12:5: unused variable x (unused)
var linterLinePattern = regexp.MustCompile(`^([^:]+):(\d+):(\d+):\s*(.+?)(?:\s\(([\w-]+)\))?$`)

// Linter adapts a static-analysis linter to agent.Handler, triggered on
// file:modified and file:created events.
type Linter struct {
	cfg    ToolConfig
	runner *runner.Runner
	store  *contextstore.Store
	log    zerolog.Logger
}

// NewLinter constructs a Linter adapter.
func NewLinter(cfg ToolConfig, r *runner.Runner, store *contextstore.Store, log zerolog.Logger) (*Linter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Linter{cfg: cfg, runner: r, store: store, log: log.With().Str("tool", cfg.Name).Logger()}, nil
}

// Handle runs the configured linter against the event's file and submits
// parsed findings to the context store.
func (l *Linter) Handle(ctx context.Context, ev event.Event) agent.Result {
	start := time.Now()
	file, ok := pathFromEvent(ev)
	if !ok {
		return agent.Result{AgentName: l.cfg.Name, Success: false, Error: "event carried no file path"}
	}

	res, err := runTool(ctx, l.runner, l.cfg, file)
	if err != nil {
		return agent.Result{AgentName: l.cfg.Name, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	findings := parseLinterOutput(l.cfg.Name, res.Stdout)
	submitted := submitFindings(l.store, l.log, l.cfg.Name, findings)

	return agent.Result{
		AgentName: l.cfg.Name,
		Success:   true,
		Duration:  time.Since(start),
		Message:   resultMessage(l.cfg.Name, submitted, res),
		Data:      map[string]any{"findings": submitted, "exit_code": res.ExitCode, "truncated": res.Truncated},
	}
}

func parseLinterOutput(tool, stdout string) []rawFinding {
	var findings []rawFinding
	for _, line := range scanLines(stdout) {
		m := linterLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		findings = append(findings, rawFinding{
			file:     m[1],
			line:     lineNo,
			column:   col,
			severity: contextstore.SeverityWarning,
			category: "lint",
			message:  m[4],
			ruleCode: m[5],
		})
	}
	return findings
}
