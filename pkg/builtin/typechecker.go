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

// typeErrorPattern matches tsc/mypy-style diagnostics:
//
//	file.ts(12,5): error TS2322: Type 'string' is not assignable to type 'number'.
//	file.py:12: error: Incompatible types
var typeErrorPattern = regexp.MustCompile(`^([^:()]+)[:(](\d+)(?:,(\d+))?\)?:?\s*error:?\s*(.+)$`)

// TypeChecker adapts a static type checker (tsc, mypy, ...) to
// agent.Handler. Type errors are always treated as blocking: code that
// doesn't type-check is a correctness problem, not a style nit.
type TypeChecker struct {
	cfg    ToolConfig
	runner *runner.Runner
	store  *contextstore.Store
	log    zerolog.Logger
}

// NewTypeChecker constructs a TypeChecker adapter.
func NewTypeChecker(cfg ToolConfig, r *runner.Runner, store *contextstore.Store, log zerolog.Logger) (*TypeChecker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TypeChecker{cfg: cfg, runner: r, store: store, log: log.With().Str("tool", cfg.Name).Logger()}, nil
}

// Handle runs the configured type checker against the event's file.
func (tc *TypeChecker) Handle(ctx context.Context, ev event.Event) agent.Result {
	start := time.Now()
	file, ok := pathFromEvent(ev)
	if !ok {
		return agent.Result{AgentName: tc.cfg.Name, Success: false, Error: "event carried no file path"}
	}

	res, err := runTool(ctx, tc.runner, tc.cfg, file)
	if err != nil {
		return agent.Result{AgentName: tc.cfg.Name, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	findings := parseTypeErrors(res.Stdout)
	submitted := submitFindings(tc.store, tc.log, tc.cfg.Name, findings)

	return agent.Result{
		AgentName: tc.cfg.Name,
		Success:   true,
		Duration:  time.Since(start),
		Message:   resultMessage(tc.cfg.Name, submitted, res),
		Data:      map[string]any{"findings": submitted, "exit_code": res.ExitCode},
	}
}

func parseTypeErrors(stdout string) []rawFinding {
	var findings []rawFinding
	for _, line := range scanLines(stdout) {
		m := typeErrorPattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNo, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		findings = append(findings, rawFinding{
			file:     m[1],
			line:     lineNo,
			column:   col,
			severity: contextstore.SeverityError,
			blocking: true,
			category: "type",
			message:  m[4],
			ruleCode: "type-error",
		})
	}
	return findings
}
