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

// failLinePattern matches `go test -v` and similar test runner failure
// lines:
//
//	--- FAIL: TestSomething (0.01s)
//	    store_test.go:42: expected 1, got 2
var failLinePattern = regexp.MustCompile(`^--- FAIL:\s+(\S+)`)
var failLocationPattern = regexp.MustCompile(`^\s*(\S+\.\w+):(\d+):\s*(.+)$`)

// TestRunner adapts a test suite invocation (go test, pytest, jest, ...) to
// agent.Handler. It triggers on git lifecycle events rather than individual
// file saves, since a full run is typically too slow to fire per-keystroke.
type TestRunner struct {
	cfg    ToolConfig
	runner *runner.Runner
	store  *contextstore.Store
	log    zerolog.Logger
}

// NewTestRunner constructs a TestRunner adapter.
func NewTestRunner(cfg ToolConfig, r *runner.Runner, store *contextstore.Store, log zerolog.Logger) (*TestRunner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &TestRunner{cfg: cfg, runner: r, store: store, log: log.With().Str("tool", cfg.Name).Logger()}, nil
}

// Handle runs the configured test suite. The triggering event's path (if
// any) is passed through as {file} for runners that support scoping to a
// single package or file; runners configured without "{file}" in their
// argv simply ignore it and run the whole suite.
func (tr *TestRunner) Handle(ctx context.Context, ev event.Event) agent.Result {
	start := time.Now()
	file, _ := pathFromEvent(ev)

	res, err := runTool(ctx, tr.runner, tr.cfg, file)
	if err != nil {
		return agent.Result{AgentName: tr.cfg.Name, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	findings := parseTestFailures(res.Stdout)
	submitted := submitFindings(tr.store, tr.log, tr.cfg.Name, findings)

	return agent.Result{
		AgentName: tr.cfg.Name,
		Success:   true,
		Duration:  time.Since(start),
		Message:   resultMessage(tr.cfg.Name, submitted, res),
		Data:      map[string]any{"findings": submitted, "exit_code": res.ExitCode, "passed": res.ExitCode == 0},
	}
}

func parseTestFailures(stdout string) []rawFinding {
	var findings []rawFinding
	var currentTest string
	for _, line := range scanLines(stdout) {
		if m := failLinePattern.FindStringSubmatch(line); m != nil {
			currentTest = m[1]
			continue
		}
		if m := failLocationPattern.FindStringSubmatch(line); m != nil && currentTest != "" {
			lineNo, _ := strconv.Atoi(m[2])
			findings = append(findings, rawFinding{
				file:     m[1],
				line:     lineNo,
				severity: contextstore.SeverityError,
				blocking: true,
				category: "test",
				message:  currentTest + ": " + m[3],
				ruleCode: currentTest,
			})
			currentTest = ""
		}
	}
	return findings
}
