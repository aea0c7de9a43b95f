// Package builtin provides thin agent.Handler adapters over pkg/runner for
// the common analyzer tool families: linters, formatters, type checkers,
// test runners, and security scanners. Each adapter spawns its configured
// argv, parses the tool's own structured or line-oriented output into
// contextstore.Finding records, and submits them directly to the store.
// The agent.Result each adapter returns summarizes the run, never the
// findings themselves.
package builtin

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/metrics"
	"github.com/devloop-dev/devloop/pkg/runner"
)

// ToolConfig configures one adapter instance.
type ToolConfig struct {
	Name    string   // agent name, e.g. "linter:eslint"
	Argv    []string // command template; "{file}" is substituted per event
	Cwd     string
	Timeout time.Duration
}

func (c ToolConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("builtin tool config must have a name")
	}
	if len(c.Argv) == 0 {
		return fmt.Errorf("builtin tool %q must declare an argv", c.Name)
	}
	return nil
}

// rawFinding is an intermediate parse result, prior to scoring/tiering
// (which the store performs). It maps directly onto contextstore.Finding's
// non-derived fields.
type rawFinding struct {
	file        string
	line        int
	column      int
	severity    contextstore.Severity
	blocking    bool
	category    string
	message     string
	detail      string
	suggestion  string
	autoFixable bool
	ruleCode    string
}

// toFinding constructs a contextstore.Finding from a parsed raw result. The
// ID is derived deterministically from (tool, file, line, category,
// rule_code) so re-running the same tool against unchanged output
// deduplicates rather than re-appending.
func toFinding(tool string, rf rawFinding) contextstore.Finding {
	id := strings.Join([]string{tool, rf.file, strconv.Itoa(rf.line), rf.category, rf.ruleCode}, ":")
	return contextstore.Finding{
		ID:          id,
		Agent:       tool,
		Timestamp:   time.Now(),
		File:        rf.file,
		Line:        rf.line,
		Column:      rf.column,
		Severity:    rf.severity,
		Blocking:    rf.blocking,
		Category:    rf.category,
		Message:     rf.message,
		Detail:      rf.detail,
		Suggestion:  rf.suggestion,
		AutoFixable: rf.autoFixable,
	}
}

// substituteFile replaces the literal "{file}" token in an argv template
// with the triggering event's path.
func substituteFile(argvTemplate []string, file string) []string {
	out := make([]string, len(argvTemplate))
	for i, a := range argvTemplate {
		out[i] = strings.ReplaceAll(a, "{file}", file)
	}
	return out
}

// pathFromEvent extracts the "path" payload field that pkg/collector
// attaches to every file:* event.
func pathFromEvent(ev event.Event) (string, bool) {
	v, ok := ev.Payload["path"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// runTool is the common spawn step shared by every adapter: build argv from
// the event's path, run it through CommandRunner, and hand the raw
// stdout/stderr to the caller's parser.
func runTool(ctx context.Context, r *runner.Runner, cfg ToolConfig, file string) (runner.Result, error) {
	argv := substituteFile(cfg.Argv, file)
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return r.Run(ctx, runner.Request{
		Argv:    argv,
		Cwd:     cfg.Cwd,
		Timeout: timeout,
	})
}

// submitFindings submits every parsed finding to the store, logging (but
// not failing the run on) individual submission errors since one bad
// finding shouldn't discard the rest of a batch.
func submitFindings(store *contextstore.Store, log zerolog.Logger, tool string, findings []rawFinding) int {
	submitted := 0
	for _, rf := range findings {
		f := toFinding(tool, rf)
		if err := store.AddFinding(f); err != nil {
			log.Warn().Err(err).Str("file", rf.file).Msg("failed to submit finding")
			continue
		}
		metrics.FindingsIngestedTotal.WithLabelValues(tool, string(f.Severity)).Inc()
		submitted++
	}
	return submitted
}

// scanLines is a small helper for line-oriented (non-JSON) tool output,
// skipping blank lines.
func scanLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

func resultMessage(tool string, findings int, res runner.Result) string {
	return fmt.Sprintf("%s: %d finding(s), exit=%d, duration=%s", tool, findings, res.ExitCode, res.Duration)
}

var (
	_ agent.Handler = (*Linter)(nil)
	_ agent.Handler = (*Formatter)(nil)
	_ agent.Handler = (*TypeChecker)(nil)
	_ agent.Handler = (*TestRunner)(nil)
	_ agent.Handler = (*SecurityScanner)(nil)
)
