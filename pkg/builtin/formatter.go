package builtin

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/event"
	"github.com/devloop-dev/devloop/pkg/runner"
)

// Formatter adapts an in-place auto-formatter (gofmt -w, prettier --write,
// black, ...) to agent.Handler. Unlike Linter, it never edits files itself:
// the rewrite happens inside the spawned process, and Formatter only
// records that a fix was applied.
type Formatter struct {
	cfg    ToolConfig
	runner *runner.Runner
	store  *contextstore.Store
	log    zerolog.Logger
}

// NewFormatter constructs a Formatter adapter. cfg.Argv must already invoke
// the tool in its in-place-write mode (e.g. ["gofmt", "-w", "{file}"]).
func NewFormatter(cfg ToolConfig, r *runner.Runner, store *contextstore.Store, log zerolog.Logger) (*Formatter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Formatter{cfg: cfg, runner: r, store: store, log: log.With().Str("tool", cfg.Name).Logger()}, nil
}

// Handle runs the formatter against the event's file. A clean exit records
// an auto-fixed finding so the file's tiered history shows a fix occurred;
// a non-zero exit (the tool couldn't parse the file, etc.) is recorded as a
// non-fixable, blocking finding instead.
func (fm *Formatter) Handle(ctx context.Context, ev event.Event) agent.Result {
	start := time.Now()
	file, ok := pathFromEvent(ev)
	if !ok {
		return agent.Result{AgentName: fm.cfg.Name, Success: false, Error: "event carried no file path"}
	}

	res, err := runTool(ctx, fm.runner, fm.cfg, file)
	if err != nil {
		return agent.Result{AgentName: fm.cfg.Name, Success: false, Duration: time.Since(start), Error: err.Error()}
	}

	f := contextstore.Finding{
		ID:       fm.cfg.Name + ":" + file + ":format",
		Agent:    fm.cfg.Name,
		File:     file,
		Category: "format",
	}
	if res.ExitCode == 0 {
		f.Severity = contextstore.SeverityInfo
		f.Message = "file reformatted"
		f.AutoFixable = true
		f.Context = map[string]any{"fix_applied": true}
	} else {
		f.Severity = contextstore.SeverityError
		f.Blocking = true
		f.Message = "formatter failed"
		f.Detail = res.Stderr
	}

	submitted := 0
	if err := fm.store.AddFinding(f); err != nil {
		fm.log.Warn().Err(err).Str("file", file).Msg("failed to submit formatter finding")
	} else {
		submitted = 1
	}

	return agent.Result{
		AgentName: fm.cfg.Name,
		Success:   true,
		Duration:  time.Since(start),
		Message:   resultMessage(fm.cfg.Name, submitted, res),
		Data:      map[string]any{"findings": submitted, "exit_code": res.ExitCode},
	}
}
