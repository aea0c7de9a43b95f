package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/devloop-dev/devloop/pkg/agent"
	"github.com/devloop-dev/devloop/pkg/agentmanager"
	"github.com/devloop-dev/devloop/pkg/builtin"
	"github.com/devloop-dev/devloop/pkg/config"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/runner"
)

// adapterType is the value of an agent's config["type"] field, naming
// which pkg/builtin adapter it instantiates. agents.json has no other way
// to say "this entry is a linter vs. a test runner", since its Config
// blob is an open map by design (it also carries tool-specific keys the
// adapters below don't touch, like eslint's --format).
type adapterType string

const (
	adapterLinter          adapterType = "linter"
	adapterFormatter       adapterType = "formatter"
	adapterTypeChecker     adapterType = "type_checker"
	adapterTestRunner      adapterType = "test_runner"
	adapterSecurityScanner adapterType = "security_scanner"
)

// registerConfiguredAgents builds an agent.Handler for every enabled entry
// in cfg via the pkg/builtin adapter its config["type"] names, and
// registers it (unstarted) with mgr. The handful of config keys every
// adapter shares (type, argv, cwd, timeout_seconds) are pulled out here;
// anything else in the blob is the chosen tool's own business and is
// never read by devloopd itself.
func registerConfiguredAgents(mgr *agentmanager.Manager, cfg *config.Config, r *runner.Runner, store *contextstore.Store, handlerTimeout time.Duration, log zerolog.Logger) error {
	for _, name := range cfg.AgentNames() {
		spec, _ := cfg.Agent(name)
		if !spec.Enabled {
			continue
		}

		toolCfg, kind, err := toolConfigFromSpec(name, spec)
		if err != nil {
			return err
		}

		factory, err := adapterFactory(kind, toolCfg, r, store, log)
		if err != nil {
			return err
		}

		agentCfg := agent.Config{
			Name:           name,
			Triggers:       spec.Triggers,
			HandlerTimeout: handlerTimeout,
			Enabled:        spec.Enabled,
		}
		if err := mgr.Register(agentCfg, factory); err != nil {
			return err
		}
	}
	return nil
}

func toolConfigFromSpec(name string, spec config.AgentSpec) (builtin.ToolConfig, adapterType, error) {
	kindRaw, _ := spec.Config["type"].(string)
	if kindRaw == "" {
		return builtin.ToolConfig{}, "", dlerrors.Config(fmt.Sprintf("agents.%s.config.type", name), fmt.Errorf("must name a builtin adapter (linter, formatter, type_checker, test_runner, security_scanner)"))
	}

	argv, err := stringSlice(spec.Config["argv"])
	if err != nil {
		return builtin.ToolConfig{}, "", dlerrors.Config(fmt.Sprintf("agents.%s.config.argv", name), err)
	}

	cwd, _ := spec.Config["cwd"].(string)

	timeout := time.Duration(0)
	if raw, ok := spec.Config["timeout_seconds"]; ok {
		secs, ok := raw.(float64) // encoding/json decodes numeric map values as float64
		if !ok {
			return builtin.ToolConfig{}, "", dlerrors.Config(fmt.Sprintf("agents.%s.config.timeout_seconds", name), fmt.Errorf("must be a number"))
		}
		timeout = time.Duration(secs * float64(time.Second))
	}

	return builtin.ToolConfig{
		Name:    name,
		Argv:    argv,
		Cwd:     cwd,
		Timeout: timeout,
	}, adapterType(kindRaw), nil
}

func stringSlice(v any) ([]string, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("must be an array of strings")
	}
	out := make([]string, len(raw))
	for i, e := range raw {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("element %d must be a string", i)
		}
		out[i] = s
	}
	return out, nil
}

func adapterFactory(kind adapterType, toolCfg builtin.ToolConfig, r *runner.Runner, store *contextstore.Store, log zerolog.Logger) (agentmanager.Factory, error) {
	switch kind {
	case adapterLinter:
		return func() (agent.Handler, error) { return builtin.NewLinter(toolCfg, r, store, log) }, nil
	case adapterFormatter:
		return func() (agent.Handler, error) { return builtin.NewFormatter(toolCfg, r, store, log) }, nil
	case adapterTypeChecker:
		return func() (agent.Handler, error) { return builtin.NewTypeChecker(toolCfg, r, store, log) }, nil
	case adapterTestRunner:
		return func() (agent.Handler, error) { return builtin.NewTestRunner(toolCfg, r, store, log) }, nil
	case adapterSecurityScanner:
		return func() (agent.Handler, error) { return builtin.NewSecurityScanner(toolCfg, r, store, log) }, nil
	default:
		return nil, dlerrors.Config(toolCfg.Name, fmt.Errorf("unknown builtin adapter type %q", kind))
	}
}

// allowedExecutables collects argv[0] from every configured agent, so the
// runner's allowlist is derived from agents.json rather than hand-kept in
// sync with it.
func allowedExecutables(cfg *config.Config) []string {
	seen := make(map[string]bool)
	var out []string
	for _, name := range cfg.AgentNames() {
		spec, _ := cfg.Agent(name)
		if !spec.Enabled {
			continue
		}
		argv, err := stringSlice(spec.Config["argv"])
		if err != nil || len(argv) == 0 {
			continue
		}
		if !seen[argv[0]] {
			seen[argv[0]] = true
			out = append(out, argv[0])
		}
	}
	return out
}
