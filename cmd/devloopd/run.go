package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/devloop-dev/devloop/pkg/agentmanager"
	"github.com/devloop-dev/devloop/pkg/collector"
	"github.com/devloop-dev/devloop/pkg/config"
	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/eventbus"
	"github.com/devloop-dev/devloop/pkg/logging"
	"github.com/devloop-dev/devloop/pkg/runner"
	"github.com/devloop-dev/devloop/pkg/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground, watching --project-dir",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectDir(cmd)
		if err != nil {
			return err
		}

		sup, err := buildSupervisor(project, logging.WithComponent("supervisor"))
		if err != nil {
			return err
		}

		return sup.Run(cmd.Context())
	},
}

// buildSupervisor wires the full daemon stack (event bus, filesystem
// collector, command runner, agent manager with its configured builtin
// adapters, context store) and hands them to a Supervisor, mirroring the
// teacher's clusterInitCmd: construct every subsystem up front, then let
// one owner (there mgr.Shutdown, here Supervisor.Run) drive the lifetime.
func buildSupervisor(project string, log zerolog.Logger) (*supervisor.Supervisor, error) {
	dir := stateDir(project)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dlerrors.Persistence(dir, fmt.Errorf("create state dir: %w", err))
	}

	cfg, err := config.Load(filepath.Join(dir, "agents.json"))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	store, err := contextstore.Open(filepath.Join(dir, "context"), bus, log)
	if err != nil {
		return nil, err
	}

	r := runner.New(allowedExecutables(cfg), runner.DefaultMaxOutputBytes, logging.WithComponent("runner"))

	mgr := agentmanager.New(bus, cfg.Global().MaxConcurrentAgents, log)
	if err := registerConfiguredAgents(mgr, cfg, r, store, cfg.HandlerTimeout(), log); err != nil {
		store.Close()
		return nil, err
	}

	coll := collector.New(collector.Config{RootDir: project}, bus, log)

	sup, err := supervisor.New(supervisor.Options{StateDir: dir}, cfg, bus, coll, mgr, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	return sup, nil
}
