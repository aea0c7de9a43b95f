// Command devloopd is DevLoop's daemon entrypoint: a small cobra CLI that
// starts the supervisor in the foreground (run), reports on a running
// daemon by reading its on-disk state (status), or asks it to stop
// (stop). It does not implement the deeper CLI surface (init, release,
// verify-work, git hook templates); those talk to the daemon and context
// store in ways outside this binary's scope.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/logging"
)

// Version is set via -ldflags at build time, matching the teacher's
// cmd/warren Version/Commit/BuildTime pattern (trimmed to just Version
// since devloopd has no separate commit/build-time reporting surface).
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var dlErr *dlerrors.Error
	if !errors.As(err, &dlErr) {
		return 1
	}
	return dlerrors.ExitCode(dlErr.Kind)
}

var rootCmd = &cobra.Command{
	Use:     "devloopd",
	Short:   "DevLoop background automation daemon",
	Long:    "DevLoop watches a project workspace, runs configured analysis agents against filesystem events, and publishes findings through a tiered context store under <project>/.devloop/.",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("project-dir", ".", "Project directory to watch; state lives under <project-dir>/.devloop")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(stopCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	logging.Init(logging.Config{
		Level:      logging.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func projectDir(cmd *cobra.Command) (string, error) {
	dir, _ := cmd.Flags().GetString("project-dir")
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", dlerrors.Config("project-dir", err)
	}
	return abs, nil
}

func stateDir(project string) string {
	return filepath.Join(project, ".devloop")
}
