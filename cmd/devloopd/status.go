package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/devloop-dev/devloop/pkg/contextstore"
	"github.com/devloop-dev/devloop/pkg/dlerrors"
	"github.com/devloop-dev/devloop/pkg/supervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report the running daemon's health and finding counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectDir(cmd)
		if err != nil {
			return err
		}
		dir := stateDir(project)

		status, lastHeartbeat, err := supervisor.ReadStatus(filepath.Join(dir, "daemon.heartbeat"), supervisor.DefaultHeartbeatInterval)
		if err != nil {
			return dlerrors.Persistence(dir, err)
		}

		fmt.Printf("status: %s\n", status)
		if !lastHeartbeat.IsZero() {
			fmt.Printf("last heartbeat: %s (%s ago)\n", lastHeartbeat.Format(time.RFC3339), time.Since(lastHeartbeat).Round(time.Second))
		}

		// A store opened with a nil bus skips the file-touch subscription
		// that run's live daemon needs; status only ever reads, it never
		// feeds AddFinding, so there's nothing for that subscription to do.
		store, err := contextstore.Open(filepath.Join(dir, "context"), nil, zerolog.Nop())
		if err != nil {
			return err
		}
		defer store.Close()

		idx := store.ReadIndex()
		for _, tier := range []contextstore.Tier{contextstore.TierImmediate, contextstore.TierRelevant, contextstore.TierBackground, contextstore.TierAutoFixed} {
			summary := idx.Tiers[tier]
			fmt.Printf("%-13s %d finding(s)\n", tier, summary.Count)
		}

		if status != supervisor.StatusHealthy {
			return fmt.Errorf("daemon is not healthy (status=%s)", status)
		}
		return nil
	},
}
