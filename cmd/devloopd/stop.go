package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/devloop-dev/devloop/pkg/dlerrors"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Send SIGTERM to the running daemon, asking it to shut down",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, err := projectDir(cmd)
		if err != nil {
			return err
		}
		pidPath := filepath.Join(stateDir(project), "devloop.pid")

		pid, err := readPIDFile(pidPath)
		if err != nil {
			return dlerrors.Persistence(pidPath, err)
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return dlerrors.Persistence(pidPath, fmt.Errorf("find process %d: %w", pid, err))
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return dlerrors.Persistence(pidPath, fmt.Errorf("signal process %d: %w", pid, err))
		}

		fmt.Printf("sent SIGTERM to pid %d\n", pid)
		return nil
	},
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}
