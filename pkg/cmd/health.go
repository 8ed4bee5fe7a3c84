package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// readyFileFreshness is how recently the coordinator must have touched its
// ready file for a running instance to be considered healthy. It is a
// generous multiple of the maximum tick throttle so a momentarily idle
// coordinator is never reported unhealthy.
const readyFileFreshness = 30 * time.Second

// newHealthCmd creates a cobra command that checks the health of a running
// coordinator by inspecting its ready file's modification time, replacing
// the teacher's HTTP /livez probe now that there is no HTTP portal to ask.
func newHealthCmd() *cobra.Command {
	var readyFile string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the health of a running coordinator",
		Long:  "Report whether a running coordinator instance has touched its ready file recently.",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runHealthCheck(context.Background(), readyFile)
		},
	}

	cmd.Flags().StringVar(&readyFile, "ready-file", "./run/ready", "path to the coordinator's ready file")

	return cmd
}

// runHealthCheck reports healthy when readyFile exists and was modified
// within readyFileFreshness.
func runHealthCheck(_ context.Context, readyFile string) error {
	info, err := os.Stat(readyFile)
	if err != nil {
		return fmt.Errorf("ready file unreadable: %w", err)
	}

	age := time.Since(info.ModTime())
	if age > readyFileFreshness {
		return fmt.Errorf("ready file is stale (last touched %s ago)", age.Round(time.Second))
	}

	fmt.Println("ok") //nolint:forbidigo // CLI output is intentional

	return nil
}
