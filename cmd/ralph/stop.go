package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/3mdistal/ralph/internal/lock"
	"github.com/3mdistal/ralph/internal/paths"
)

var stopWait time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		controlRoot, err := paths.ControlRoot()
		if err != nil {
			return err
		}
		record, err := lock.NewRegistry(controlRoot).Current()
		if err != nil {
			return err
		}
		if record == nil {
			fmt.Println("daemon is not running")
			return nil
		}

		if err := unix.Kill(record.PID, unix.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal daemon (pid %d): %w", record.PID, err)
		}
		fmt.Printf("sent SIGTERM to daemon %s (pid %d)\n", record.DaemonID, record.PID)

		deadline := time.Now().Add(stopWait)
		for time.Now().Before(deadline) {
			if err := unix.Kill(record.PID, 0); err != nil {
				fmt.Println("daemon stopped")
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("daemon did not exit within %s", stopWait)
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopWait, "wait", 30*time.Second, "How long to wait for the daemon to exit")
	rootCmd.AddCommand(stopCmd)
}
