package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/ui"
)

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Continuously display daemon and queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ui.IsTerminal() {
			return fmt.Errorf("watch requires a terminal; use `ralph status --json` for scripting")
		}
		ctx, cancel := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
		defer cancel()

		ticker := time.NewTicker(watchInterval)
		defer ticker.Stop()
		for {
			if err := renderWatchFrame(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case <-ticker.C:
			}
		}
	},
}

func init() {
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Refresh interval")
	rootCmd.AddCommand(watchCmd)
}

func renderWatchFrame() error {
	report, err := buildStatusReport()
	if err != nil {
		return err
	}
	dir, err := queueDir()
	if err != nil {
		return err
	}
	q, err := queue.Open(dir)
	if err != nil {
		return err
	}
	tasks, err := q.List()
	if err != nil {
		return err
	}

	// Clear screen and home the cursor between frames.
	fmt.Fprint(os.Stdout, "\033[2J\033[H")
	printStatus(report)
	fmt.Println()

	t := ui.NewStatusTable(ui.GetWidth())
	t.Headers("TASK", "STATUS", "PRIORITY", "BLOCKED", "SESSION")
	for _, task := range tasks {
		blocked := ""
		if task.BlockedSource != "" {
			blocked = task.BlockedSource + ": " + task.BlockedReason
		}
		t.Row(task.Ref(),
			ui.StatusStyle(task.Status).Render(task.Status),
			fmt.Sprint(task.Priority), blocked, task.SessionID)
	}
	fmt.Println(t.Render())
	fmt.Println(ui.TableHintStyle.Render(time.Now().Format(time.RFC1123) + "  (ctrl-c to quit)"))
	return nil
}
