package main

import (
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/control"
)

var (
	pauseAtCheckpoint bool
	pauseUntil        string
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the daemon (no new tasks start)",
	Long: `Pause the daemon. Running tasks finish their current gate; no new
tasks start until resume.

--until accepts natural language, e.g. "tomorrow 9am" or "in 2 hours".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _, err := control.Find()
		if err != nil {
			return err
		}

		var until time.Time
		if pauseUntil != "" {
			w := when.New(nil)
			w.Add(en.All...)
			w.Add(common.All...)
			result, err := w.Parse(pauseUntil, time.Now())
			if err != nil {
				return fmt.Errorf("failed to parse --until: %w", err)
			}
			if result == nil {
				return fmt.Errorf("could not understand --until %q", pauseUntil)
			}
			until = result.Time
		}

		f, err := control.Mutate(path, func(f *control.File) {
			f.Mode = control.ModePaused
			f.PauseRequested = true
			if pauseAtCheckpoint {
				f.PauseAtCheckpoint = time.Now().UTC().Format(time.RFC3339)
			}
		})
		if err != nil {
			return err
		}

		if until.IsZero() {
			fmt.Printf("paused (mode=%s); run `ralph resume` to continue\n", f.Mode)
			return nil
		}
		fmt.Printf("paused until %s\n", until.Format(time.RFC1123))
		// Block and flip the mode back when the deadline arrives, so a
		// scheduled pause needs no daemon-side timer.
		time.Sleep(time.Until(until))
		_, err = control.Mutate(path, func(f *control.File) {
			f.Mode = control.ModeRunning
			f.PauseRequested = false
			f.PauseAtCheckpoint = ""
		})
		if err != nil {
			return err
		}
		fmt.Println("resumed")
		return nil
	},
}

func init() {
	pauseCmd.Flags().BoolVar(&pauseAtCheckpoint, "at-checkpoint", false, "Pause at the next gate boundary instead of immediately")
	pauseCmd.Flags().StringVar(&pauseUntil, "until", "", "Automatically resume at this time (natural language)")
	rootCmd.AddCommand(pauseCmd)
}
