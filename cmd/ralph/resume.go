package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/control"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused or draining daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _, err := control.Find()
		if err != nil {
			return err
		}
		f, err := control.Mutate(path, func(f *control.File) {
			f.Mode = control.ModeRunning
			f.PauseRequested = false
			f.PauseAtCheckpoint = ""
		})
		if err != nil {
			return err
		}
		fmt.Printf("mode=%s\n", f.Mode)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}
