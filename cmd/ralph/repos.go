package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/config"
	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/ui"
)

// RepoReport is one configured repository in the repos command output.
type RepoReport struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Band       int    `json:"band"`
	Slots      int    `json:"slots"`
	Queued     int    `json:"queued"`
	InProgress int    `json:"in_progress"`
	Blocked    int    `json:"blocked"`
	Escalated  int    `json:"escalated"`
}

var reposCmd = &cobra.Command{
	Use:   "repos",
	Short: "List configured repositories and their queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		repos, err := config.Repos()
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

		reports := make([]RepoReport, 0, len(repos))
		for _, rc := range repos {
			r := RepoReport{Name: rc.Name, Path: rc.Path, Band: rc.Band(), Slots: rc.Slots()}
			tasks, err := q.ForRepo(rc.Name)
			if err != nil {
				return err
			}
			for _, t := range tasks {
				switch t.Status {
				case queue.StatusQueued:
					r.Queued++
				case queue.StatusStarting, queue.StatusInProgress:
					r.InProgress++
				case queue.StatusBlocked:
					r.Blocked++
				case queue.StatusEscalated:
					r.Escalated++
				}
			}
			reports = append(reports, r)
		}

		if jsonOutput {
			outputJSON(reports)
			return nil
		}
		t := ui.NewStatusTable(ui.GetWidth())
		t.Headers("REPO", "BAND", "SLOTS", "QUEUED", "ACTIVE", "BLOCKED", "ESCALATED")
		for _, r := range reports {
			t.Row(r.Name,
				strconv.Itoa(r.Band), strconv.Itoa(r.Slots),
				strconv.Itoa(r.Queued), strconv.Itoa(r.InProgress),
				strconv.Itoa(r.Blocked), strconv.Itoa(r.Escalated))
		}
		fmt.Println(t.Render())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reposCmd)
}
