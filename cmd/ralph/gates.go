package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/3mdistal/ralph/internal/paths"
	"github.com/3mdistal/ralph/internal/store"
	"github.com/3mdistal/ralph/internal/ui"
)

var gatesCmd = &cobra.Command{
	Use:   "gates <repo> <issue>",
	Short: "Show the gate state for an issue's latest run",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo := args[0]
		issue, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("issue must be a number: %q", args[1])
		}

		dbPath, err := paths.StateDBPath()
		if err != nil {
			return err
		}
		ctx := context.Background()
		// Read-only open: the CLI never migrates or mutates the daemon's
		// store. A forward-incompatible schema surfaces as exit 2.
		st, err := store.OpenReadOnly(ctx, dbPath)
		if err != nil {
			if jsonOutput {
				outputJSON(gatesFailureReport(repo, issue, err))
			}
			return err
		}
		defer func() { _ = st.Close() }()

		report, err := st.BuildGatesReport(ctx, repo, issue)
		if err != nil {
			if jsonOutput {
				outputJSON(gatesFailureReport(repo, issue, err))
			}
			return err
		}
		if jsonOutput {
			outputJSON(report)
			return nil
		}
		printGatesReport(report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(gatesCmd)
}

// gatesFailureReport renders the stable JSON envelope for a gates query that
// failed before a report could be built, e.g. against a forward-incompatible
// store. The process exit code still comes from the returned error.
func gatesFailureReport(repo string, issue int, err error) *store.GatesReport {
	return &store.GatesReport{
		Version:     store.GatesReportVersion,
		Repo:        repo,
		IssueNumber: issue,
		Gates:       []store.GateJSON{},
		Artifacts:   []store.ArtifactJSON{},
		Error:       store.EnvelopeFor(err),
	}
}

func printGatesReport(r *store.GatesReport) {
	if r.Error != nil {
		fmt.Printf("%s: %s\n", r.Error.Code, r.Error.Message)
		return
	}
	fmt.Printf("%s#%d run %s\n\n", r.Repo, r.IssueNumber, r.RunID)

	t := ui.NewStatusTable(ui.GetWidth())
	t.Headers("GATE", "STATUS", "REASON", "URL")
	for _, g := range r.Gates {
		reason := g.Reason
		if g.SkipReason != "" {
			reason = g.SkipReason
		}
		t.Row(g.Name, ui.StatusStyle(g.Status).Render(g.Status), reason, g.URL)
	}
	fmt.Println(t.Render())

	for _, a := range r.Artifacts {
		if a.Kind != "note" || a.Content == "" {
			continue
		}
		fmt.Printf("\n%s\n%s", ui.TableHintStyle.Render(a.Gate+" note:"), ui.RenderMarkdown(a.Content))
	}
}
