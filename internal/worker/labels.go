package worker

import (
	"context"
	"fmt"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/queue"
)

// defaultLabelColor is used when the writeback has to create a missing label.
const defaultLabelColor = "ededed"

// Labels the daemon maintains on upstream issues to mirror task status.
const (
	LabelInProgress = "ralph:in-progress"
	LabelBlocked    = "ralph:blocked"
	LabelEscalated  = "ralph:escalated"
)

// ApplyLabels adds labels to an issue, creating any label that does not
// exist yet and retrying the add exactly once. On a mid-operation failure
// the labels applied so far are rolled back, but only for non-transient
// errors; a transient failure leaves partial state for the retry loop to
// reconcile.
func ApplyLabels(ctx context.Context, client hosting.Client, repo string, number int, labels []string) error {
	var applied []string
	for _, label := range labels {
		err := client.AddLabels(ctx, repo, number, []string{label})
		if err != nil && hosting.IsLabelMissing(err) {
			if cerr := client.CreateLabel(ctx, repo, label, defaultLabelColor); cerr != nil {
				err = cerr
			} else {
				err = client.AddLabels(ctx, repo, number, []string{label})
			}
		}
		if err != nil {
			if !hosting.IsTransient(err) {
				for _, a := range applied {
					_ = client.RemoveLabel(ctx, repo, number, a)
				}
			}
			return fmt.Errorf("failed to apply label %s: %w", label, err)
		}
		applied = append(applied, label)
	}
	return nil
}

// mirrorStatusLabel pushes the task's status label upstream. Writeback is
// best effort; a failure is logged and the parity audit catches the drift.
func (w *Worker) mirrorStatusLabel(ctx context.Context, task *queue.Task) {
	label, ok := statusLabel(task.Status)
	if !ok {
		return
	}
	if err := ApplyLabels(ctx, w.client, task.Repo, task.Issue, []string{label}); err != nil {
		w.log.Logf("label writeback failed for %s: %v", task.Ref(), err)
	}
}

// statusLabel maps a task status to its mirror label, if any.
func statusLabel(status string) (string, bool) {
	switch status {
	case "in-progress", "starting":
		return LabelInProgress, true
	case "blocked":
		return LabelBlocked, true
	case "escalated":
		return LabelEscalated, true
	}
	return "", false
}

// Drift is one issue whose upstream labels disagree with the local queue.
type Drift struct {
	Issue      int
	Status     string
	WantLabel  string
	HaveLabels []string
}

// DriftReport summarizes one parity audit pass.
type DriftReport struct {
	Checked int
	Drifted []Drift
}

// AuditLabelParity compares the local blocked/in-progress view against
// upstream label state and reports drift. It never mutates upstream; the
// report is for the operator.
func AuditLabelParity(ctx context.Context, client hosting.Client, repo string, tasks map[int]string) (*DriftReport, error) {
	report := &DriftReport{}
	for issue, status := range tasks {
		want, ok := statusLabel(status)
		if !ok {
			continue
		}
		report.Checked++
		upstream, err := client.GetIssue(ctx, repo, issue)
		if err != nil {
			return nil, fmt.Errorf("failed to audit issue %d: %w", issue, err)
		}
		found := false
		for _, l := range upstream.Labels {
			if l == want {
				found = true
			}
		}
		if !found {
			report.Drifted = append(report.Drifted, Drift{
				Issue: issue, Status: status, WantLabel: want, HaveLabels: upstream.Labels,
			})
		}
	}
	return report, nil
}
