// Package hosting defines the contract with the code-hosting service:
// issues, pull requests, comments, labels, and required checks. The daemon
// talks to one shared client bounded by inflight semaphores.
package hosting

import (
	"context"
	"time"
)

// Issue is the subset of upstream issue state the orchestrator reads.
type Issue struct {
	Number int
	Title  string
	State  string // "open" or "closed"
	Labels []string
}

// PullRequest is the subset of PR state the gate pipeline needs.
type PullRequest struct {
	Number     int
	URL        string
	State      string // "open", "closed", "merged"
	Merged     bool
	HeadRef    string
	HeadSHA    string
	BaseRef    string
	CrossRepo  bool
	HeadOwned  bool // head branch lives in this repo and is bot-owned
	UpdatedAt  time.Time
}

// CheckRun is one required check's terminal or pending state.
type CheckRun struct {
	Name       string
	Status     string // "queued", "in_progress", "completed"
	Conclusion string // "success", "failure", "cancelled", "timed_out", ...
	DetailsURL string
}

// Terminal reports whether the check has finished.
func (c CheckRun) Terminal() bool { return c.Status == "completed" }

// Comment is a posted issue or PR comment.
type Comment struct {
	ID   int64
	Body string
}

// MergeResult reports the outcome of a merge call.
type MergeResult struct {
	Merged bool
	SHA    string
}

// Client is the full hosting capability surface. Implementations wrap a
// concrete API; the orchestrator core only depends on this interface.
type Client interface {
	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	ListIssueComments(ctx context.Context, repo string, number int) ([]Comment, error)
	CreateIssueComment(ctx context.Context, repo string, number int, body string) (*Comment, error)

	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	FindPullRequestByHead(ctx context.Context, repo, headRef string) (*PullRequest, error)
	CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error)
	UpdatePullRequestBranch(ctx context.Context, repo string, number int) error
	MergePullRequest(ctx context.Context, repo string, number int) (*MergeResult, error)
	DeleteBranch(ctx context.Context, repo, ref string) error

	ListRequiredChecks(ctx context.Context, repo, baseRef string) ([]string, error)
	ListCheckRuns(ctx context.Context, repo, headSHA string) ([]CheckRun, error)

	AddLabels(ctx context.Context, repo string, number int, labels []string) error
	RemoveLabel(ctx context.Context, repo string, number int, label string) error
	CreateLabel(ctx context.Context, repo, name, color string) error
}
