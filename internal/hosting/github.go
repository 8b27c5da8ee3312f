package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultAPIBase = "https://api.github.com"

// GitHubClient implements Client against the GitHub REST API. Errors are
// classified by status code so the worker's retry policy applies uniformly.
type GitHubClient struct {
	base  string
	token string
	http  *http.Client
}

// NewGitHubClient creates a client. The token falls back to the GITHUB_TOKEN
// environment variable; baseURL falls back to the public API.
func NewGitHubClient(baseURL, token string) *GitHubClient {
	if baseURL == "" {
		baseURL = defaultAPIBase
	}
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	return &GitHubClient{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := extractAPIMessage(data)
		return &Error{Kind: kindForStatus(resp.StatusCode, msg), StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func extractAPIMessage(data []byte) string {
	var payload struct {
		Message string `json:"message"`
		Errors  []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Message == "" {
		return strings.TrimSpace(string(data))
	}
	msg := payload.Message
	for _, e := range payload.Errors {
		if e.Message != "" {
			msg += ": " + e.Message
		}
	}
	return msg
}

func kindForStatus(status int, msg string) Kind {
	lower := strings.ToLower(msg)
	switch {
	case status == 401 || status == 403 && strings.Contains(lower, "credential"):
		return KindAuth
	case status == 422 || status == 404 || status == 405 || status == 409:
		return KindValidation
	default:
		return KindTransient
	}
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghIssue struct {
	Number int       `json:"number"`
	Title  string    `json:"title"`
	State  string    `json:"state"`
	Labels []ghLabel `json:"labels"`
}

type ghRepoRef struct {
	Ref  string `json:"ref"`
	SHA  string `json:"sha"`
	Repo *struct {
		FullName string `json:"full_name"`
		Owner    struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"owner"`
	} `json:"repo"`
}

type ghPull struct {
	Number    int       `json:"number"`
	HTMLURL   string    `json:"html_url"`
	State     string    `json:"state"`
	Merged    bool      `json:"merged"`
	MergedAt  *string   `json:"merged_at"`
	Head      ghRepoRef `json:"head"`
	Base      ghRepoRef `json:"base"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *GitHubClient) toPullRequest(repo string, p ghPull) *PullRequest {
	pr := &PullRequest{
		Number:    p.Number,
		URL:       p.HTMLURL,
		State:     p.State,
		Merged:    p.Merged || p.MergedAt != nil,
		HeadRef:   p.Head.Ref,
		HeadSHA:   p.Head.SHA,
		BaseRef:   p.Base.Ref,
		UpdatedAt: p.UpdatedAt,
	}
	if p.Head.Repo != nil {
		pr.CrossRepo = !strings.EqualFold(p.Head.Repo.FullName, repo)
		pr.HeadOwned = !pr.CrossRepo
	}
	return pr
}

func (c *GitHubClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var gi ghIssue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, &gi); err != nil {
		return nil, err
	}
	issue := &Issue{Number: gi.Number, Title: gi.Title, State: gi.State}
	for _, l := range gi.Labels {
		issue.Labels = append(issue.Labels, l.Name)
	}
	return issue, nil
}

func (c *GitHubClient) ListIssueComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	var raw []struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments?per_page=100", repo, number)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	comments := make([]Comment, 0, len(raw))
	for _, r := range raw {
		comments = append(comments, Comment{ID: r.ID, Body: r.Body})
	}
	return comments, nil
}

func (c *GitHubClient) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	var out struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	}
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &out); err != nil {
		return nil, err
	}
	return &Comment{ID: out.ID, Body: out.Body}, nil
}

func (c *GitHubClient) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var p ghPull
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, &p); err != nil {
		return nil, err
	}
	return c.toPullRequest(repo, p), nil
}

func (c *GitHubClient) FindPullRequestByHead(ctx context.Context, repo, headRef string) (*PullRequest, error) {
	owner := repo
	if i := strings.IndexByte(repo, '/'); i > 0 {
		owner = repo[:i]
	}
	var pulls []ghPull
	path := fmt.Sprintf("/repos/%s/pulls?state=all&head=%s&per_page=10",
		repo, url.QueryEscape(owner+":"+headRef))
	if err := c.do(ctx, http.MethodGet, path, nil, &pulls); err != nil {
		return nil, err
	}
	if len(pulls) == 0 {
		return nil, nil
	}
	return c.toPullRequest(repo, pulls[0]), nil
}

func (c *GitHubClient) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error) {
	var p ghPull
	req := map[string]string{"title": title, "body": body, "head": head, "base": base}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/pulls", repo), req, &p); err != nil {
		return nil, err
	}
	return c.toPullRequest(repo, p), nil
}

func (c *GitHubClient) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/update-branch", repo, number), struct{}{}, nil)
}

func (c *GitHubClient) MergePullRequest(ctx context.Context, repo string, number int) (*MergeResult, error) {
	var out struct {
		Merged bool   `json:"merged"`
		SHA    string `json:"sha"`
	}
	if err := c.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", repo, number), struct{}{}, &out); err != nil {
		return nil, err
	}
	return &MergeResult{Merged: out.Merged, SHA: out.SHA}, nil
}

func (c *GitHubClient) DeleteBranch(ctx context.Context, repo, ref string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/git/refs/heads/%s", repo, ref), nil, nil)
}

func (c *GitHubClient) ListRequiredChecks(ctx context.Context, repo, baseRef string) ([]string, error) {
	var out struct {
		Contexts []string `json:"contexts"`
	}
	path := fmt.Sprintf("/repos/%s/branches/%s/protection/required_status_checks", repo, url.PathEscape(baseRef))
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		// An unprotected branch has no required checks.
		var he *Error
		if errors.As(err, &he) && he.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	return out.Contexts, nil
}

func (c *GitHubClient) ListCheckRuns(ctx context.Context, repo, headSHA string) ([]CheckRun, error) {
	var out struct {
		CheckRuns []struct {
			Name       string `json:"name"`
			Status     string `json:"status"`
			Conclusion string `json:"conclusion"`
			DetailsURL string `json:"details_url"`
		} `json:"check_runs"`
	}
	path := fmt.Sprintf("/repos/%s/commits/%s/check-runs?per_page=100", repo, headSHA)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	runs := make([]CheckRun, 0, len(out.CheckRuns))
	for _, r := range out.CheckRuns {
		runs = append(runs, CheckRun{
			Name: r.Name, Status: r.Status, Conclusion: r.Conclusion, DetailsURL: r.DetailsURL,
		})
	}
	return runs, nil
}

func (c *GitHubClient) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels", repo, number)
	return c.do(ctx, http.MethodPost, path, map[string][]string{"labels": labels}, nil)
}

func (c *GitHubClient) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", repo, number, url.PathEscape(label))
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *GitHubClient) CreateLabel(ctx context.Context, repo, name, color string) error {
	path := fmt.Sprintf("/repos/%s/labels", repo)
	return c.do(ctx, http.MethodPost, path, map[string]string{"name": name, "color": color}, nil)
}
