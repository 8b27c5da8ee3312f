package hosting

import (
	"context"
)

// SharedClient bounds concurrent calls to the underlying client with two
// semaphores: one for all requests, one for mutating requests. With limits
// of 1 the calls fully serialize.
type SharedClient struct {
	inner    Client
	inflight chan struct{}
	writes   chan struct{}
}

// NewSharedClient wraps a client with inflight limits. Limits below 1 are
// raised to 1.
func NewSharedClient(inner Client, maxInflight, maxInflightWrites int) *SharedClient {
	if maxInflight < 1 {
		maxInflight = 1
	}
	if maxInflightWrites < 1 {
		maxInflightWrites = 1
	}
	return &SharedClient{
		inner:    inner,
		inflight: make(chan struct{}, maxInflight),
		writes:   make(chan struct{}, maxInflightWrites),
	}
}

func (s *SharedClient) acquireRead(ctx context.Context) (release func(), err error) {
	select {
	case s.inflight <- struct{}{}:
		return func() { <-s.inflight }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// acquireWrite takes the write slot first, then the shared slot, so writes
// queue behind each other without starving reads of the shared pool.
func (s *SharedClient) acquireWrite(ctx context.Context) (release func(), err error) {
	select {
	case s.writes <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case s.inflight <- struct{}{}:
		return func() { <-s.inflight; <-s.writes }, nil
	case <-ctx.Done():
		<-s.writes
		return nil, ctx.Err()
	}
}

func (s *SharedClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	release, err := s.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.GetIssue(ctx, repo, number)
}

func (s *SharedClient) ListIssueComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	release, err := s.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.ListIssueComments(ctx, repo, number)
}

func (s *SharedClient) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*Comment, error) {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.CreateIssueComment(ctx, repo, number, body)
}

func (s *SharedClient) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	release, err := s.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.GetPullRequest(ctx, repo, number)
}

func (s *SharedClient) FindPullRequestByHead(ctx context.Context, repo, headRef string) (*PullRequest, error) {
	release, err := s.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.FindPullRequestByHead(ctx, repo, headRef)
}

func (s *SharedClient) CreatePullRequest(ctx context.Context, repo, title, body, head, base string) (*PullRequest, error) {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.CreatePullRequest(ctx, repo, title, body, head, base)
}

func (s *SharedClient) UpdatePullRequestBranch(ctx context.Context, repo string, number int) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.inner.UpdatePullRequestBranch(ctx, repo, number)
}

func (s *SharedClient) MergePullRequest(ctx context.Context, repo string, number int) (*MergeResult, error) {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.MergePullRequest(ctx, repo, number)
}

func (s *SharedClient) DeleteBranch(ctx context.Context, repo, ref string) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.inner.DeleteBranch(ctx, repo, ref)
}

func (s *SharedClient) ListRequiredChecks(ctx context.Context, repo, baseRef string) ([]string, error) {
	release, err := s.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.ListRequiredChecks(ctx, repo, baseRef)
}

func (s *SharedClient) ListCheckRuns(ctx context.Context, repo, headSHA string) ([]CheckRun, error) {
	release, err := s.acquireRead(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.inner.ListCheckRuns(ctx, repo, headSHA)
}

func (s *SharedClient) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.inner.AddLabels(ctx, repo, number, labels)
}

func (s *SharedClient) RemoveLabel(ctx context.Context, repo string, number int, label string) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.inner.RemoveLabel(ctx, repo, number, label)
}

func (s *SharedClient) CreateLabel(ctx context.Context, repo, name, color string) error {
	release, err := s.acquireWrite(ctx)
	if err != nil {
		return err
	}
	defer release()
	return s.inner.CreateLabel(ctx, repo, name, color)
}
