package alert

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/store"
)

type testLogger struct{ t *testing.T }

func (l testLogger) Logf(format string, args ...interface{}) { l.t.Logf(format, args...) }

// fakeHost implements just the comment surface the writer touches.
type fakeHost struct {
	hosting.Client
	comments []hosting.Comment
	nextID   int64
	postErr  error
	posts    int
}

func (f *fakeHost) ListIssueComments(ctx context.Context, repo string, number int) ([]hosting.Comment, error) {
	return f.comments, nil
}

func (f *fakeHost) CreateIssueComment(ctx context.Context, repo string, number int, body string) (*hosting.Comment, error) {
	if f.postErr != nil {
		return nil, f.postErr
	}
	f.posts++
	f.nextID++
	c := hosting.Comment{ID: f.nextID, Body: body}
	f.comments = append(f.comments, c)
	return &c, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), t.TempDir()+"/state.db")
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMarkerID(t *testing.T) {
	id := MarkerID("ci-failure:r:7")
	if !regexp.MustCompile(`^[0-9a-f]{12}$`).MatchString(id) {
		t.Fatalf("marker id not 12 hex chars: %q", id)
	}
	if MarkerID("ci-failure:r:7") != id {
		t.Error("marker id must be deterministic")
	}
	if MarkerID("other") == id {
		t.Error("different fingerprints must differ")
	}

	got, ok := FindMarker("text before\n" + Marker(id) + "\nafter")
	if !ok || got != id {
		t.Fatalf("FindMarker failed: %q %v", got, ok)
	}
	if _, ok := FindMarker("no marker here"); ok {
		t.Error("false positive marker")
	}
}

func TestDeliverPostsOnceAcrossAttempts(t *testing.T) {
	s := newTestStore(t)
	host := &fakeHost{}
	w := NewWriter(s, host, testLogger{t})
	ctx := context.Background()

	a := Alert{
		ID: "alert-1", Repo: "r", TargetType: "issue", TargetNumber: 7,
		Fingerprint: "ci-failure:r:7", Body: "CI has failed twice in a row.",
	}

	res, err := w.Deliver(ctx, a)
	if err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if !res.PostedComment || res.SkippedComment {
		t.Fatalf("first delivery should post: %+v", res)
	}
	if !strings.Contains(host.comments[0].Body, Marker(MarkerID(a.Fingerprint))) {
		t.Fatal("posted comment missing marker")
	}

	// Replay: the marker is found and no second comment is posted.
	res, err = w.Deliver(ctx, a)
	if err != nil {
		t.Fatalf("second Deliver failed: %v", err)
	}
	if !res.MarkerFound || !res.SkippedComment || res.PostedComment {
		t.Fatalf("replay should skip: %+v", res)
	}
	if host.posts != 1 {
		t.Fatalf("expected exactly one post, got %d", host.posts)
	}

	rec, err := s.GetAlertDelivery(ctx, "alert-1", ChannelIssueComment, MarkerID(a.Fingerprint))
	if err != nil {
		t.Fatalf("GetAlertDelivery failed: %v", err)
	}
	if rec == nil || rec.Attempts != 2 || rec.Status != store.DeliverySkipped {
		t.Fatalf("unexpected delivery record: %+v", rec)
	}
}

func TestDeliverDifferentFingerprintsPostSeparately(t *testing.T) {
	s := newTestStore(t)
	host := &fakeHost{}
	w := NewWriter(s, host, testLogger{t})
	ctx := context.Background()

	base := Alert{ID: "a", Repo: "r", TargetType: "issue", TargetNumber: 7, Body: "x"}
	first := base
	first.Fingerprint = "fp-1"
	second := base
	second.Fingerprint = "fp-2"

	if _, err := w.Deliver(ctx, first); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if _, err := w.Deliver(ctx, second); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	if host.posts != 2 {
		t.Fatalf("distinct fingerprints should both post, got %d", host.posts)
	}
}

func TestDeliverRecordsFailure(t *testing.T) {
	s := newTestStore(t)
	host := &fakeHost{postErr: errors.New("503 service unavailable")}
	w := NewWriter(s, host, testLogger{t})
	ctx := context.Background()

	a := Alert{ID: "a1", Repo: "r", TargetType: "issue", TargetNumber: 7, Fingerprint: "fp", Body: "x"}
	if _, err := w.Deliver(ctx, a); err == nil {
		t.Fatal("post failure must surface")
	}
	rec, err := s.GetAlertDelivery(ctx, "a1", ChannelIssueComment, MarkerID("fp"))
	if err != nil {
		t.Fatalf("GetAlertDelivery failed: %v", err)
	}
	if rec == nil || rec.Status != store.DeliveryFailed || rec.LastError == "" {
		t.Fatalf("failure not recorded: %+v", rec)
	}

	// Once the service recovers the alert still posts exactly once.
	host.postErr = nil
	res, err := w.Deliver(ctx, a)
	if err != nil {
		t.Fatalf("retry Deliver failed: %v", err)
	}
	if !res.PostedComment {
		t.Fatalf("retry should post: %+v", res)
	}
}

func TestDeliverClaimedKeySkipsWhenMarkerInvisible(t *testing.T) {
	s := newTestStore(t)
	host := &fakeHost{}
	w := NewWriter(s, host, testLogger{t})
	ctx := context.Background()

	a := Alert{ID: "a2", Repo: "r", TargetType: "issue", TargetNumber: 7, Fingerprint: "fp-crash", Body: "x"}
	if _, err := w.Deliver(ctx, a); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	// The posted comment is not visible on replay (listing lag, or a crash
	// between post and record), but the delivery key was claimed before
	// the post. The replay must skip, never double-post.
	host.comments = nil
	res, err := w.Deliver(ctx, a)
	if err != nil {
		t.Fatalf("replay Deliver failed: %v", err)
	}
	if res.PostedComment || !res.SkippedComment {
		t.Fatalf("claimed delivery must skip: %+v", res)
	}
	if host.posts != 1 {
		t.Fatalf("expected exactly one post, got %d", host.posts)
	}
}
