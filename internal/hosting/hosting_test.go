package hosting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"explicit auth", NewError(KindAuth, 401, "bad credentials"), KindAuth},
		{"explicit validation", NewError(KindValidation, 422, "validation failed"), KindValidation},
		{"deadline", context.DeadlineExceeded, KindTransient},
		{"unauthorized text", errors.New("GET /x: 401 Unauthorized"), KindAuth},
		{"unprocessable text", errors.New("POST /x: 422 Unprocessable Entity"), KindValidation},
		{"secondary rate limit", errors.New("you have exceeded a secondary rate limit"), KindTransient},
		{"unknown defaults transient", errors.New("connection reset by peer"), KindTransient},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Classify(c.err); got != c.want {
				t.Errorf("Classify(%v) = %s, want %s", c.err, got, c.want)
			}
		})
	}
}

func TestClassifyWrappedError(t *testing.T) {
	deep := &Error{Kind: KindValidation, Message: "bad field"}
	if got := Classify(wrap(deep)); got != KindValidation {
		t.Errorf("wrapped classify = %s", got)
	}
}

func wrap(err error) error { return &wrapper{err} }

type wrapper struct{ err error }

func (w *wrapper) Error() string { return "op failed: " + w.err.Error() }
func (w *wrapper) Unwrap() error { return w.err }

func TestErrorMatchers(t *testing.T) {
	if !IsLabelMissing(errors.New("Validation Failed: Label does not exist")) {
		t.Error("label-missing error not matched")
	}
	if IsLabelMissing(errors.New("some other validation")) {
		t.Error("false positive label match")
	}
	if !IsBaseModified(errors.New("405 Base branch was modified. Review and try the merge again.")) {
		t.Error("base-modified error not matched")
	}
}

// countingClient records the peak number of concurrent calls.
type countingClient struct {
	Client
	mu        sync.Mutex
	inflight  int
	peak      int
	writeCnt  atomic.Int64
	callDelay time.Duration
}

func (c *countingClient) enter() {
	c.mu.Lock()
	c.inflight++
	if c.inflight > c.peak {
		c.peak = c.inflight
	}
	c.mu.Unlock()
	time.Sleep(c.callDelay)
}

func (c *countingClient) exit() {
	c.mu.Lock()
	c.inflight--
	c.mu.Unlock()
}

func (c *countingClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	c.enter()
	defer c.exit()
	return &Issue{Number: number, State: "open"}, nil
}

func (c *countingClient) AddLabels(ctx context.Context, repo string, number int, labels []string) error {
	c.enter()
	defer c.exit()
	c.writeCnt.Add(1)
	return nil
}

func TestSharedClientBoundsInflight(t *testing.T) {
	inner := &countingClient{callDelay: 10 * time.Millisecond}
	shared := NewSharedClient(inner, 3, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if _, err := shared.GetIssue(ctx, "r", n); err != nil {
				t.Errorf("GetIssue failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if inner.peak > 3 {
		t.Errorf("inflight exceeded limit: peak %d", inner.peak)
	}
}

func TestSharedClientSerializesWrites(t *testing.T) {
	inner := &countingClient{callDelay: 5 * time.Millisecond}
	shared := NewSharedClient(inner, 8, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := shared.AddLabels(ctx, "r", 1, []string{"x"}); err != nil {
				t.Errorf("AddLabels failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if inner.peak > 1 {
		t.Errorf("writes overlapped: peak %d", inner.peak)
	}
	if inner.writeCnt.Load() != 10 {
		t.Errorf("expected 10 writes, got %d", inner.writeCnt.Load())
	}
}

func TestSharedClientHonorsContextCancellation(t *testing.T) {
	inner := &countingClient{callDelay: 200 * time.Millisecond}
	shared := NewSharedClient(inner, 1, 1)

	// Occupy the single slot.
	go func() { _, _ = shared.GetIssue(context.Background(), "r", 1) }()
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := shared.GetIssue(ctx, "r", 2)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error while waiting for slot, got %v", err)
	}
}
