package escalate

import (
	"context"
	"fmt"
	"time"

	"github.com/3mdistal/ralph/internal/queue"
	"github.com/3mdistal/ralph/internal/store"
)

// DefaultMaxAttempts bounds how many times the autopilot acts on the same
// failure signature for one issue.
const DefaultMaxAttempts = 2

// Logger is the minimal logging surface the autopilot needs.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Outcome describes what the autopilot did with an escalation.
type Outcome struct {
	Applied bool
	Reason  string // set when not applied
}

// Autopilot resolves eligible escalations exactly once. The idempotency key
// makes the apply repeat-safe across restarts; the per-signature attempt
// budget stops resolution loops.
type Autopilot struct {
	store       *store.Store
	maxAttempts int
	log         Logger

	// Apply performs the actual resolution (requeue with a patch, link a
	// dependency, and so on). Injected by the daemon.
	Apply func(ctx context.Context, task *queue.Task, d Decision) error
}

// NewAutopilot creates an autopilot over the durable store.
func NewAutopilot(s *store.Store, maxAttempts int, log Logger) *Autopilot {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Autopilot{store: s, maxAttempts: maxAttempts, log: log}
}

// Resolve reads the consultant note for an escalated task and, when the
// decision is eligible and within budget, applies it once.
func (a *Autopilot) Resolve(ctx context.Context, task *queue.Task, note string) (Outcome, error) {
	d, err := Parse(note)
	if err != nil {
		return Outcome{Reason: fmt.Sprintf("unparseable decision: %v", err)}, nil
	}
	if ok, reason := Eligible(d); !ok {
		return Outcome{Reason: reason}, nil
	}

	attempt, err := a.store.GetTriageAttempt(ctx, task.Repo, task.Issue, d.Signature)
	if err != nil {
		return Outcome{}, err
	}
	if attempt.Attempts >= a.maxAttempts {
		return Outcome{Reason: fmt.Sprintf("signature %s exhausted its %d-attempt budget", d.Signature, a.maxAttempts)}, nil
	}

	key := fmt.Sprintf("%s#%d:%s", task.Repo, task.Issue, d.Signature)
	claimed, err := a.store.RecordKey(ctx, "autopilot", key, note)
	if err != nil {
		return Outcome{}, err
	}
	if !claimed {
		return Outcome{Reason: "resolution already applied"}, nil
	}

	if a.Apply != nil {
		if err := a.Apply(ctx, task, d); err != nil {
			// The external apply failed after the claim. Release the key so
			// a later pass can retry the side effect.
			if derr := a.store.DeleteKey(ctx, "autopilot", key); derr != nil {
				a.log.Logf("failed to release autopilot key after apply error: %v", derr)
			}
			return Outcome{}, fmt.Errorf("autopilot apply failed: %w", err)
		}
	}

	if _, err := a.store.BumpTriageAttempt(ctx, task.Repo, task.Issue, d.Signature); err != nil {
		return Outcome{}, err
	}
	task.RecordAutoResolve(fmt.Sprintf("%s %s kind=%s signature=%s",
		time.Now().UTC().Format(time.RFC3339), "autopilot", d.Kind, d.Signature))
	a.log.Logf("autopilot resolved %s (kind=%s, signature=%s)", task.Ref(), d.Kind, d.Signature)
	return Outcome{Applied: true}, nil
}
