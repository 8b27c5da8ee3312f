package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/3mdistal/ralph/internal/hosting"
)

// ClassifierVersion is the current CI triage payload version.
const ClassifierVersion = 1

// CI failure classifications.
const (
	ClassRegression = "regression"
	ClassFlake      = "flake"
	ClassInfra      = "infra"
)

// Triage actions.
const (
	ActionResume     = "resume"
	ActionSpawn      = "spawn"
	ActionQuarantine = "quarantine"
)

// ClassifierPayload is the versioned CI triage verdict persisted on the ci
// gate result.
type ClassifierPayload struct {
	Kind           string   `json:"kind"`
	Version        int      `json:"version"`
	Signature      string   `json:"signature"`
	Classification string   `json:"classification"`
	Action         string   `json:"action"`
	Reasons        []string `json:"reasons"`
	Attempt        int      `json:"attempt"`
	MaxAttempts    int      `json:"maxAttempts"`
}

// Encode renders the payload as the JSON stored on the gate result.
func (p ClassifierPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal classifier payload: %w", err)
	}
	return string(data), nil
}

// FailureSignature derives a stable signature from the set of failed check
// names. Ordering does not matter; the same failures always produce the
// same signature.
func FailureSignature(failed []hosting.CheckRun) string {
	names := make([]string, 0, len(failed))
	for _, c := range failed {
		names = append(names, c.Name+"="+c.Conclusion)
	}
	sort.Strings(names)
	sum := sha256.Sum256([]byte(strings.Join(names, ";")))
	return hex.EncodeToString(sum[:])[:16]
}

// infraConclusions are check conclusions that indicate CI infrastructure
// trouble rather than a code problem.
var infraConclusions = map[string]bool{
	"timed_out": true,
	"stale":     true,
	"cancelled": true,
}

// ClassifyCIFailure builds the triage payload for a set of failed required
// checks. attempt is how many times this signature has already been triaged.
func ClassifyCIFailure(failed []hosting.CheckRun, attempt, maxAttempts int) ClassifierPayload {
	p := ClassifierPayload{
		Kind:        "ci_classifier",
		Version:     ClassifierVersion,
		Signature:   FailureSignature(failed),
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
	}

	allInfra := len(failed) > 0
	for _, c := range failed {
		if !infraConclusions[c.Conclusion] {
			allInfra = false
		}
		p.Reasons = append(p.Reasons, fmt.Sprintf("%s: %s", c.Name, c.Conclusion))
	}

	switch {
	case allInfra:
		p.Classification = ClassInfra
		p.Action = ActionResume
	case attempt > 0 && attempt < maxAttempts:
		// The same signature failing again after a retry looks like a real
		// regression only once the budget runs out; until then treat it as
		// a possible flake and re-run.
		p.Classification = ClassFlake
		p.Action = ActionResume
	case attempt >= maxAttempts:
		p.Classification = ClassRegression
		p.Action = ActionQuarantine
	default:
		p.Classification = ClassRegression
		p.Action = ActionSpawn
	}
	return p
}
