// Package escalate implements the escalation autopilot: parsing consultant
// decisions, applying eligible resolutions exactly once under a
// per-signature budget, and recording the ledger.
package escalate

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decisionHeading is the stable heading the decision block sits under.
const decisionHeading = "## Consultant Decision"

// Decision kinds.
const (
	KindWatchdog        = "watchdog"
	KindLowConfidence   = "low-confidence"
	KindBlocked         = "blocked"
	KindProductGap      = "product-gap"
	KindContractSurface = "contract-surface"
)

// Confidence levels.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Decision is the consultant's structured routing verdict for an escalated
// task.
type Decision struct {
	Kind            string `json:"kind"`
	Confidence      string `json:"confidence"`
	Action          string `json:"action"`
	Rationale       string `json:"rationale,omitempty"`
	DependencyIssue int    `json:"dependencyIssue,omitempty"`
	Signature       string `json:"signature"`
}

// Render produces the markdown block carrying the decision: the stable
// heading followed by a fenced JSON code block.
func Render(d Decision) (string, error) {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal decision: %w", err)
	}
	return decisionHeading + "\n\n```json\n" + string(data) + "\n```\n", nil
}

// Parse extracts the decision from a consultant note. The JSON must sit in
// a fenced code block under the stable heading; loose JSON elsewhere in the
// note is ignored.
func Parse(note string) (Decision, error) {
	var d Decision
	idx := strings.Index(note, decisionHeading)
	if idx < 0 {
		return d, fmt.Errorf("consultant note has no decision heading")
	}
	rest := note[idx+len(decisionHeading):]

	fenceStart := strings.Index(rest, "```")
	if fenceStart < 0 {
		return d, fmt.Errorf("decision heading has no fenced block")
	}
	rest = rest[fenceStart+3:]
	// Skip an optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	fenceEnd := strings.Index(rest, "```")
	if fenceEnd < 0 {
		return d, fmt.Errorf("decision block fence is unterminated")
	}
	payload := strings.TrimSpace(rest[:fenceEnd])

	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return d, fmt.Errorf("failed to parse decision JSON: %w", err)
	}
	if d.Kind == "" || d.Signature == "" {
		return d, fmt.Errorf("decision missing kind or signature")
	}
	return d, nil
}

// Eligible applies the closed eligibility rules. Product-gap and
// contract-surface always block autopilot; blocked requires a dependency
// issue reference; watchdog and low-confidence resolve automatically only
// at high confidence. Everything else is ineligible.
func Eligible(d Decision) (bool, string) {
	switch d.Kind {
	case KindProductGap:
		return false, "product-gap escalations require a human"
	case KindContractSurface:
		return false, "contract-surface escalations require a human"
	case KindBlocked:
		if d.DependencyIssue <= 0 {
			return false, "blocked decision lacks a dependency issue reference"
		}
		return true, ""
	case KindWatchdog, KindLowConfidence:
		if d.Confidence != ConfidenceHigh {
			return false, fmt.Sprintf("%s decision at %s confidence is not auto-resolvable", d.Kind, d.Confidence)
		}
		return true, ""
	default:
		return false, fmt.Sprintf("unknown decision kind %q", d.Kind)
	}
}
