// Package worker runs one repository's tasks through the gate sequence and
// writes outcomes back to the hosting service.
package worker

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Review decision markers. Only explicit line-start markers count; fuzzy
// phrases inside prose never do. A negation marker beats the positive form
// on the same line.
const (
	markerProductGap   = "PRODUCT GAP:"
	markerNoProductGap = "NO PRODUCT GAP:"
	markerDevexGap     = "DEVEX GAP:"
	markerNoDevexGap   = "NO DEVEX GAP:"
)

// ReviewDecision is the parsed outcome of an advisory review session.
type ReviewDecision struct {
	HasGap  bool
	Detail  string
	Verdict string // "approve" or "revise", from the structured block when present
}

// HasProductGap scans review output for product-gap markers. The marker
// must start its line; `NO PRODUCT GAP:` negates.
func HasProductGap(text string) (bool, string) {
	return scanGapMarkers(text, markerProductGap, markerNoProductGap)
}

// HasDevexGap is the devex-review analogue.
func HasDevexGap(text string) (bool, string) {
	return scanGapMarkers(text, markerDevexGap, markerNoDevexGap)
}

func scanGapMarkers(text, positive, negative string) (bool, string) {
	found := false
	detail := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimRight(line, "\r")
		// Negation first: the positive marker is a suffix of the negative
		// form's text, so order matters.
		if strings.HasPrefix(trimmed, negative) {
			return false, strings.TrimSpace(trimmed[len(negative):])
		}
		if strings.HasPrefix(trimmed, positive) {
			found = true
			detail = strings.TrimSpace(trimmed[len(positive):])
		}
	}
	return found, detail
}

// reviewHeading introduces the structured review block.
const reviewHeading = "## Review Decision"

// reviewSentinels are the strict final-line fallback markers.
var reviewSentinels = map[string]string{
	"REVIEW: APPROVE": "approve",
	"REVIEW: REVISE":  "revise",
}

type reviewBlock struct {
	Verdict string `json:"verdict"`
	Detail  string `json:"detail,omitempty"`
}

// ParseReviewDecision extracts the review verdict: JSON after the stable
// heading wins; otherwise a strict final-line sentinel. Anything else is a
// parse failure, never a guess.
func ParseReviewDecision(text string) (ReviewDecision, error) {
	if idx := strings.Index(text, reviewHeading); idx >= 0 {
		rest := text[idx+len(reviewHeading):]
		if start := strings.Index(rest, "{"); start >= 0 {
			if end := strings.Index(rest[start:], "}"); end >= 0 {
				var block reviewBlock
				payload := rest[start : start+end+1]
				if err := json.Unmarshal([]byte(payload), &block); err == nil {
					if block.Verdict != "approve" && block.Verdict != "revise" {
						return ReviewDecision{}, fmt.Errorf("unknown review verdict %q", block.Verdict)
					}
					return ReviewDecision{Verdict: block.Verdict, Detail: block.Detail}, nil
				}
			}
		}
	}

	lines := strings.Split(strings.TrimRight(text, "\r\n \t"), "\n")
	if len(lines) > 0 {
		final := strings.TrimSpace(lines[len(lines)-1])
		if verdict, ok := reviewSentinels[final]; ok {
			return ReviewDecision{Verdict: verdict}, nil
		}
	}
	return ReviewDecision{}, fmt.Errorf("review output has no decision marker")
}

// NormalizeBwrbNoteRef canonicalizes a bwrb note reference: CRLF and
// surrounding whitespace stripped, interior whitespace runs collapsed, and
// the wiki-link brackets removed.
func NormalizeBwrbNoteRef(ref string) string {
	ref = SanitizeNoteText(ref)
	ref = strings.TrimPrefix(ref, "[[")
	ref = strings.TrimSuffix(ref, "]]")
	ref = strings.TrimSpace(ref)
	return strings.Join(strings.Fields(ref), " ")
}

// SanitizeNoteText strips control characters (except newline and tab) and
// normalizes line endings. Commutes with NormalizeBwrbNoteRef.
func SanitizeNoteText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == '\n' || r == '\t' || r >= 0x20 {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
