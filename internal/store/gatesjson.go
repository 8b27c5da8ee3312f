package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GatesReportVersion is the stable schema version of the gates JSON output.
const GatesReportVersion = 2

// maxClassifierVersion is the newest CI classifier payload version this
// binary understands.
const maxClassifierVersion = 1

// GatesReport is the stable JSON projection of a run's gate state.
type GatesReport struct {
	Version     int            `json:"version"`
	Repo        string         `json:"repo"`
	IssueNumber int            `json:"issueNumber"`
	RunID       string         `json:"runId"`
	Gates       []GateJSON     `json:"gates"`
	Artifacts   []ArtifactJSON `json:"artifacts"`
	Error       *ErrorEnvelope `json:"error"`
}

// GateJSON is one gate in the report.
type GateJSON struct {
	Name                         string          `json:"name"`
	Status                       string          `json:"status"`
	Command                      string          `json:"command,omitempty"`
	SkipReason                   string          `json:"skipReason,omitempty"`
	Reason                       string          `json:"reason,omitempty"`
	URL                          string          `json:"url,omitempty"`
	PRNumber                     int             `json:"prNumber,omitempty"`
	PRURL                        string          `json:"prUrl,omitempty"`
	ClassifierVersion            int             `json:"classifierVersion,omitempty"`
	ClassifierPayload            json.RawMessage `json:"classifierPayload,omitempty"`
	ClassifierSource             string          `json:"classifierSource,omitempty"`
	ClassifierUnsupportedVersion bool            `json:"classifierUnsupportedVersion,omitempty"`
}

// ArtifactJSON is one artifact in the report.
type ArtifactJSON struct {
	ID                    int64  `json:"id"`
	Gate                  string `json:"gate"`
	Kind                  string `json:"kind"`
	Truncated             bool   `json:"truncated"`
	TruncationMode        string `json:"truncationMode"`
	ArtifactPolicyVersion int    `json:"artifactPolicyVersion"`
	OriginalChars         int    `json:"originalChars"`
	OriginalLines         int    `json:"originalLines"`
	Content               string `json:"content"`
}

// ErrorEnvelope is the stable error field of JSON outputs.
type ErrorEnvelope struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	SchemaVersion  int    `json:"schemaVersion,omitempty"`
	SupportedRange int    `json:"supportedRange,omitempty"`
	WritableRange  int    `json:"writableRange,omitempty"`
}

// EnvelopeFor converts a classified store error into the JSON envelope.
func EnvelopeFor(err error) *ErrorEnvelope {
	if err == nil {
		return nil
	}
	if se, ok := err.(*StoreError); ok {
		return &ErrorEnvelope{
			Code:           se.Code,
			Message:        se.Message,
			SchemaVersion:  se.SchemaVersion,
			SupportedRange: se.SupportedMax,
			WritableRange:  se.WritableMax,
		}
	}
	return &ErrorEnvelope{Code: "internal", Message: err.Error()}
}

// BuildGatesReport assembles the version-2 gates report for an issue.
// When the issue has no runs the report carries a validation error.
func (s *Store) BuildGatesReport(ctx context.Context, repo string, issueNumber int) (*GatesReport, error) {
	report := &GatesReport{
		Version:     GatesReportVersion,
		Repo:        repo,
		IssueNumber: issueNumber,
		Gates:       []GateJSON{},
		Artifacts:   []ArtifactJSON{},
	}

	run, gates, artifacts, err := s.GetLatestRunGateStateForIssue(ctx, repo, issueNumber)
	if err != nil {
		return nil, err
	}
	if run == nil {
		report.Error = &ErrorEnvelope{
			Code:    "not_found",
			Message: fmt.Sprintf("no runs recorded for %s#%d", repo, issueNumber),
		}
		return report, nil
	}
	report.RunID = run.ID

	// Classifier payloads may also live in a ci_classifier artifact when the
	// persisted column predates the classifier (older runs).
	var artifactClassifier string
	for _, a := range artifacts {
		if a.Gate == GateCI && a.Kind == "ci_classifier" {
			artifactClassifier = a.Content
		}
	}

	for _, g := range gates {
		gj := GateJSON{
			Name:       g.Gate,
			Status:     g.Status,
			Command:    g.Command,
			SkipReason: g.SkipReason,
			Reason:     g.Reason,
			URL:        g.URL,
			PRNumber:   g.PRNumber,
		}
		if g.Gate == GatePREvidence && g.URL != "" {
			gj.PRURL = g.URL
		}
		if g.Gate == GateCI {
			payload := g.ClassifierPayload
			source := "persisted"
			if payload == "" && artifactClassifier != "" {
				payload = artifactClassifier
				source = "artifact"
			}
			if payload != "" {
				gj.ClassifierVersion = g.ClassifierVersion
				gj.ClassifierSource = source
				if json.Valid([]byte(payload)) {
					gj.ClassifierPayload = json.RawMessage(payload)
				}
				if g.ClassifierVersion > maxClassifierVersion {
					gj.ClassifierUnsupportedVersion = true
				}
			}
		}
		report.Gates = append(report.Gates, gj)
	}

	for _, a := range artifacts {
		report.Artifacts = append(report.Artifacts, ArtifactJSON{
			ID:                    a.ID,
			Gate:                  a.Gate,
			Kind:                  a.Kind,
			Truncated:             a.Truncated,
			TruncationMode:        a.TruncationMode,
			ArtifactPolicyVersion: a.PolicyVersion,
			OriginalChars:         a.OriginalChars,
			OriginalLines:         a.OriginalLines,
			Content:               a.Content,
		})
	}
	return report, nil
}
