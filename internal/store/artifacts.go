package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// ArtifactPolicyVersion identifies the truncation policy used for stored
// artifacts. Bump when any kind policy changes.
const ArtifactPolicyVersion = 1

// Truncation modes.
const (
	TruncateHead = "head" // keep the head, drop the tail
	TruncateTail = "tail" // keep the tail, drop the head
)

// artifactPolicy bounds content per kind. Failure excerpts keep their tail
// (the interesting part of a CI log); notes keep their head.
type artifactPolicy struct {
	maxChars int
	mode     string
}

var artifactPolicies = map[string]artifactPolicy{
	"failure_excerpt": {maxChars: 16384, mode: TruncateTail},
	"note":            {maxChars: 8192, mode: TruncateHead},
	"ci_classifier":   {maxChars: 8192, mode: TruncateHead},
}

var defaultArtifactPolicy = artifactPolicy{maxChars: 8192, mode: TruncateHead}

// Artifact is a stored gate artifact with its truncation metadata.
type Artifact struct {
	ID             int64
	RunID          string
	Gate           string
	Kind           string
	Content        string
	Truncated      bool
	TruncationMode string
	OriginalChars  int
	OriginalLines  int
	PolicyVersion  int
}

// RecordRunGateArtifact stores an artifact, truncating content by the kind's
// policy. The original length is preserved in metadata; content is never
// silently rewritten after insert.
func (s *Store) RecordRunGateArtifact(ctx context.Context, runID, gate, kind, content string) (*Artifact, error) {
	if !isKnownGate(gate) {
		return nil, fmt.Errorf("unknown gate %q", gate)
	}
	policy, ok := artifactPolicies[kind]
	if !ok {
		policy = defaultArtifactPolicy
	}

	originalChars := len(content)
	originalLines := countLines(content)
	truncated := false
	if originalChars > policy.maxChars {
		truncated = true
		if policy.mode == TruncateTail {
			content = content[originalChars-policy.maxChars:]
		} else {
			content = content[:policy.maxChars]
		}
	}

	a := &Artifact{
		RunID:          runID,
		Gate:           gate,
		Kind:           kind,
		Content:        content,
		Truncated:      truncated,
		TruncationMode: policy.mode,
		OriginalChars:  originalChars,
		OriginalLines:  originalLines,
		PolicyVersion:  ArtifactPolicyVersion,
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO gate_artifacts (run_id, gate, kind, content, truncated,
			    truncation_mode, original_chars, original_lines, policy_version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, a.RunID, a.Gate, a.Kind, a.Content, boolInt(a.Truncated),
			a.TruncationMode, a.OriginalChars, a.OriginalLines, a.PolicyVersion)
		if err != nil {
			return fmt.Errorf("failed to insert artifact: %w", err)
		}
		a.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// RunArtifacts returns the artifacts of a run in insertion order.
func (s *Store) RunArtifacts(ctx context.Context, runID string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, gate, kind, content, truncated, truncation_mode,
		       original_chars, original_lines, policy_version
		FROM gate_artifacts WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load artifacts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var truncated int
		if err := rows.Scan(&a.ID, &a.RunID, &a.Gate, &a.Kind, &a.Content,
			&truncated, &a.TruncationMode, &a.OriginalChars, &a.OriginalLines,
			&a.PolicyVersion); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Truncated = truncated != 0
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
