package main

import (
	"testing"

	"github.com/3mdistal/ralph/internal/store"
)

func TestGatesFailureReportWrapsStoreError(t *testing.T) {
	err := &store.StoreError{
		Code:          store.CodeForwardIncompatible,
		Message:       "state database schema v9 is newer than supported (max v5)",
		SchemaVersion: 9,
		SupportedMax:  5,
		WritableMax:   5,
	}
	report := gatesFailureReport("owner/repo", 42, err)
	if report.Version != store.GatesReportVersion {
		t.Fatalf("version = %d, want %d", report.Version, store.GatesReportVersion)
	}
	if report.Repo != "owner/repo" || report.IssueNumber != 42 {
		t.Fatalf("unexpected target: %+v", report)
	}
	if report.Gates == nil || report.Artifacts == nil {
		t.Fatal("gates and artifacts must marshal as empty arrays, not null")
	}
	if report.Error == nil || report.Error.Code != store.CodeForwardIncompatible {
		t.Fatalf("unexpected error envelope: %+v", report.Error)
	}
	if report.Error.SchemaVersion != 9 || report.Error.SupportedRange != 5 || report.Error.WritableRange != 5 {
		t.Fatalf("version ranges not carried through: %+v", report.Error)
	}
}
