// Package alert posts operator-facing alerts to the hosting service. Every
// comment carries an HTML marker derived from the alert fingerprint, so a
// retried delivery finds the marker and skips instead of double-posting.
package alert

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/3mdistal/ralph/internal/hosting"
	"github.com/3mdistal/ralph/internal/store"
)

// ChannelIssueComment is the only delivery channel the daemon uses today.
const ChannelIssueComment = "issue-comment"

// idemScope is the idempotency-key scope for alert posts.
const idemScope = "alert-delivery"

var markerPattern = regexp.MustCompile(`<!-- ralph-alert:id=([0-9a-f]{12}) -->`)

// MarkerID derives the 12-hex marker id from an alert fingerprint.
func MarkerID(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])[:12]
}

// Marker renders the HTML comment carrying a marker id.
func Marker(id string) string {
	return fmt.Sprintf("<!-- ralph-alert:id=%s -->", id)
}

// FindMarker extracts a marker id from a comment body, if present.
func FindMarker(body string) (string, bool) {
	m := markerPattern.FindStringSubmatch(body)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Alert is one message destined for an issue or PR.
type Alert struct {
	ID           string // stable alert identity for delivery records
	Repo         string
	TargetType   string // "issue" or "pr"
	TargetNumber int
	Fingerprint  string // dedupe identity; same fingerprint never posts twice
	Body         string
}

// Result reports what a delivery attempt did.
type Result struct {
	PostedComment  bool
	MarkerFound    bool
	SkippedComment bool
}

// Logger is the minimal logging surface the writer needs.
type Logger interface {
	Logf(format string, args ...interface{})
}

// Writer delivers alerts and records every attempt in the durable store.
type Writer struct {
	store  *store.Store
	client hosting.Client
	log    Logger
}

// NewWriter creates an alert writer.
func NewWriter(s *store.Store, client hosting.Client, log Logger) *Writer {
	return &Writer{store: s, client: client, log: log}
}

// Deliver posts the alert unless a comment with the same marker already
// exists on the target. At most one marker per (target, fingerprint) ever
// appears, across any number of delivery attempts.
func (w *Writer) Deliver(ctx context.Context, a Alert) (Result, error) {
	markerID := MarkerID(a.Fingerprint)
	record := store.AlertDelivery{
		AlertID:      a.ID,
		Channel:      ChannelIssueComment,
		MarkerID:     markerID,
		TargetType:   a.TargetType,
		TargetNumber: a.TargetNumber,
	}

	comments, err := w.client.ListIssueComments(ctx, a.Repo, a.TargetNumber)
	if err != nil {
		record.Status = store.DeliveryFailed
		record.LastError = err.Error()
		if rerr := w.store.RecordAlertAttempt(ctx, record); rerr != nil {
			w.log.Logf("failed to record alert attempt: %v", rerr)
		}
		return Result{}, fmt.Errorf("failed to list comments for alert: %w", err)
	}
	for _, c := range comments {
		if id, ok := FindMarker(c.Body); ok && id == markerID {
			record.Status = store.DeliverySkipped
			record.CommentID = &c.ID
			if rerr := w.store.RecordAlertAttempt(ctx, record); rerr != nil {
				w.log.Logf("failed to record alert attempt: %v", rerr)
			}
			return Result{MarkerFound: true, SkippedComment: true}, nil
		}
	}

	// Claim the delivery key before posting. A crash between post and
	// record leaves the key claimed, so the replay skips instead of
	// posting a second comment.
	idemKey := fmt.Sprintf("%s:%s:%s", a.ID, ChannelIssueComment, markerID)
	claimed, err := w.store.RecordKey(ctx, idemScope, idemKey, "")
	if err != nil {
		record.Status = store.DeliveryFailed
		record.LastError = err.Error()
		if rerr := w.store.RecordAlertAttempt(ctx, record); rerr != nil {
			w.log.Logf("failed to record alert attempt: %v", rerr)
		}
		return Result{}, fmt.Errorf("failed to claim alert delivery: %w", err)
	}
	if !claimed {
		record.Status = store.DeliverySkipped
		if rerr := w.store.RecordAlertAttempt(ctx, record); rerr != nil {
			w.log.Logf("failed to record alert attempt: %v", rerr)
		}
		return Result{SkippedComment: true}, nil
	}

	body := a.Body + "\n\n" + Marker(markerID)
	comment, err := w.client.CreateIssueComment(ctx, a.Repo, a.TargetNumber, body)
	if err != nil {
		// Release the claim so the next attempt can retry the post.
		if derr := w.store.DeleteKey(ctx, idemScope, idemKey); derr != nil {
			w.log.Logf("failed to release alert delivery key: %v", derr)
		}
		record.Status = store.DeliveryFailed
		record.LastError = err.Error()
		if rerr := w.store.RecordAlertAttempt(ctx, record); rerr != nil {
			w.log.Logf("failed to record alert attempt: %v", rerr)
		}
		return Result{}, fmt.Errorf("failed to post alert comment: %w", err)
	}

	record.Status = store.DeliverySuccess
	if comment != nil {
		record.CommentID = &comment.ID
	}
	if rerr := w.store.RecordAlertAttempt(ctx, record); rerr != nil {
		w.log.Logf("failed to record alert attempt: %v", rerr)
	}
	return Result{PostedComment: true}, nil
}
