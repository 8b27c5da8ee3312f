package hosting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies a hosting error for retry and escalation policy.
type Kind string

const (
	// KindTransient covers timeouts, secondary rate limits, and 5xx. Retried
	// with backoff within the operation.
	KindTransient Kind = "transient"
	// KindAuth is fatal to the operation and escalated.
	KindAuth Kind = "auth"
	// KindValidation covers bad input and schema mismatches. Fatal to the
	// operation, surfaced.
	KindValidation Kind = "validation"
)

// Error is a classified hosting failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind Kind, statusCode int, message string) *Error {
	return &Error{Kind: kind, StatusCode: statusCode, Message: message}
}

// Classify maps an arbitrary error to its kind. Unknown errors classify as
// transient so a flaky network never permanently blocks a task; auth and
// validation must be explicit.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "bad credentials"):
		return KindAuth
	case strings.Contains(msg, "422") || strings.Contains(msg, "unprocessable") ||
		strings.Contains(msg, "validation failed"):
		return KindValidation
	case strings.Contains(msg, "secondary rate limit") || strings.Contains(msg, "abuse detection"):
		return KindTransient
	}
	return KindTransient
}

// IsTransient reports whether the error should be retried.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsLabelMissing matches the service's "label does not exist" validation
// error, which the worker handles by creating the label and retrying once.
func IsLabelMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "label does not exist") ||
		strings.Contains(msg, "label not found")
}

// IsBaseModified matches the merge API's "base branch was modified" error,
// which triggers a bounded branch-update retry rather than a CI block.
func IsBaseModified(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "base branch was modified")
}
