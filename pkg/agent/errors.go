package agent

import (
	"errors"
	"fmt"
	"strings"
)

// FailoverReason names why a run gave up on a profile or model.
type FailoverReason string

const (
	ReasonContextOverflow       FailoverReason = "context_overflow"
	ReasonAuth                  FailoverReason = "auth"
	ReasonRateLimit             FailoverReason = "rate_limit"
	ReasonTimeout               FailoverReason = "timeout"
	ReasonUnsupportedCapability FailoverReason = "unsupported_capability"
	ReasonOther                 FailoverReason = "other"
)

// Sentinels matched by FailoverError.Is on its Reason.
var (
	ErrContextOverflow       = errors.New("context overflow")
	ErrAuth                  = errors.New("auth failure")
	ErrRateLimit             = errors.New("rate limited")
	ErrTimeout               = errors.New("attempt timed out")
	ErrUnsupportedCapability = errors.New("unsupported capability")
	ErrOther                 = errors.New("run failed")
)

var (
	// ErrRunAborted is returned when AbortRun cancels the in-flight attempt.
	ErrRunAborted = errors.New("agent run aborted")
	// ErrNoAvailableProfile means every candidate was skipped before an
	// attempt could be made.
	ErrNoAvailableProfile = errors.New("no available auth profile")
	// ErrNotStreaming is returned by Session.Steer outside a prompt.
	ErrNotStreaming = errors.New("session is not streaming")
	// ErrSessionBusy is returned when Prompt is called while one is in flight.
	ErrSessionBusy = errors.New("session already has a prompt in flight")
	// ErrSessionDisposed is returned by a Session after Dispose.
	ErrSessionDisposed = errors.New("session disposed")
)

// FailoverError is the terminal error of a run. Err carries the last
// classified cause with secrets masked.
type FailoverError struct {
	Reason    FailoverReason
	ProfileID string
	Provider  string
	Model     string
	Err       error
}

func (e *FailoverError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent run failed (reason=%s", e.Reason)
	if e.Provider != "" {
		fmt.Fprintf(&b, ", provider=%s", e.Provider)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, ", model=%s", e.Model)
	}
	if e.ProfileID != "" {
		fmt.Fprintf(&b, ", profile=%s", e.ProfileID)
	}
	b.WriteString(")")
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *FailoverError) Unwrap() error { return e.Err }

func (e *FailoverError) Is(target error) bool {
	return target == reasonSentinel(e.Reason)
}

func reasonSentinel(r FailoverReason) error {
	switch r {
	case ReasonContextOverflow:
		return ErrContextOverflow
	case ReasonAuth:
		return ErrAuth
	case ReasonRateLimit:
		return ErrRateLimit
	case ReasonTimeout:
		return ErrTimeout
	case ReasonUnsupportedCapability:
		return ErrUnsupportedCapability
	default:
		return ErrOther
	}
}

// StatusError is a provider API error reduced to its HTTP status and text.
// The SDK engines return it so classification does not depend on SDK types.
type StatusError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider returned %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error { return e.Err }

// redactedError presents a masked message while keeping the cause
// reachable through errors.Is/As.
type redactedError struct {
	msg   string
	cause error
}

func (e *redactedError) Error() string { return e.msg }
func (e *redactedError) Unwrap() error { return e.cause }
