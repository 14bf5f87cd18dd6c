package agent

import (
	"context"
	"errors"
	"strings"
)

// Outcome is the classification of one attempt.
type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomeContextOverflow       Outcome = "context_overflow"
	OutcomeAuthError             Outcome = "auth_error"
	OutcomeRateLimited           Outcome = "rate_limited"
	OutcomeUnsupportedCapability Outcome = "unsupported_capability"
	OutcomeTimeout               Outcome = "timeout"
	OutcomeOtherError            Outcome = "other_error"
)

// Reason maps an outcome to the failover reason reported when a run ends on it.
func (o Outcome) Reason() FailoverReason {
	switch o {
	case OutcomeContextOverflow:
		return ReasonContextOverflow
	case OutcomeAuthError:
		return ReasonAuth
	case OutcomeRateLimited:
		return ReasonRateLimit
	case OutcomeUnsupportedCapability:
		return ReasonUnsupportedCapability
	case OutcomeTimeout:
		return ReasonTimeout
	default:
		return ReasonOther
	}
}

// Stop reasons with special meaning to classification.
const (
	StopReasonError   = "error"
	StopReasonAborted = "aborted"
)

var (
	contextOverflowPatterns = []string{
		"context_length_exceeded",
		"prompt is too long",
		"maximum context length",
		"context window",
		"request_too_large",
		"too many tokens",
	}
	authPatterns = []string{
		"invalid api key",
		"invalid x-api-key",
		"incorrect api key",
		"invalid_api_key",
		"unauthorized",
		"authentication",
		"permission_denied",
		"token has expired",
		"token expired",
		"oauth token",
		"insufficient credits",
		"credit balance",
		"billing",
	}
	rateLimitPatterns = []string{
		"rate_limit",
		"rate limit",
		"too many requests",
		"quota exceeded",
		"resource_exhausted",
		"overloaded",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
	}
	capabilityPatterns = []string{
		"does not support",
		"not supported",
		"unsupported value",
		"unsupported parameter",
		"supported values",
	}
	capabilitySubjects = []string{
		"thinking",
		"reasoning",
		"reasoning_effort",
		"budget_tokens",
	}
)

// Classify reduces an attempt's message and error to an Outcome. Matching
// considers context errors first, then HTTP status, then message text.
func Classify(msg *AssistantMessage, err error) Outcome {
	if err == nil && msg != nil && msg.StopReason != StopReasonError && msg.ErrorMessage == "" {
		return OutcomeSuccess
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}

	text := failureText(msg, err)
	lower := strings.ToLower(text)

	if isContextOverflow(lower) {
		return OutcomeContextOverflow
	}
	if isUnsupportedCapability(lower) {
		return OutcomeUnsupportedCapability
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch status := statusErr.StatusCode; {
		case status == 413:
			return OutcomeContextOverflow
		case status == 401 || status == 402 || status == 403:
			return OutcomeAuthError
		case status == 429 || status == 503 || status == 529:
			return OutcomeRateLimited
		case status == 408 || status == 504:
			return OutcomeTimeout
		}
	}

	switch {
	case containsAny(lower, authPatterns...):
		return OutcomeAuthError
	case containsAny(lower, rateLimitPatterns...):
		return OutcomeRateLimited
	case containsAny(lower, timeoutPatterns...):
		return OutcomeTimeout
	}
	return OutcomeOtherError
}

func failureText(msg *AssistantMessage, err error) string {
	var parts []string
	if err != nil {
		parts = append(parts, err.Error())
	}
	if msg != nil && msg.ErrorMessage != "" {
		parts = append(parts, msg.ErrorMessage)
	}
	if len(parts) == 0 {
		return "provider returned an error stop reason"
	}
	return strings.Join(parts, ": ")
}

func isContextOverflow(lower string) bool {
	if containsAny(lower, contextOverflowPatterns...) {
		return true
	}
	return strings.Contains(lower, "413") && strings.Contains(lower, "too large")
}

func isUnsupportedCapability(lower string) bool {
	return containsAny(lower, capabilitySubjects...) && containsAny(lower, capabilityPatterns...)
}

func containsAny(s string, patterns ...string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// FormatErrorForUser turns a run error into a short message fit for an end
// user. Provider error bodies are not included.
func FormatErrorForUser(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrRunAborted) {
		return "The run was aborted."
	}
	var fe *FailoverError
	if !errors.As(err, &fe) {
		return "The request failed. Please try again."
	}
	switch fe.Reason {
	case ReasonContextOverflow:
		return contextOverflowHint
	case ReasonAuth:
		return "Authentication with the model provider failed. Check the configured credentials."
	case ReasonRateLimit:
		return "The model provider is rate limiting requests. Please wait a moment and try again."
	case ReasonTimeout:
		return "The model provider did not respond in time. Please try again."
	case ReasonUnsupportedCapability:
		return "The selected model does not support the requested thinking level."
	default:
		return "The request failed. Please try again."
	}
}

const contextOverflowHint = "Context overflow: the session history is too large for the model. Reset or compact the session and try again."
