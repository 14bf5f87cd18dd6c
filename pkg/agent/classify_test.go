package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		msg  *AssistantMessage
		err  error
		want Outcome
	}{
		{"success", reply("hi"), nil, OutcomeSuccess},
		{"error stop reason without text", &AssistantMessage{StopReason: StopReasonError}, nil, OutcomeOtherError},
		{"deadline", nil, fmt.Errorf("attempt: %w", context.DeadlineExceeded), OutcomeTimeout},
		{"context length code", nil, errors.New("context_length_exceeded"), OutcomeContextOverflow},
		{"prompt too long", &AssistantMessage{StopReason: StopReasonError, ErrorMessage: "prompt is too long: 210000 tokens"}, nil, OutcomeContextOverflow},
		{"413 status", nil, &StatusError{StatusCode: 413, Message: "payload"}, OutcomeContextOverflow},
		{"401 status", nil, &StatusError{StatusCode: 401}, OutcomeAuthError},
		{"402 status", nil, &StatusError{StatusCode: 402}, OutcomeAuthError},
		{"auth text", nil, errors.New("Invalid API key provided"), OutcomeAuthError},
		{"expired token text", &AssistantMessage{StopReason: StopReasonError, ErrorMessage: "OAuth token has expired"}, nil, OutcomeAuthError},
		{"429 status", nil, &StatusError{StatusCode: 429}, OutcomeRateLimited},
		{"529 overloaded", nil, &StatusError{StatusCode: 529, Message: "overloaded_error"}, OutcomeRateLimited},
		{"quota text", nil, errors.New("RESOURCE_EXHAUSTED: quota exceeded"), OutcomeRateLimited},
		{"504 status", nil, &StatusError{StatusCode: 504}, OutcomeTimeout},
		{"timeout text", nil, errors.New("request timed out"), OutcomeTimeout},
		{"thinking unsupported", nil, errors.New("thinking is not supported for this model"), OutcomeUnsupportedCapability},
		{"reasoning effort value", nil, &StatusError{StatusCode: 400, Message: "Unsupported value: 'reasoning_effort' does not support 'minimal'"}, OutcomeUnsupportedCapability},
		{"plain 400", nil, &StatusError{StatusCode: 400, Message: "messages: field required"}, OutcomeOtherError},
		{"unknown", nil, errors.New("connection reset by peer"), OutcomeOtherError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg, tt.err))
		})
	}
}

func TestOutcomeReason(t *testing.T) {
	assert.Equal(t, ReasonAuth, OutcomeAuthError.Reason())
	assert.Equal(t, ReasonRateLimit, OutcomeRateLimited.Reason())
	assert.Equal(t, ReasonTimeout, OutcomeTimeout.Reason())
	assert.Equal(t, ReasonContextOverflow, OutcomeContextOverflow.Reason())
	assert.Equal(t, ReasonUnsupportedCapability, OutcomeUnsupportedCapability.Reason())
	assert.Equal(t, ReasonOther, OutcomeOtherError.Reason())
}

func TestFailoverError(t *testing.T) {
	cause := errors.New("boom")
	err := &FailoverError{Reason: ReasonRateLimit, ProfileID: "p:a", Provider: "p", Model: "m", Err: cause}

	assert.ErrorIs(t, err, ErrRateLimit)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAuth)
	assert.Equal(t, "agent run failed (reason=rate_limit, provider=p, model=m, profile=p:a): boom", err.Error())
}

func TestFormatErrorForUser(t *testing.T) {
	assert.Empty(t, FormatErrorForUser(nil))
	assert.Equal(t, "The run was aborted.", FormatErrorForUser(ErrRunAborted))
	assert.Equal(t, contextOverflowHint, FormatErrorForUser(&FailoverError{Reason: ReasonContextOverflow}))
	assert.NotContains(t,
		FormatErrorForUser(&FailoverError{Reason: ReasonAuth, Err: errors.New("sk-secret-value-1234")}),
		"sk-secret")
}
