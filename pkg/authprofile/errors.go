package authprofile

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigMismatch reports a profile whose stored credential disagrees
	// with the provider or mode declared for it in config.
	ErrConfigMismatch = errors.New("auth profile config mismatch")
	// ErrCredentialMissing reports a profile id with no usable credential.
	ErrCredentialMissing = errors.New("auth profile credential missing")
	// ErrRefreshFailed reports an OAuth refresh the provider rejected or
	// that could not be attempted.
	ErrRefreshFailed = errors.New("oauth refresh failed")
	// ErrLockTimeout reports that the store lock could not be acquired
	// within the retry budget.
	ErrLockTimeout = errors.New("auth store lock timeout")
)

// ConfigMismatchError is returned when config and store disagree about a
// profile. It is never retried.
type ConfigMismatchError struct {
	ProfileID string
	Field     string
	Expected  string
	Actual    string
}

func (e *ConfigMismatchError) Error() string {
	return fmt.Sprintf("auth profile %q: config expects %s %q but credential has %q",
		e.ProfileID, e.Field, e.Expected, e.Actual)
}

func (e *ConfigMismatchError) Is(target error) bool { return target == ErrConfigMismatch }

// CredentialMissingError is returned when a profile cannot yield a key.
type CredentialMissingError struct {
	ProfileID string
	Provider  string
	Reason    string
}

func (e *CredentialMissingError) Error() string {
	msg := fmt.Sprintf("no usable credential for auth profile %q", e.ProfileID)
	if e.Provider != "" {
		msg += fmt.Sprintf(" (provider %s)", e.Provider)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *CredentialMissingError) Is(target error) bool { return target == ErrCredentialMissing }

// RefreshFailedError wraps the provider error from a failed OAuth refresh.
// SuggestedProfileID is set when a legacy default profile was resolved to a
// concrete one; callers may persist that as a config edit.
type RefreshFailedError struct {
	ProfileID          string
	Provider           string
	SuggestedProfileID string
	Err                error
}

func (e *RefreshFailedError) Error() string {
	msg := fmt.Sprintf("oauth token refresh failed for %s (profile %q)", e.Provider, e.ProfileID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.SuggestedProfileID != "" {
		msg += fmt.Sprintf("; try auth profile %q", e.SuggestedProfileID)
	}
	return msg
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }

func (e *RefreshFailedError) Is(target error) bool { return target == ErrRefreshFailed }

// LockTimeoutError is returned by AcquireFileLock when the retry budget is
// exhausted. Store mutations treat it as a degrade signal, not a failure.
type LockTimeoutError struct {
	Path     string
	Attempts int
	Err      error
}

func (e *LockTimeoutError) Error() string {
	msg := fmt.Sprintf("timed out acquiring lock %s after %d attempts", e.Path, e.Attempts)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *LockTimeoutError) Unwrap() error { return e.Err }

func (e *LockTimeoutError) Is(target error) bool { return target == ErrLockTimeout }
