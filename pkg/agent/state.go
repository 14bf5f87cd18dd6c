package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/harun/clawgate/pkg/authprofile"
)

type runState int

const (
	stateSelectProfile runState = iota
	stateAttempt
	stateClassify
	stateRetrySameProfile
	stateRotateProfile
	stateFail
	stateSucceed
)

func (s runState) String() string {
	switch s {
	case stateSelectProfile:
		return "select_profile"
	case stateAttempt:
		return "attempt"
	case stateClassify:
		return "classify"
	case stateRetrySameProfile:
		return "retry_same_profile"
	case stateRotateProfile:
		return "rotate_profile"
	case stateFail:
		return "fail"
	case stateSucceed:
		return "succeed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ModelRef names a provider and a model on it.
type ModelRef struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Model    string `json:"model" mapstructure:"model"`
}

func (m ModelRef) String() string { return m.Provider + "/" + m.Model }

// ParseModelRef parses "provider/model".
func ParseModelRef(s string) (ModelRef, error) {
	provider, model, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || provider == "" || model == "" {
		return ModelRef{}, fmt.Errorf("invalid model reference %q: want provider/model", s)
	}
	return ModelRef{Provider: provider, Model: model}, nil
}

// runMachine is the transient state of one run. Candidates and fallbacks
// are consumed from the front and never refilled except by moving to the
// next fallback model; attempted only grows.
type runMachine struct {
	state runState

	model      ModelRef
	candidates []string
	fallbacks  []ModelRef
	// hasFallbackModels is fixed at start; fallbacks shrinks as it is consumed.
	hasFallbackModels bool
	pinned            bool

	profileID string
	thinking  ThinkLevel
	attempted map[ThinkLevel]bool

	attempts    int
	lastOutcome Outcome
	lastErr     error
	lastText    string
	lastProfile string
	lastModel   ModelRef
}

func newRunMachine(model ModelRef, fallbacks []ModelRef, pinned bool, thinking ThinkLevel) *runMachine {
	return &runMachine{
		state:             stateSelectProfile,
		model:             model,
		fallbacks:         append([]ModelRef(nil), fallbacks...),
		hasFallbackModels: len(fallbacks) > 0,
		pinned:            pinned,
		thinking:          thinking,
		attempted:         map[ThinkLevel]bool{},
	}
}

// canRotate reports whether another profile or model remains.
func (m *runMachine) canRotate() bool {
	if m.pinned {
		return false
	}
	return len(m.candidates) > 0 || len(m.fallbacks) > 0
}

// nextCandidate pops the head candidate.
func (m *runMachine) nextCandidate() (string, bool) {
	if len(m.candidates) == 0 {
		return "", false
	}
	id := m.candidates[0]
	m.candidates = m.candidates[1:]
	return id, true
}

// nextModel pops the head fallback model.
func (m *runMachine) nextModel() (ModelRef, bool) {
	if m.pinned || len(m.fallbacks) == 0 {
		return ModelRef{}, false
	}
	next := m.fallbacks[0]
	m.fallbacks = m.fallbacks[1:]
	m.model = next
	return next, true
}

// recordSkip notes a candidate dropped before any attempt was made.
func (m *runMachine) recordSkip(profileID string, outcome Outcome, err error) {
	m.lastProfile = profileID
	m.lastModel = m.model
	m.lastOutcome = outcome
	m.lastErr = err
	m.lastText = err.Error()
}

// recordFailure notes a classified attempt failure.
func (m *runMachine) recordFailure(outcome Outcome, msg *AssistantMessage, err error) {
	m.lastProfile = m.profileID
	m.lastModel = m.model
	m.lastOutcome = outcome
	m.lastText = failureText(msg, err)
	if err == nil {
		err = errors.New(m.lastText)
	}
	m.lastErr = err
}

// failure builds the terminal error from the most recent failure. Secrets
// resolved during the run are masked in its message.
func (m *runMachine) failure(secrets []string) error {
	if m.lastErr == nil {
		return &FailoverError{
			Reason:   ReasonAuth,
			Provider: m.model.Provider,
			Model:    m.model.Model,
			Err:      fmt.Errorf("%w for provider %s", ErrNoAvailableProfile, m.model.Provider),
		}
	}
	text := authprofile.RedactSecrets(m.lastErr.Error(), secrets...)
	if m.lastOutcome == OutcomeContextOverflow {
		text = contextOverflowHint + " (" + text + ")"
	}
	return &FailoverError{
		Reason:    m.lastOutcome.Reason(),
		ProfileID: m.lastProfile,
		Provider:  m.lastModel.Provider,
		Model:     m.lastModel.Model,
		Err:       &redactedError{msg: text, cause: m.lastErr},
	}
}

// transitionResult is the decision for a classified attempt.
type transitionResult struct {
	next     runState
	cooldown bool
	thinking ThinkLevel
}

// transition decides what follows an attempt with the given outcome. It
// reads the machine and never changes it.
func transition(outcome Outcome, m *runMachine) transitionResult {
	switch outcome {
	case OutcomeSuccess:
		return transitionResult{next: stateSucceed}

	case OutcomeContextOverflow:
		return transitionResult{next: stateFail}

	case OutcomeAuthError, OutcomeRateLimited, OutcomeTimeout:
		if m.pinned {
			return transitionResult{next: stateFail, cooldown: true}
		}
		return transitionResult{next: stateRotateProfile, cooldown: true}

	case OutcomeUnsupportedCapability:
		if level, ok := pickFallbackThinkLevel(m.lastText, m.attempted); ok {
			return transitionResult{next: stateRetrySameProfile, thinking: level}
		}
		return transition(OutcomeOtherError, m)
	}

	if m.hasFallbackModels && m.canRotate() {
		return transitionResult{next: stateRotateProfile}
	}
	return transitionResult{next: stateFail}
}
