package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/commandqueue"
	"github.com/harun/clawgate/pkg/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 10 * time.Minute
	// DefaultTeardownGrace is how long an attempt may linger after its
	// timeout before a warning is logged.
	DefaultTeardownGrace = 5 * time.Second
)

// Runner drives agent runs through profile selection, attempts and
// failover.
type Runner struct {
	auth           *authprofile.Manager
	authConfig     *authprofile.Config
	queue          *commandqueue.CommandQueue
	engine         Engine
	registry       *runRegistry
	defaultModel   ModelRef
	fallbackModels []ModelRef
	thinking       ThinkLevel
	timeout        time.Duration
	teardownGrace  time.Duration
	systemPrompt   string
	logger         zerolog.Logger
	now            func() time.Time
}

// Config holds runner configuration.
type Config struct {
	Auth       *authprofile.Manager
	AuthConfig *authprofile.Config
	Queue      *commandqueue.CommandQueue
	Engine     Engine

	DefaultModel    ModelRef
	FallbackModels  []ModelRef
	ThinkingDefault ThinkLevel
	Timeout         time.Duration
	TeardownGrace   time.Duration
	SystemPrompt    string

	Logger *zerolog.Logger
	Now    func() time.Time
}

// NewRunner creates a new agent runner.
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Auth == nil {
		return nil, fmt.Errorf("auth profile manager is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	r := &Runner{
		auth:           cfg.Auth,
		authConfig:     cfg.AuthConfig,
		queue:          cfg.Queue,
		engine:         cfg.Engine,
		registry:       newRunRegistry(),
		defaultModel:   cfg.DefaultModel,
		fallbackModels: cfg.FallbackModels,
		thinking:       cfg.ThinkingDefault,
		timeout:        cfg.Timeout,
		teardownGrace:  cfg.TeardownGrace,
		systemPrompt:   cfg.SystemPrompt,
		logger:         logger.With().Str("component", "agent").Logger(),
		now:            cfg.Now,
	}
	if r.authConfig == nil {
		r.authConfig = &authprofile.Config{}
	}
	if r.thinking == "" {
		r.thinking = ThinkOff
	}
	if r.timeout <= 0 {
		r.timeout = DefaultTimeout
	}
	if r.teardownGrace <= 0 {
		r.teardownGrace = DefaultTeardownGrace
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// RunParams describes one agent request.
type RunParams struct {
	SessionKey string
	Prompt     string
	// Model overrides the default model.
	Model ModelRef
	// ProfileID pins the run to one profile; it never rotates away from it.
	ProfileID string
	Thinking  ThinkLevel
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
	// FallbackModels overrides the configured fallback chain when non-nil.
	FallbackModels []ModelRef
	SystemPrompt   string
	OnEvent        func(Event)
}

// RunResult is the outcome of a successful run.
type RunResult struct {
	SessionKey string        `json:"sessionKey"`
	RunID      string        `json:"runId"`
	Text       string        `json:"text"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	ProfileID  string        `json:"profileId"`
	Thinking   ThinkLevel    `json:"thinking"`
	StopReason string        `json:"stopReason"`
	Usage      Usage         `json:"usage"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	// SuggestedProfileID is a config edit recommended by auth resolution.
	SuggestedProfileID string `json:"suggestedProfileId,omitempty"`
}

// RunEmbeddedAgent runs one request in the session's lane, nested inside
// the global lane, and retries across profiles and models until it
// succeeds or runs out of options.
func (r *Runner) RunEmbeddedAgent(ctx context.Context, p RunParams) (*RunResult, error) {
	if err := session.ValidateSessionKey(p.SessionKey); err != nil {
		return nil, err
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, fmt.Errorf("prompt cannot be empty")
	}

	ctx = tracing.NewAgentRunContext(ctx, p.SessionKey)
	ctx, span := tracing.StartSpan(ctx, "clawgate.agent", "agent.run",
		attribute.String("session_key", p.SessionKey),
		attribute.String("run_id", tracing.GetRunID(ctx)))
	defer span.End()

	value, err := r.enqueueNested(ctx, p.SessionKey, func(taskCtx context.Context) (interface{}, error) {
		return r.runLoop(taskCtx, p)
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	return value.(*RunResult), nil
}

func (r *Runner) enqueueNested(ctx context.Context, sessionKey string, task commandqueue.Task) (interface{}, error) {
	return r.queue.EnqueueWithContext(ctx, commandqueue.SessionLane(sessionKey), func(laneCtx context.Context) (interface{}, error) {
		return r.queue.EnqueueWithContext(laneCtx, commandqueue.GlobalLane, task, nil)
	}, nil)
}

func (r *Runner) runLoop(ctx context.Context, p RunParams) (*RunResult, error) {
	start := r.now()
	runID := tracing.GetRunID(ctx)
	logger := tracing.LoggerFromContext(ctx, r.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle, unregister := r.registry.register(p.SessionKey, runID, cancel)
	observability.SetActiveRuns(r.registry.count())
	defer func() {
		unregister()
		observability.SetActiveRuns(r.registry.count())
	}()

	model := p.Model
	if model.Provider == "" {
		model = r.defaultModel
	}
	if model.Provider == "" || model.Model == "" {
		return nil, fmt.Errorf("no model configured for run")
	}
	thinking := p.Thinking
	if thinking == "" {
		thinking = r.thinking
	}
	fallbacks := p.FallbackModels
	if fallbacks == nil {
		fallbacks = r.fallbackModels
	}

	store, err := r.auth.EnsureStore(runCtx)
	if err != nil {
		return nil, fmt.Errorf("load auth store: %w", err)
	}

	m := newRunMachine(model, withoutModel(fallbacks, model), p.ProfileID != "", thinking)
	m.candidates = r.candidatesFor(store, model.Provider, p.ProfileID)

	var (
		current    *authprofile.APIKeyResult
		msg        *AssistantMessage
		attemptErr error
		secrets    []string
		suggested  string
	)

	finish := func(success bool, status string, meta map[string]interface{}) {
		observability.RecordAgentRun(m.model.Provider, r.now().Sub(start), success)
		meta["runId"] = runID
		meta["attempts"] = m.attempts
		// The run context may already be cancelled.
		observability.RecordRunAudit(tracing.CloneContext(ctx), p.SessionKey, status, meta)
	}

	for {
		switch m.state {
		case stateSelectProfile:
			id, ok := m.nextCandidate()
			if !ok {
				if next, ok := m.nextModel(); ok {
					logger.Info().Str("model", next.String()).Msg("Falling back to next model")
					m.candidates = r.candidatesFor(store, next.Provider, "")
					continue
				}
				m.state = stateFail
				continue
			}

			if !m.pinned && authprofile.IsInCooldown(store, id, r.now()) {
				logger.Debug().Str("profile_id", id).Msg("Skipping auth profile in cooldown")
				m.recordSkip(id, OutcomeRateLimited, fmt.Errorf("profile %s is in cooldown: %w", id, ErrNoAvailableProfile))
				continue
			}

			res, err := r.auth.ResolveAPIKey(runCtx, authprofile.ResolveParams{
				ProfileID: id,
				Store:     store,
				Config:    r.authConfig,
			})
			if err == nil && authprofile.NormalizeProvider(res.Provider) != authprofile.NormalizeProvider(m.model.Provider) {
				err = fmt.Errorf("profile %s belongs to provider %s, not %s", id, res.Provider, m.model.Provider)
			}
			if err != nil {
				logger.Warn().Err(err).Str("profile_id", id).Msg("Auth profile unusable")
				m.recordSkip(id, OutcomeAuthError, err)
				if m.pinned {
					m.state = stateFail
				}
				continue
			}
			if res.SuggestedProfileID != "" {
				suggested = res.SuggestedProfileID
			}
			current = res
			m.profileID = id
			secrets = append(secrets, res.APIKey)
			m.state = stateAttempt

		case stateAttempt:
			m.attempts++
			m.attempted[m.thinking] = true
			msg, attemptErr = r.attempt(runCtx, handle, m, current, p)

			if handle.aborted.Load() {
				logger.Info().Str("profile_id", m.profileID).Msg("Agent run aborted")
				finish(false, "aborted", map[string]interface{}{"profileId": m.profileID})
				return nil, ErrRunAborted
			}
			if err := ctx.Err(); err != nil {
				finish(false, "cancelled", map[string]interface{}{"profileId": m.profileID})
				return nil, err
			}
			m.state = stateClassify

		case stateClassify:
			outcome := Classify(msg, attemptErr)
			observability.RecordAgentAttempt(m.model.Provider, string(outcome))
			if outcome != OutcomeSuccess {
				m.recordFailure(outcome, msg, attemptErr)
			}

			decision := transition(outcome, m)
			logger.Debug().
				Str("profile_id", m.profileID).
				Str("outcome", string(outcome)).
				Str("next", decision.next.String()).
				Msg("Classified agent attempt")

			if decision.cooldown {
				if _, err := r.auth.MarkCooldown(runCtx, store, m.profileID); err != nil {
					logger.Warn().Err(err).Str("profile_id", m.profileID).Msg("Failed to record cooldown")
				}
			}
			if decision.next == stateRetrySameProfile {
				logger.Info().
					Str("from", string(m.thinking)).
					Str("to", string(decision.thinking)).
					Msg("Retrying with a supported thinking level")
				m.thinking = decision.thinking
			}
			m.state = decision.next

		case stateRetrySameProfile:
			m.state = stateAttempt

		case stateRotateProfile:
			m.state = stateSelectProfile

		case stateSucceed:
			provider := m.model.Provider
			if err := r.auth.MarkGood(runCtx, store, provider, m.profileID); err != nil {
				logger.Warn().Err(err).Str("profile_id", m.profileID).Msg("Failed to record last good profile")
			}
			if err := r.auth.MarkUsed(runCtx, store, m.profileID); err != nil {
				logger.Warn().Err(err).Str("profile_id", m.profileID).Msg("Failed to record profile use")
			}

			result := &RunResult{
				SessionKey:         p.SessionKey,
				RunID:              runID,
				Text:               msg.Text,
				Provider:           provider,
				Model:              m.model.Model,
				ProfileID:          m.profileID,
				Thinking:           m.thinking,
				StopReason:         msg.StopReason,
				Usage:              msg.Usage,
				Attempts:           m.attempts,
				Duration:           r.now().Sub(start),
				SuggestedProfileID: suggested,
			}
			finish(true, "success", map[string]interface{}{
				"profileId": m.profileID,
				"provider":  provider,
				"model":     m.model.Model,
			})
			logger.Info().
				Str("profile_id", m.profileID).
				Str("model", m.model.String()).
				Int("attempts", m.attempts).
				Msg("Agent run completed")
			return result, nil

		case stateFail:
			err := m.failure(secrets)
			finish(false, "failure", map[string]interface{}{
				"reason":    string(m.lastOutcome.Reason()),
				"profileId": m.lastProfile,
			})
			logger.Warn().Err(err).Int("attempts", m.attempts).Msg("Agent run failed")
			return nil, err

		default:
			return nil, fmt.Errorf("agent run reached unknown state %s", m.state)
		}
	}
}

func (r *Runner) candidatesFor(store *authprofile.Store, provider, pinned string) []string {
	if pinned != "" {
		return []string{pinned}
	}
	return authprofile.ResolveOrder(authprofile.OrderParams{
		Provider: provider,
		Store:    store,
		Config:   r.authConfig,
		Now:      r.now(),
	})
}

// attempt opens an engine session and prompts it once under the attempt
// timeout. The session is visible to the registry while it runs.
func (r *Runner) attempt(ctx context.Context, h *runHandle, m *runMachine, key *authprofile.APIKeyResult, p RunParams) (*AssistantMessage, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = r.timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	attemptCtx = tracing.WithProfileID(tracing.WithProvider(attemptCtx, m.model.Provider), key.ProfileID)
	attemptCtx, span := tracing.StartSpan(attemptCtx, "clawgate.agent", "agent.attempt",
		attribute.String("profile_id", key.ProfileID),
		attribute.String("model", m.model.String()),
		attribute.String("thinking", string(m.thinking)))
	defer span.End()
	logger := tracing.LoggerFromContext(attemptCtx, r.logger)

	system := p.SystemPrompt
	if system == "" {
		system = r.systemPrompt
	}
	sess, err := r.engine.Open(attemptCtx, OpenParams{
		SessionKey:   p.SessionKey,
		Provider:     m.model.Provider,
		Model:        m.model.Model,
		APIKey:       key.APIKey,
		AuthType:     key.Type,
		Thinking:     m.thinking,
		SystemPrompt: system,
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, fmt.Errorf("open engine session: %w", err)
	}
	h.setSession(sess)

	done := make(chan struct{})
	go r.watchTeardown(attemptCtx, done, sess, logger)
	defer func() {
		close(done)
		h.setSession(nil)
		if err := sess.Dispose(); err != nil {
			logger.Warn().Err(err).Msg("Failed to dispose engine session")
		}
	}()

	msg, err := sess.Prompt(attemptCtx, p.Prompt, p.OnEvent)
	if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, context.DeadlineExceeded)
	}
	if err != nil {
		tracing.FailSpan(span, err)
	}
	return msg, err
}

// watchTeardown aborts the session when the attempt times out and warns if
// the attempt is still running after the grace period.
func (r *Runner) watchTeardown(ctx context.Context, done <-chan struct{}, sess Session, logger zerolog.Logger) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	sess.Abort()

	timer := time.NewTimer(r.teardownGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn().
			Dur("grace", r.teardownGrace).
			Msg("Agent attempt still running after timeout")
	}
}

func withoutModel(models []ModelRef, skip ModelRef) []ModelRef {
	out := make([]ModelRef, 0, len(models))
	for _, m := range models {
		if authprofile.NormalizeProvider(m.Provider) == authprofile.NormalizeProvider(skip.Provider) && m.Model == skip.Model {
			continue
		}
		out = append(out, m)
	}
	return out
}
