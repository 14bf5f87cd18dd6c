package agent

import (
	"context"
	"fmt"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/session"
	"go.opentelemetry.io/otel/attribute"
)

// CompactParams describes a compaction request.
type CompactParams struct {
	SessionKey string
	Model      ModelRef
	ProfileID  string
}

// CompactSession summarizes a session's older history through the model.
// It queues behind runs on the same session and uses the first usable
// profile without rotating on failure.
func (r *Runner) CompactSession(ctx context.Context, p CompactParams) (*CompactResult, error) {
	if err := session.ValidateSessionKey(p.SessionKey); err != nil {
		return nil, err
	}

	ctx = tracing.NewAgentRunContext(ctx, p.SessionKey)
	ctx, span := tracing.StartSpan(ctx, "clawgate.agent", "agent.compact",
		attribute.String("session_key", p.SessionKey))
	defer span.End()

	value, err := r.enqueueNested(ctx, p.SessionKey, func(taskCtx context.Context) (interface{}, error) {
		return r.compact(taskCtx, p)
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	return value.(*CompactResult), nil
}

func (r *Runner) compact(ctx context.Context, p CompactParams) (*CompactResult, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	handle, unregister := r.registry.register(p.SessionKey, tracing.GetRunID(ctx), cancel)
	handle.compacting.Store(true)
	defer unregister()

	model := p.Model
	if model.Provider == "" {
		model = r.defaultModel
	}
	if model.Provider == "" || model.Model == "" {
		return nil, fmt.Errorf("no model configured for compaction")
	}

	store, err := r.auth.EnsureStore(runCtx)
	if err != nil {
		return nil, fmt.Errorf("load auth store: %w", err)
	}

	key, err := r.firstUsableKey(runCtx, store, model.Provider, p.ProfileID)
	if err != nil {
		return nil, err
	}

	sess, err := r.engine.Open(runCtx, OpenParams{
		SessionKey:   p.SessionKey,
		Provider:     model.Provider,
		Model:        model.Model,
		APIKey:       key.APIKey,
		AuthType:     key.Type,
		Thinking:     ThinkOff,
		SystemPrompt: r.systemPrompt,
	})
	if err != nil {
		return nil, fmt.Errorf("open engine session: %w", err)
	}
	handle.setSession(sess)
	defer func() {
		handle.setSession(nil)
		if err := sess.Dispose(); err != nil {
			logger.Warn().Err(err).Msg("Failed to dispose engine session")
		}
	}()

	result, err := sess.Compact(runCtx)
	if err != nil {
		observability.RecordRunAudit(ctx, p.SessionKey, "compact_failure", map[string]interface{}{
			"profileId": key.ProfileID,
		})
		return nil, &redactedError{
			msg:   fmt.Sprintf("compact session %s: %s", p.SessionKey, authprofile.RedactSecrets(err.Error(), key.APIKey)),
			cause: err,
		}
	}

	observability.RecordRunAudit(ctx, p.SessionKey, "compact", map[string]interface{}{
		"profileId":      key.ProfileID,
		"compacted":      result.Compacted,
		"messagesBefore": result.MessagesBefore,
		"messagesAfter":  result.MessagesAfter,
	})
	return result, nil
}

// firstUsableKey resolves the first candidate that yields a key, skipping
// profiles in cooldown unless one is pinned.
func (r *Runner) firstUsableKey(ctx context.Context, store *authprofile.Store, provider, pinned string) (*authprofile.APIKeyResult, error) {
	var lastErr error
	for _, id := range r.candidatesFor(store, provider, pinned) {
		if pinned == "" && authprofile.IsInCooldown(store, id, r.now()) {
			continue
		}
		key, err := r.auth.ResolveAPIKey(ctx, authprofile.ResolveParams{
			ProfileID: id,
			Store:     store,
			Config:    r.authConfig,
		})
		if err != nil {
			lastErr = err
			continue
		}
		return key, nil
	}
	if lastErr == nil {
		lastErr = ErrNoAvailableProfile
	}
	return nil, &FailoverError{Reason: ReasonAuth, Provider: provider, ProfileID: pinned, Err: lastErr}
}
