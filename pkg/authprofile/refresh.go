package authprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// ResolveParams identifies the profile whose key is wanted.
type ResolveParams struct {
	ProfileID string
	Store     *Store
	Config    *Config
}

// APIKeyResult is the usable key material for a profile.
type APIKeyResult struct {
	APIKey    string
	Provider  string
	Email     string
	ProfileID string
	Type      CredentialType
	// SuggestedProfileID is set when a stale legacy default id was resolved
	// to a concrete profile. Callers may persist it as a config edit.
	SuggestedProfileID string
}

// ResolveAPIKey returns a usable key for the profile, refreshing an expired
// OAuth credential under the store lock when needed.
func (m *Manager) ResolveAPIKey(ctx context.Context, p ResolveParams) (*APIKeyResult, error) {
	ctx, span := tracing.StartSpan(ctx, "clawgate.authprofile", "authprofile.resolve_api_key",
		attribute.String("profile_id", p.ProfileID))
	defer span.End()

	res, err := m.resolveAPIKey(ctx, p)
	if err == nil {
		return res, nil
	}

	var refreshErr *RefreshFailedError
	if errors.As(err, &refreshErr) {
		if fallback, ferr := m.resolveLegacyDefault(ctx, p, refreshErr); ferr == nil {
			return fallback, nil
		}
	}
	tracing.FailSpan(span, err)
	return nil, err
}

func (m *Manager) resolveAPIKey(ctx context.Context, p ResolveParams) (*APIKeyResult, error) {
	if p.Store == nil {
		return nil, &CredentialMissingError{ProfileID: p.ProfileID, Reason: "no auth store loaded"}
	}
	cred, ok := p.Store.Profiles[p.ProfileID]
	if !ok {
		return nil, &CredentialMissingError{
			ProfileID: p.ProfileID,
			Provider:  ProviderFromProfileID(p.ProfileID),
			Reason:    "profile not found",
		}
	}
	if err := p.Config.CheckProfile(p.ProfileID, cred); err != nil {
		return nil, err
	}

	now := m.nowMs()
	switch c := cred.(type) {
	case APIKeyCredential:
		if strings.TrimSpace(c.Key) == "" {
			return nil, &CredentialMissingError{ProfileID: p.ProfileID, Provider: c.Provider, Reason: "empty api key"}
		}
		return resultFor(p.ProfileID, c, c.Key), nil
	case TokenCredential:
		if strings.TrimSpace(c.Token) == "" {
			return nil, &CredentialMissingError{ProfileID: p.ProfileID, Provider: c.Provider, Reason: "empty token"}
		}
		if c.Expired(now) {
			return nil, &CredentialMissingError{ProfileID: p.ProfileID, Provider: c.Provider, Reason: "token expired"}
		}
		return resultFor(p.ProfileID, c, c.Token), nil
	case OAuthCredential:
		if !c.Expired(now) && c.Access != "" {
			return resultFor(p.ProfileID, c, encodeOAuthKey(c)), nil
		}
		refreshed, err := m.refreshLocked(ctx, p.Store, p.ProfileID, 0)
		if err != nil {
			return nil, err
		}
		return resultFor(p.ProfileID, refreshed, encodeOAuthKey(refreshed)), nil
	default:
		return nil, &CredentialMissingError{ProfileID: p.ProfileID, Reason: fmt.Sprintf("unsupported credential %T", cred)}
	}
}

func resultFor(profileID string, cred Credential, key string) *APIKeyResult {
	return &APIKeyResult{
		APIKey:    key,
		Provider:  NormalizeProvider(cred.ProviderName()),
		Email:     cred.AccountEmail(),
		ProfileID: profileID,
		Type:      cred.Type(),
	}
}

// encodeOAuthKey turns an OAuth credential into the key material a provider
// client expects. Google Cloud Code providers need the project id bundled.
func encodeOAuthKey(c OAuthCredential) string {
	switch NormalizeProvider(c.Provider) {
	case "google-gemini-cli", "google-antigravity":
		data, err := json.Marshal(struct {
			Token     string `json:"token"`
			ProjectID string `json:"projectId"`
		}{Token: c.Access, ProjectID: c.ProjectID})
		if err != nil {
			return c.Access
		}
		return string(data)
	default:
		return c.Access
	}
}

// refreshLocked refreshes profileID while holding the store lock across the
// network call, so concurrent processes never refresh the same credential
// twice. If another process refreshed it first, that result is used. A
// credential is refreshed when it expires within lead.
func (m *Manager) refreshLocked(ctx context.Context, store *Store, profileID string, lead time.Duration) (OAuthCredential, error) {
	ctx, span := tracing.StartSpan(ctx, "clawgate.authprofile", "authprofile.refresh",
		attribute.String("profile_id", profileID))
	defer span.End()
	ctx = tracing.WithProfileID(ctx, profileID)
	logger := tracing.LoggerFromContext(ctx, m.logger)

	var refreshed OAuthCredential
	var refreshErr error
	fresh, err := m.mutate(ctx, "refresh", store, func(s *Store, _ bool) bool {
		cred, ok := s.Profiles[profileID].(OAuthCredential)
		if !ok {
			refreshErr = &CredentialMissingError{ProfileID: profileID, Reason: "profile is no longer an oauth credential"}
			return false
		}
		if !cred.Expired(m.nowMs()+lead.Milliseconds()) && cred.Access != "" {
			logger.Debug().Msg("Credential already fresh, skipping refresh")
			refreshed = cred
			return false
		}

		provider := NormalizeProvider(cred.Provider)
		refresher := m.refreshers.Get(provider)
		if refresher == nil {
			refreshErr = &RefreshFailedError{ProfileID: profileID, Provider: provider, Err: errors.New("no refresher registered for provider")}
			return false
		}
		if cred.Refresh == "" {
			refreshErr = &RefreshFailedError{ProfileID: profileID, Provider: provider, Err: errors.New("credential has no refresh token")}
			return false
		}

		next, err := refresher.Refresh(ctx, cred)
		observability.RecordRefresh(provider, err == nil)
		if err != nil {
			refreshErr = &RefreshFailedError{
				ProfileID: profileID,
				Provider:  provider,
				Err:       errors.New(RedactSecrets(err.Error(), cred.Access, cred.Refresh)),
			}
			return false
		}
		s.Profiles[profileID] = next
		refreshed = next
		return true
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return OAuthCredential{}, err
	}
	store.replaceWith(fresh)

	if refreshErr != nil {
		tracing.FailSpan(span, refreshErr)
		logger.Warn().Err(refreshErr).Msg("OAuth refresh failed")
		observability.RecordCredentialAudit(ctx, "refresh", profileID, "failure", nil)
		return OAuthCredential{}, refreshErr
	}

	observability.RecordCredentialAudit(ctx, "refresh", profileID, "success", map[string]interface{}{
		"expires": refreshed.Expires,
	})
	return refreshed, nil
}

// RefreshProfile refreshes an OAuth profile if it expires within lead,
// using the same locked path as ResolveAPIKey.
func (m *Manager) RefreshProfile(ctx context.Context, store *Store, profileID string, lead time.Duration) error {
	if _, ok := store.Profiles[profileID].(OAuthCredential); !ok {
		return &CredentialMissingError{ProfileID: profileID, Reason: "not an oauth profile"}
	}
	_, err := m.refreshLocked(ctx, store, profileID, lead)
	return err
}
