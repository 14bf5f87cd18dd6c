package authprofile

import (
	"context"
	"sort"
	"strings"

	"github.com/harun/clawgate/internal/tracing"
)

// SuggestLegacyDefaultProfile picks the concrete OAuth profile a stale
// "<provider>:default" id most likely refers to. It only answers when the
// choice is unambiguous: the configured email matches exactly one profile,
// or lastGood names one, or only one other OAuth profile exists.
func SuggestLegacyDefaultProfile(store *Store, cfg *Config, profileID string) string {
	if store == nil || !strings.HasSuffix(profileID, ":"+DefaultProfileSuffix) {
		return ""
	}
	provider := ProviderFromProfileID(profileID)
	if cred, ok := store.Profiles[profileID]; ok {
		provider = NormalizeProvider(cred.ProviderName())
	}
	if provider == "" {
		return ""
	}

	var candidates []string
	for id, cred := range store.Profiles {
		if id == profileID || cred.Type() != CredentialOAuth {
			continue
		}
		if NormalizeProvider(cred.ProviderName()) == provider {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)

	if decl, ok := cfg.profile(profileID); ok && decl.Email != "" {
		var matches []string
		for _, id := range candidates {
			if strings.EqualFold(store.Profiles[id].AccountEmail(), decl.Email) {
				matches = append(matches, id)
			}
		}
		if len(matches) == 1 {
			return matches[0]
		}
	}

	if good := store.LastGood[provider]; good != "" && good != profileID {
		for _, id := range candidates {
			if id == good {
				return good
			}
		}
	}

	if len(candidates) == 1 {
		return candidates[0]
	}
	return ""
}

// resolveLegacyDefault retries a failed refresh of a legacy default id with
// the suggested concrete profile. It does not recurse.
func (m *Manager) resolveLegacyDefault(ctx context.Context, p ResolveParams, cause *RefreshFailedError) (*APIKeyResult, error) {
	suggestion := SuggestLegacyDefaultProfile(p.Store, p.Config, p.ProfileID)
	if suggestion == "" {
		return nil, cause
	}
	cause.SuggestedProfileID = suggestion

	logger := tracing.LoggerFromContext(ctx, m.logger)
	logger.Info().
		Str("profile_id", p.ProfileID).
		Str("suggested_profile_id", suggestion).
		Msg("Refresh failed for legacy default profile, trying suggested profile")

	res, err := m.resolveAPIKey(ctx, ResolveParams{ProfileID: suggestion, Store: p.Store, Config: p.Config})
	if err != nil {
		return nil, cause
	}
	res.SuggestedProfileID = suggestion
	return res, nil
}
