package authprofile

import (
	"sort"
	"time"
)

// OrderParams are the inputs to ResolveOrder.
type OrderParams struct {
	Provider         string
	Store            *Store
	Config           *Config
	PreferredProfile string
	// Now defaults to time.Now when zero.
	Now time.Time
}

// ResolveOrder returns the candidate profile ids for provider, best first.
//
// An explicit config order is kept verbatim. Without one, healthy profiles
// come first sorted by credential type (oauth, token, api_key) and then
// least recently used; profiles in cooldown follow, soonest to recover
// first. PreferredProfile is moved to the front when it is a candidate.
func ResolveOrder(p OrderParams) []string {
	if p.Store == nil {
		return nil
	}
	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	provider := NormalizeProvider(p.Provider)

	if explicit, ok := p.Config.explicitOrder(provider); ok {
		return preferFirst(usableFor(p.Store, provider, dedupe(explicit)), p.PreferredProfile)
	}

	base := p.Config.declaredProfiles(provider)
	if len(base) == 0 {
		base = p.Store.ProfilesForProvider(provider)
	}
	sort.Strings(base)
	candidates := usableFor(p.Store, provider, dedupe(base))

	nowMs := now.UnixMilli()
	var available, cooling []string
	for _, id := range candidates {
		if stats := p.Store.UsageStats[id]; stats != nil && stats.CooldownUntil > nowMs {
			cooling = append(cooling, id)
		} else {
			available = append(available, id)
		}
	}

	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		ra, rb := p.Store.Profiles[a].Type().Rank(), p.Store.Profiles[b].Type().Rank()
		if ra != rb {
			return ra < rb
		}
		la, lb := lastUsed(p.Store, a), lastUsed(p.Store, b)
		if la != lb {
			return la < lb
		}
		return a < b
	})
	sort.SliceStable(cooling, func(i, j int) bool {
		a, b := cooling[i], cooling[j]
		ca, cb := p.Store.UsageStats[a].CooldownUntil, p.Store.UsageStats[b].CooldownUntil
		if ca != cb {
			return ca < cb
		}
		return a < b
	})

	return preferFirst(append(available, cooling...), p.PreferredProfile)
}

func lastUsed(store *Store, id string) int64 {
	if stats := store.UsageStats[id]; stats != nil {
		return stats.LastUsed
	}
	return 0
}

// usableFor keeps ids that exist in the store with a credential for provider.
func usableFor(store *Store, provider string, ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		cred, ok := store.Profiles[id]
		if !ok {
			continue
		}
		if NormalizeProvider(cred.ProviderName()) != provider {
			continue
		}
		out = append(out, id)
	}
	return out
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func preferFirst(ids []string, preferred string) []string {
	if preferred == "" {
		return ids
	}
	for i, id := range ids {
		if id != preferred {
			continue
		}
		if i == 0 {
			return ids
		}
		out := make([]string, 0, len(ids))
		out = append(out, preferred)
		out = append(out, ids[:i]...)
		return append(out, ids[i+1:]...)
	}
	return ids
}
