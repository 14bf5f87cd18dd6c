package authprofile

import (
	"context"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
)

const (
	cooldownBase = time.Minute
	cooldownMax  = time.Hour
	// cooldownMaxExponent caps the 5^n growth: 1m, 5m, 25m, then 1h.
	cooldownMaxExponent = 3
)

// CooldownDuration returns the cooldown applied after the errorCount-th
// consecutive failure: min(1h, 1m * 5^min(n-1, 3)).
func CooldownDuration(errorCount int) time.Duration {
	n := errorCount
	if n < 1 {
		n = 1
	}
	exp := n - 1
	if exp > cooldownMaxExponent {
		exp = cooldownMaxExponent
	}
	d := cooldownBase
	for i := 0; i < exp; i++ {
		d *= 5
	}
	if d > cooldownMax {
		d = cooldownMax
	}
	return d
}

// IsInCooldown reports whether profileID has an active cooldown at now.
func IsInCooldown(store *Store, profileID string, now time.Time) bool {
	if store == nil {
		return false
	}
	stats := store.UsageStats[profileID]
	return stats != nil && stats.CooldownUntil > now.UnixMilli()
}

// CooldownRemaining returns how long profileID stays in cooldown, or zero.
func CooldownRemaining(store *Store, profileID string, now time.Time) time.Duration {
	if !IsInCooldown(store, profileID, now) {
		return 0
	}
	return time.Duration(store.UsageStats[profileID].CooldownUntil-now.UnixMilli()) * time.Millisecond
}

// MarkUsed records a successful use: lastUsed moves to now and any error
// count or cooldown is cleared.
func (m *Manager) MarkUsed(ctx context.Context, store *Store, profileID string) error {
	now := m.nowMs()
	err := m.UpdateWithLock(ctx, store, func(s *Store) bool {
		if _, ok := s.Profiles[profileID]; !ok {
			return false
		}
		stats := s.Stats(profileID)
		stats.LastUsed = now
		stats.ErrorCount = 0
		stats.CooldownUntil = 0
		return true
	})
	if err == nil {
		observability.SetProfileCooldown(profileID, false)
	}
	return err
}

// MarkGood records profileID as the last profile that worked for provider.
func (m *Manager) MarkGood(ctx context.Context, store *Store, provider, profileID string) error {
	provider = NormalizeProvider(provider)
	err := m.UpdateWithLock(ctx, store, func(s *Store) bool {
		cred, ok := s.Profiles[profileID]
		if !ok || NormalizeProvider(cred.ProviderName()) != provider {
			return false
		}
		if s.LastGood[provider] == profileID {
			return false
		}
		s.LastGood[provider] = profileID
		return true
	})
	if err == nil {
		observability.RecordCredentialAudit(ctx, "good", profileID, "success", map[string]interface{}{
			"provider": provider,
		})
	}
	return err
}

// MarkCooldown increments the error count for profileID and puts it in
// cooldown for CooldownDuration(errorCount). It returns the stats written.
func (m *Manager) MarkCooldown(ctx context.Context, store *Store, profileID string) (UsageStats, error) {
	now := m.nowMs()
	var written UsageStats
	err := m.UpdateWithLock(ctx, store, func(s *Store) bool {
		if _, ok := s.Profiles[profileID]; !ok {
			return false
		}
		stats := s.Stats(profileID)
		stats.ErrorCount++
		stats.CooldownUntil = now + CooldownDuration(stats.ErrorCount).Milliseconds()
		written = *stats
		return true
	})
	if err != nil {
		return UsageStats{}, err
	}

	if written.ErrorCount > 0 {
		observability.SetProfileCooldown(profileID, true)
		observability.RecordCredentialAudit(ctx, "cooldown", profileID, "success", map[string]interface{}{
			"errorCount":    written.ErrorCount,
			"cooldownUntil": written.CooldownUntil,
		})
		logger := tracing.LoggerFromContext(ctx, m.logger)
		logger.Info().
			Str("profile_id", profileID).
			Int("error_count", written.ErrorCount).
			Time("cooldown_until", time.UnixMilli(written.CooldownUntil)).
			Msg("Auth profile placed in cooldown")
	}
	return written, nil
}

// ClearCooldown resets the error count and cooldown for profileID.
func (m *Manager) ClearCooldown(ctx context.Context, store *Store, profileID string) error {
	err := m.UpdateWithLock(ctx, store, func(s *Store) bool {
		stats, ok := s.UsageStats[profileID]
		if !ok || stats == nil {
			return false
		}
		if stats.ErrorCount == 0 && stats.CooldownUntil == 0 {
			return false
		}
		stats.ErrorCount = 0
		stats.CooldownUntil = 0
		return true
	})
	if err == nil {
		observability.SetProfileCooldown(profileID, false)
		observability.RecordCredentialAudit(ctx, "clear_cooldown", profileID, "success", nil)
	}
	return err
}
