package authprofile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"
)

// DefaultProfileSuffix is the label given to migrated legacy credentials.
const DefaultProfileSuffix = "default"

// DefaultProfileID returns "<provider>:default".
func DefaultProfileID(provider string) string {
	return NormalizeProvider(provider) + ":" + DefaultProfileSuffix
}

// ParseLegacyStore converts the flat {provider: credential} layout into a
// store keyed by "<provider>:default". Entries without a provider field take
// it from their map key. Invalid entries are skipped and reported in the
// returned slice.
func ParseLegacyStore(data []byte) (*Store, []string, error) {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, nil, fmt.Errorf("parse legacy auth file: %w", err)
	}

	providers := make([]string, 0, len(flat))
	for provider := range flat {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	store := NewStore()
	var skipped []string
	for _, provider := range providers {
		entry, err := withProvider(flat[provider], provider)
		if err != nil {
			skipped = append(skipped, provider)
			continue
		}
		cred, err := decodeEntry(entry)
		if err != nil {
			skipped = append(skipped, provider)
			continue
		}
		store.Profiles[DefaultProfileID(provider)] = cred
	}
	return store, skipped, nil
}

func withProvider(entry json.RawMessage, provider string) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(entry, &fields); err != nil {
		return nil, err
	}
	if p, ok := fields["provider"].(string); !ok || p == "" {
		fields["provider"] = NormalizeProvider(provider)
	}
	return json.Marshal(fields)
}

// migrateLegacy copies legacy credentials into store without replacing
// profiles already present. It never deletes the legacy file; the caller
// does that only after the new store has been written.
func (m *Manager) migrateLegacy(logger zerolog.Logger, store *Store) bool {
	data, err := os.ReadFile(m.legacyPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", m.legacyPath).Msg("Failed to read legacy auth file")
		}
		return false
	}

	legacy, skipped, err := ParseLegacyStore(data)
	if err != nil {
		logger.Warn().Err(err).Str("path", m.legacyPath).Msg("Ignoring unreadable legacy auth file")
		return false
	}
	if len(skipped) > 0 {
		logger.Warn().Strs("providers", skipped).Msg("Skipped invalid legacy auth entries")
	}

	changed := false
	for id, cred := range legacy.Profiles {
		if _, exists := store.Profiles[id]; exists {
			continue
		}
		store.Profiles[id] = cred
		changed = true
	}
	return changed
}
