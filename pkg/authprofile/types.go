package authprofile

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// StoreVersion is the on-disk format version written by this package.
const StoreVersion = 1

// CredentialType names the kind of secret a profile holds.
type CredentialType string

const (
	CredentialAPIKey CredentialType = "api_key"
	CredentialToken  CredentialType = "token"
	CredentialOAuth  CredentialType = "oauth"
)

// Rank orders credential types for rotation. Lower is preferred.
func (t CredentialType) Rank() int {
	switch t {
	case CredentialOAuth:
		return 0
	case CredentialToken:
		return 1
	case CredentialAPIKey:
		return 2
	default:
		return 3
	}
}

// Credential is implemented by APIKeyCredential, TokenCredential and
// OAuthCredential only.
type Credential interface {
	Type() CredentialType
	ProviderName() string
	AccountEmail() string
	isCredential()
}

// APIKeyCredential is a static provider API key. It never expires.
type APIKeyCredential struct {
	Provider string
	Key      string
	Email    string
}

// TokenCredential is a static bearer token. Expires is epoch milliseconds;
// zero means the token does not expire.
type TokenCredential struct {
	Provider string
	Token    string
	Expires  int64
	Email    string
}

// OAuthCredential is a refreshable access/refresh token pair.
type OAuthCredential struct {
	Provider      string
	Access        string
	Refresh       string
	Expires       int64
	Email         string
	ProjectID     string
	AccountID     string
	EnterpriseURL string
	ClientID      string
}

func (APIKeyCredential) Type() CredentialType  { return CredentialAPIKey }
func (TokenCredential) Type() CredentialType   { return CredentialToken }
func (OAuthCredential) Type() CredentialType   { return CredentialOAuth }
func (c APIKeyCredential) ProviderName() string { return c.Provider }
func (c TokenCredential) ProviderName() string  { return c.Provider }
func (c OAuthCredential) ProviderName() string  { return c.Provider }
func (c APIKeyCredential) AccountEmail() string { return c.Email }
func (c TokenCredential) AccountEmail() string  { return c.Email }
func (c OAuthCredential) AccountEmail() string  { return c.Email }
func (APIKeyCredential) isCredential()          {}
func (TokenCredential) isCredential()           {}
func (OAuthCredential) isCredential()           {}

// Expired reports whether the token is past its expiry at nowMs.
func (c TokenCredential) Expired(nowMs int64) bool {
	return c.Expires > 0 && nowMs >= c.Expires
}

// Expired reports whether the access token is past its expiry at nowMs.
// A missing expiry is treated as expired so the refresh path runs.
func (c OAuthCredential) Expired(nowMs int64) bool {
	return c.Expires <= 0 || nowMs >= c.Expires
}

// ExpiresAt returns the credential expiry in epoch ms, or 0 when it never
// expires.
func ExpiresAt(c Credential) int64 {
	switch v := c.(type) {
	case TokenCredential:
		return v.Expires
	case OAuthCredential:
		return v.Expires
	default:
		return 0
	}
}

type apiKeyJSON struct {
	Type     CredentialType `json:"type"`
	Provider string         `json:"provider"`
	Key      string         `json:"key"`
	Email    string         `json:"email,omitempty"`
}

type tokenJSON struct {
	Type     CredentialType `json:"type"`
	Provider string         `json:"provider"`
	Token    string         `json:"token"`
	Expires  int64          `json:"expires,omitempty"`
	Email    string         `json:"email,omitempty"`
}

type oauthJSON struct {
	Type          CredentialType `json:"type"`
	Provider      string         `json:"provider"`
	Access        string         `json:"access"`
	Refresh       string         `json:"refresh"`
	Expires       int64          `json:"expires"`
	Email         string         `json:"email,omitempty"`
	ProjectID     string         `json:"projectId,omitempty"`
	AccountID     string         `json:"accountId,omitempty"`
	EnterpriseURL string         `json:"enterpriseUrl,omitempty"`
	ClientID      string         `json:"clientId,omitempty"`
}

func (c APIKeyCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(apiKeyJSON{Type: CredentialAPIKey, Provider: c.Provider, Key: c.Key, Email: c.Email})
}

func (c TokenCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenJSON{Type: CredentialToken, Provider: c.Provider, Token: c.Token, Expires: c.Expires, Email: c.Email})
}

func (c OAuthCredential) MarshalJSON() ([]byte, error) {
	return json.Marshal(oauthJSON{
		Type:          CredentialOAuth,
		Provider:      c.Provider,
		Access:        c.Access,
		Refresh:       c.Refresh,
		Expires:       c.Expires,
		Email:         c.Email,
		ProjectID:     c.ProjectID,
		AccountID:     c.AccountID,
		EnterpriseURL: c.EnterpriseURL,
		ClientID:      c.ClientID,
	})
}

// DecodeCredential decodes one profile entry using its "type" discriminator.
func DecodeCredential(data []byte) (Credential, error) {
	var head struct {
		Type CredentialType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}

	switch head.Type {
	case CredentialAPIKey:
		var v apiKeyJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode api_key credential: %w", err)
		}
		return APIKeyCredential{Provider: v.Provider, Key: v.Key, Email: v.Email}, nil
	case CredentialToken:
		var v tokenJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode token credential: %w", err)
		}
		return TokenCredential{Provider: v.Provider, Token: v.Token, Expires: v.Expires, Email: v.Email}, nil
	case CredentialOAuth:
		var v oauthJSON
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("decode oauth credential: %w", err)
		}
		return OAuthCredential{
			Provider:      v.Provider,
			Access:        v.Access,
			Refresh:       v.Refresh,
			Expires:       v.Expires,
			Email:         v.Email,
			ProjectID:     v.ProjectID,
			AccountID:     v.AccountID,
			EnterpriseURL: v.EnterpriseURL,
			ClientID:      v.ClientID,
		}, nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", head.Type)
	}
}

// UsageStats tracks rotation feedback for one profile. Times are epoch ms.
type UsageStats struct {
	LastUsed      int64 `json:"lastUsed,omitempty"`
	ErrorCount    int   `json:"errorCount,omitempty"`
	CooldownUntil int64 `json:"cooldownUntil,omitempty"`
}

// Store is the in-memory form of auth-profiles.json. Callers treat a Store
// as a snapshot: mutations that must survive go through Manager methods,
// which re-read the file under lock first.
type Store struct {
	Version    int
	Profiles   map[string]Credential
	LastGood   map[string]string
	UsageStats map[string]*UsageStats
}

// NewStore returns an empty store at the current version.
func NewStore() *Store {
	return &Store{
		Version:    StoreVersion,
		Profiles:   make(map[string]Credential),
		LastGood:   make(map[string]string),
		UsageStats: make(map[string]*UsageStats),
	}
}

func (s *Store) initMaps() {
	if s.Profiles == nil {
		s.Profiles = make(map[string]Credential)
	}
	if s.LastGood == nil {
		s.LastGood = make(map[string]string)
	}
	if s.UsageStats == nil {
		s.UsageStats = make(map[string]*UsageStats)
	}
	if s.Version == 0 {
		s.Version = StoreVersion
	}
}

// Clone returns a deep copy. Credentials are values so the map copy is
// enough for them.
func (s *Store) Clone() *Store {
	out := NewStore()
	if s == nil {
		return out
	}
	out.Version = s.Version
	for id, cred := range s.Profiles {
		out.Profiles[id] = cred
	}
	for provider, id := range s.LastGood {
		out.LastGood[provider] = id
	}
	for id, stats := range s.UsageStats {
		if stats == nil {
			continue
		}
		cp := *stats
		out.UsageStats[id] = &cp
	}
	return out
}

// Stats returns the usage stats for id, creating an entry when absent.
func (s *Store) Stats(id string) *UsageStats {
	s.initMaps()
	stats, ok := s.UsageStats[id]
	if !ok || stats == nil {
		stats = &UsageStats{}
		s.UsageStats[id] = stats
	}
	return stats
}

// ProfilesForProvider lists profile ids whose credential belongs to
// provider, sorted by id.
func (s *Store) ProfilesForProvider(provider string) []string {
	if s == nil {
		return nil
	}
	provider = NormalizeProvider(provider)
	var ids []string
	for id, cred := range s.Profiles {
		if NormalizeProvider(cred.ProviderName()) == provider {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

type storeJSON struct {
	Version    int                    `json:"version"`
	Profiles   map[string]Credential  `json:"profiles"`
	LastGood   map[string]string      `json:"lastGood,omitempty"`
	UsageStats map[string]*UsageStats `json:"usageStats,omitempty"`
}

// MarshalJSON writes the on-disk layout.
func (s *Store) MarshalJSON() ([]byte, error) {
	s.initMaps()
	return json.Marshal(storeJSON{
		Version:    s.Version,
		Profiles:   s.Profiles,
		LastGood:   s.LastGood,
		UsageStats: s.UsageStats,
	})
}

// NormalizeProvider canonicalizes provider ids so "Anthropic" and
// "anthropic" resolve to the same profiles.
func NormalizeProvider(provider string) string {
	p := strings.ToLower(strings.TrimSpace(provider))
	switch p {
	case "claude", "claude-cli":
		return "anthropic"
	case "codex", "codex-cli":
		return "openai-codex"
	}
	return p
}

// ProviderFromProfileID returns the "<provider>" prefix of a conventional
// "<provider>:<label>" id, or "" when the id has no prefix.
func ProviderFromProfileID(id string) string {
	i := strings.Index(id, ":")
	if i <= 0 {
		return ""
	}
	return NormalizeProvider(id[:i])
}
