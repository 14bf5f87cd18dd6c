package authprofile

// ProfileConfig is the config-declared expectation for one profile id.
type ProfileConfig struct {
	Provider string
	Mode     CredentialType
	Email    string
}

// Config is the read-only slice of user config this package consumes.
// The package never writes config; edits it recommends are returned to the
// caller (see RefreshFailedError.SuggestedProfileID and
// APIKeyResult.SuggestedProfileID).
type Config struct {
	Profiles map[string]ProfileConfig
	// Order maps a provider to an explicit profile rotation order.
	Order map[string][]string
}

func (c *Config) profile(id string) (ProfileConfig, bool) {
	if c == nil {
		return ProfileConfig{}, false
	}
	p, ok := c.Profiles[id]
	return p, ok
}

// explicitOrder returns the configured order for provider, matching keys
// case-insensitively.
func (c *Config) explicitOrder(provider string) ([]string, bool) {
	if c == nil {
		return nil, false
	}
	provider = NormalizeProvider(provider)
	for key, ids := range c.Order {
		if NormalizeProvider(key) == provider && len(ids) > 0 {
			return ids, true
		}
	}
	return nil, false
}

// declaredProfiles lists config-declared profile ids for provider.
func (c *Config) declaredProfiles(provider string) []string {
	if c == nil {
		return nil
	}
	provider = NormalizeProvider(provider)
	var ids []string
	for id, p := range c.Profiles {
		if NormalizeProvider(p.Provider) == provider {
			ids = append(ids, id)
		}
	}
	return ids
}

// CheckProfile verifies that cred agrees with the config declaration for
// profileID. Undeclared profiles always pass.
func (c *Config) CheckProfile(profileID string, cred Credential) error {
	decl, ok := c.profile(profileID)
	if !ok {
		return nil
	}
	if decl.Provider != "" && NormalizeProvider(decl.Provider) != NormalizeProvider(cred.ProviderName()) {
		return &ConfigMismatchError{
			ProfileID: profileID,
			Field:     "provider",
			Expected:  decl.Provider,
			Actual:    cred.ProviderName(),
		}
	}
	if decl.Mode != "" && decl.Mode != cred.Type() {
		// token credentials satisfy oauth mode: both are bearer auth
		if !(decl.Mode == CredentialOAuth && cred.Type() == CredentialToken) {
			return &ConfigMismatchError{
				ProfileID: profileID,
				Field:     "mode",
				Expected:  string(decl.Mode),
				Actual:    string(cred.Type()),
			}
		}
	}
	return nil
}
