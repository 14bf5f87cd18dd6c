package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/harun/clawgate/pkg/agent"
	"github.com/harun/clawgate/pkg/authprofile"
)

var profileIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*:[A-Za-z0-9][A-Za-z0-9_.@+-]*$`)

// Validator validates individual configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch authprofile.NormalizeProvider(provider) {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateProfileID checks the <provider>:<label> convention and that the
// provider part matches provider.
func (v *Validator) ValidateProfileID(id, provider string) error {
	if !profileIDPattern.MatchString(id) {
		return fmt.Errorf("invalid profile id %q (expected <provider>:<label>)", id)
	}
	if got := authprofile.ProviderFromProfileID(id); authprofile.NormalizeProvider(got) != authprofile.NormalizeProvider(provider) {
		return fmt.Errorf("profile id %q does not belong to provider %s", id, provider)
	}
	return nil
}

// ValidateModel validates a provider/model reference
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	_, err := agent.ParseModelRef(model)
	return err
}

// ValidateThinkLevel validates a thinking level name
func (v *Validator) ValidateThinkLevel(level string) error {
	if _, ok := agent.ParseThinkLevel(level); !ok {
		names := make([]string, 0, len(agent.ThinkLevels))
		for _, l := range agent.ThinkLevels {
			names = append(names, string(l))
		}
		return fmt.Errorf("invalid thinking level: %s (must be one of: %s)", level, strings.Join(names, ", "))
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}
