package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("collects a profile and defaults", func(t *testing.T) {
		input := strings.Join([]string{
			"openai",
			"work",
			"not-a-key",
			"sk-test-key-1234567890",
			"me@example.com",
			"",
			"medium",
			"debug",
		}, "\n") + "\n"
		var out bytes.Buffer

		res, err := NewWizard(strings.NewReader(input), &out).Run(nil)

		require.NoError(t, err)
		assert.Equal(t, "openai:work", res.ProfileID)
		assert.Equal(t, authprofile.APIKeyCredential{
			Provider: "openai",
			Key:      "sk-test-key-1234567890",
			Email:    "me@example.com",
		}, res.Credential)
		assert.Equal(t, ProfileConfig{Provider: "openai", Mode: "api_key", Email: "me@example.com"},
			res.Config.Auth.Profiles["openai:work"])
		assert.Equal(t, "anthropic/claude-sonnet-4-5", res.Config.Agents.DefaultModel)
		assert.Equal(t, "medium", res.Config.Agents.ThinkingDefault)
		assert.Equal(t, "debug", res.Config.Logging.Level)

		assert.Contains(t, out.String(), "invalid OpenAI API key format")
		assert.NotContains(t, out.String(), "sk-test-key-1234567890")
	})

	t.Run("keeps base config", func(t *testing.T) {
		base := DefaultConfig()
		base.Auth.Profiles["anthropic:default"] = ProfileConfig{Provider: "anthropic"}
		input := "anthropic\nsecond\nsk-ant-abcdefghijklmnop\n\n\nturbo\n\n"

		res, err := NewWizard(strings.NewReader(input), &bytes.Buffer{}).Run(base)

		require.NoError(t, err)
		assert.Contains(t, res.Config.Auth.Profiles, "anthropic:default")
		assert.Contains(t, res.Config.Auth.Profiles, "anthropic:second")
		assert.Equal(t, "off", res.Config.Agents.ThinkingDefault)
	})

	t.Run("input ends early", func(t *testing.T) {
		_, err := NewWizard(strings.NewReader("anthropic\n"), &bytes.Buffer{}).Run(nil)
		assert.Error(t, err)
	})
}
