package authprofile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		want   string
	}{
		{"empty", "", ""},
		{"short", "abc123", "****"},
		{"twelve chars", "abcdefghijkl", "****"},
		{"api key", "sk-ant-REDACTED", "sk-a…mnop"},
		{"trims whitespace", "  sk-ant-REDACTED\n", "sk-a…mnop"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaskSecret(tt.secret))
		})
	}
}

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "sk-l…3456", MaskCredential(APIKeyCredential{Key: "sk-live-0123456"}))
	assert.Equal(t, "acce…oken", MaskCredential(OAuthCredential{Access: "access-long-token"}))
	assert.Equal(t, "****", MaskCredential(TokenCredential{Token: "tiny"}))
}

func TestRedactSecrets(t *testing.T) {
	msg := "401: invalid key sk-ant-REDACTED for request"
	got := RedactSecrets(msg, "sk-ant-REDACTED", "")
	assert.Equal(t, "401: invalid key sk-a…mnop for request", got)
	assert.NotContains(t, got, "abcdefghijklmnop")
}
