package authprofile

import "strings"

const (
	maskEdge     = 4
	maskMinRunes = 12
)

// MaskSecret returns a display-safe form of a key or token: the first and
// last four characters joined by an ellipsis. Short secrets are fully masked.
func MaskSecret(secret string) string {
	s := []rune(strings.TrimSpace(secret))
	if len(s) == 0 {
		return ""
	}
	if len(s) <= maskMinRunes {
		return "****"
	}
	return string(s[:maskEdge]) + "…" + string(s[len(s)-maskEdge:])
}

// MaskCredential masks the primary secret held by c.
func MaskCredential(c Credential) string {
	switch v := c.(type) {
	case APIKeyCredential:
		return MaskSecret(v.Key)
	case TokenCredential:
		return MaskSecret(v.Token)
	case OAuthCredential:
		if v.Access != "" {
			return MaskSecret(v.Access)
		}
		return MaskSecret(v.Refresh)
	default:
		return ""
	}
}

// RedactSecrets replaces every occurrence of the given secrets in text with
// their masked form. Provider error messages sometimes echo the key back.
func RedactSecrets(text string, secrets ...string) string {
	for _, secret := range secrets {
		secret = strings.TrimSpace(secret)
		if len(secret) < 8 {
			continue
		}
		text = strings.ReplaceAll(text, secret, MaskSecret(secret))
	}
	return text
}
