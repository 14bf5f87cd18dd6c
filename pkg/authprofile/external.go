package authprofile

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/zalando/go-keyring"
)

// Reserved profile ids for credentials imported from provider CLIs.
const (
	ClaudeCLIProfileID = "anthropic:claude-cli"
	CodexCLIProfileID  = "openai-codex:codex-cli"
)

const (
	claudeKeychainService = "Claude Code-credentials"
	keyringDisabledEnv    = "CLAWGATE_KEYRING_DISABLED"
	// codexAssumedTTL is used when the codex token carries no readable expiry.
	codexAssumedTTL = time.Hour
)

// ExternalOptions controls discovery of provider CLI credentials.
type ExternalOptions struct {
	// HomeDir overrides the user home directory. Defaults to os.UserHomeDir.
	HomeDir string
	// AllowKeychain permits macOS keychain lookups. Interactive callers only:
	// the OS may show a permission dialog.
	AllowKeychain bool
	// Disabled turns external sync off entirely.
	Disabled bool
}

func (o ExternalOptions) home() string {
	if o.HomeDir != "" {
		return o.HomeDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// ClaudeCredentialsPath is the file the Claude CLI keeps its OAuth token in.
func (o ExternalOptions) ClaudeCredentialsPath() string {
	return filepath.Join(o.home(), ".claude", ".credentials.json")
}

// CodexAuthPath is the file the Codex CLI keeps its tokens in.
func (o ExternalOptions) CodexAuthPath() string {
	return filepath.Join(o.home(), ".codex", "auth.json")
}

// WatchPaths lists the external files whose changes should trigger a sync.
func (o ExternalOptions) WatchPaths() []string {
	return []string{o.ClaudeCredentialsPath(), o.CodexAuthPath()}
}

type externalSource struct {
	name      string
	profileID string
	read      func(ExternalOptions, zerolog.Logger) (Credential, error)
}

var externalSources = []externalSource{
	{name: "claude-cli", profileID: ClaudeCLIProfileID, read: readClaudeCLICredential},
	{name: "codex-cli", profileID: CodexCLIProfileID, read: readCodexCLICredential},
}

// SyncExternal merges provider CLI credentials into store under their
// reserved ids. It never replaces a stored credential that expires later or
// is of a stronger type. Lookup failures are logged and ignored.
func (m *Manager) SyncExternal(ctx context.Context, store *Store) bool {
	if m.external.Disabled || store == nil {
		return false
	}
	logger := tracing.LoggerFromContext(ctx, m.logger)

	changed := false
	for _, src := range externalSources {
		incoming, err := src.read(m.external, logger)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				logger.Debug().Err(err).Str("source", src.name).Msg("External credential lookup failed")
			}
			continue
		}
		if incoming == nil {
			continue
		}

		merged, ok := MergeExternalCredential(store.Profiles[src.profileID], incoming)
		observability.RecordExternalSync(src.name, ok)
		if !ok {
			continue
		}
		store.initMaps()
		store.Profiles[src.profileID] = merged
		changed = true
		logger.Info().
			Str("source", src.name).
			Str("profile_id", src.profileID).
			Str("type", string(merged.Type())).
			Msg("Synced external CLI credential")
	}
	return changed
}

func typeStrength(t CredentialType) int {
	switch t {
	case CredentialOAuth:
		return 2
	case CredentialToken:
		return 1
	default:
		return 0
	}
}

// mergeExpiry orders credentials by expiry. A token with no expiry never
// expires, so it sorts after every dated credential.
func mergeExpiry(c Credential) int64 {
	if t, ok := c.(TokenCredential); ok && t.Expires == 0 {
		return math.MaxInt64
	}
	return ExpiresAt(c)
}

// MergeExternalCredential decides whether incoming should replace existing.
// It returns the credential to store and true when a write is needed.
func MergeExternalCredential(existing, incoming Credential) (Credential, bool) {
	if incoming == nil {
		return existing, false
	}
	if existing == nil {
		return incoming, true
	}

	exStrength, inStrength := typeStrength(existing.Type()), typeStrength(incoming.Type())
	if exStrength > inStrength {
		return existing, false
	}

	exExp, inExp := mergeExpiry(existing), mergeExpiry(incoming)
	if exStrength == inStrength && inExp <= exExp {
		return existing, false
	}
	if inExp < exExp {
		return existing, false
	}

	if o, ok := incoming.(OAuthCredential); ok && o.Email == "" {
		o.Email = existing.AccountEmail()
		incoming = o
	}
	return incoming, true
}

func readClaudeCLICredential(opts ExternalOptions, logger zerolog.Logger) (Credential, error) {
	data, err := os.ReadFile(opts.ClaudeCredentialsPath())
	if err != nil && opts.AllowKeychain && keychainSupported() {
		data, err = readClaudeKeychain()
		if err != nil {
			logger.Debug().Err(err).Msg("Claude keychain lookup failed")
		}
	}
	if err != nil {
		return nil, err
	}
	return parseClaudeCredential(data)
}

func parseClaudeCredential(data []byte) (Credential, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("claude credentials: invalid json")
	}
	oauth := gjson.GetBytes(data, "claudeAiOauth")
	access := oauth.Get("accessToken").String()
	if access == "" {
		return nil, errors.New("claude credentials: missing accessToken")
	}
	refresh := oauth.Get("refreshToken").String()
	expires := oauth.Get("expiresAt").Int()

	if refresh == "" {
		return TokenCredential{Provider: "anthropic", Token: access, Expires: expires}, nil
	}
	return OAuthCredential{
		Provider: "anthropic",
		Access:   access,
		Refresh:  refresh,
		Expires:  expires,
	}, nil
}

func keychainSupported() bool {
	return runtime.GOOS == "darwin" && os.Getenv(keyringDisabledEnv) == ""
}

func readClaudeKeychain() ([]byte, error) {
	account := os.Getenv("USER")
	if account == "" {
		if u, err := user.Current(); err == nil {
			account = u.Username
		}
	}
	secret, err := keyring.Get(claudeKeychainService, account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, os.ErrNotExist
		}
		return nil, err
	}
	return []byte(secret), nil
}

func readCodexCLICredential(opts ExternalOptions, _ zerolog.Logger) (Credential, error) {
	path := opts.CodexAuthPath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mtime time.Time
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime()
	}
	return parseCodexCredential(data, mtime)
}

func parseCodexCredential(data []byte, mtime time.Time) (Credential, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("codex auth: invalid json")
	}
	tokens := gjson.GetBytes(data, "tokens")
	access := tokens.Get("access_token").String()
	refresh := tokens.Get("refresh_token").String()
	if access == "" || refresh == "" {
		return nil, errors.New("codex auth: missing tokens")
	}

	expires := jwtExpiry(access)
	if expires == 0 {
		base := mtime
		if lr := gjson.GetBytes(data, "last_refresh").String(); lr != "" {
			if t, err := time.Parse(time.RFC3339Nano, lr); err == nil {
				base = t
			}
		}
		if !base.IsZero() {
			expires = base.Add(codexAssumedTTL).UnixMilli()
		}
	}

	return OAuthCredential{
		Provider:  "openai-codex",
		Access:    access,
		Refresh:   refresh,
		Expires:   expires,
		AccountID: tokens.Get("account_id").String(),
		Email:     jwtClaim(tokens.Get("id_token").String(), "email"),
	}, nil
}

func jwtPayload(token string) []byte {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil
	}
	return payload
}

// jwtExpiry returns the exp claim in epoch ms, or 0.
func jwtExpiry(token string) int64 {
	payload := jwtPayload(token)
	if payload == nil {
		return 0
	}
	exp := gjson.GetBytes(payload, "exp").Int()
	if exp <= 0 {
		return 0
	}
	return exp * 1000
}

func jwtClaim(token, claim string) string {
	payload := jwtPayload(token)
	if payload == nil {
		return ""
	}
	return gjson.GetBytes(payload, claim).String()
}
