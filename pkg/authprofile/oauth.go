package authprofile

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Refresher exchanges an OAuth refresh token for a new credential.
type Refresher interface {
	Refresh(ctx context.Context, cred OAuthCredential) (OAuthCredential, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, cred OAuthCredential) (OAuthCredential, error)

func (f RefresherFunc) Refresh(ctx context.Context, cred OAuthCredential) (OAuthCredential, error) {
	return f(ctx, cred)
}

// RefresherRegistry maps providers to their refresher.
type RefresherRegistry struct {
	mu         sync.RWMutex
	refreshers map[string]Refresher
}

// NewRefresherRegistry returns an empty registry.
func NewRefresherRegistry() *RefresherRegistry {
	return &RefresherRegistry{refreshers: make(map[string]Refresher)}
}

// Register sets the refresher for provider, replacing any previous one.
func (r *RefresherRegistry) Register(provider string, refresher Refresher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshers[NormalizeProvider(provider)] = refresher
}

// Get returns the refresher for provider, or nil.
func (r *RefresherRegistry) Get(provider string) Refresher {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshers[NormalizeProvider(provider)]
}

// OAuthEndpoint describes a provider's token endpoint.
type OAuthEndpoint struct {
	TokenURL string
	ClientID string
	Scopes   []string
}

// Public client ids and token endpoints used by the provider CLIs whose
// credentials clawgate can import.
var (
	AnthropicOAuthEndpoint = OAuthEndpoint{
		TokenURL: "https://console.anthropic.com/v1/oauth/token",
		ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
	}
	OpenAICodexOAuthEndpoint = OAuthEndpoint{
		TokenURL: "https://auth.openai.com/oauth/token",
		ClientID: "app_EMoamEEZ73f0CkXaXp7hrann",
		Scopes:   []string{"openid", "profile", "email", "offline_access"},
	}
)

// expirySkew is subtracted from provider-reported expiry so that a token is
// refreshed before the provider starts rejecting it.
const expirySkew = 5 * time.Minute

// DefaultRefreshTimeout bounds one refresh_token grant. The store lock is
// held for the whole call, so it must stay well under the lock's stale age.
const DefaultRefreshTimeout = 20 * time.Second

// OAuth2Refresher refreshes credentials through a standard OAuth 2.0
// refresh_token grant.
type OAuth2Refresher struct {
	Endpoint   OAuthEndpoint
	HTTPClient *http.Client
	// Timeout applies when ctx carries no deadline. Zero means
	// DefaultRefreshTimeout.
	Timeout time.Duration
	Now     func() time.Time
}

// Refresh performs the refresh_token grant and returns the updated
// credential. Fields the provider does not return are carried over.
func (r *OAuth2Refresher) Refresh(ctx context.Context, cred OAuthCredential) (OAuthCredential, error) {
	clientID := cred.ClientID
	if clientID == "" {
		clientID = r.Endpoint.ClientID
	}
	conf := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  r.Endpoint.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: r.Endpoint.Scopes,
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := r.Timeout
		if timeout <= 0 {
			timeout = DefaultRefreshTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if r.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.Refresh}).Token()
	if err != nil {
		return OAuthCredential{}, err
	}

	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	expires := now().Add(time.Hour)
	if !tok.Expiry.IsZero() {
		expires = tok.Expiry
	}
	expires = expires.Add(-expirySkew)

	next := cred
	next.Access = tok.AccessToken
	if tok.RefreshToken != "" {
		next.Refresh = tok.RefreshToken
	}
	next.Expires = expires.UnixMilli()
	if accountID, ok := tok.Extra("account_id").(string); ok && accountID != "" {
		next.AccountID = accountID
	}
	return next, nil
}

// DefaultRefreshers registers OAuth2 refreshers for the providers whose CLI
// credentials can be imported. A nil client gets one with
// DefaultRefreshTimeout.
func DefaultRefreshers(client *http.Client) *RefresherRegistry {
	if client == nil {
		client = &http.Client{Timeout: DefaultRefreshTimeout}
	}
	reg := NewRefresherRegistry()
	reg.Register("anthropic", &OAuth2Refresher{Endpoint: AnthropicOAuthEndpoint, HTTPClient: client})
	reg.Register("openai-codex", &OAuth2Refresher{Endpoint: OpenAICodexOAuthEndpoint, HTTPClient: client})
	return reg
}
