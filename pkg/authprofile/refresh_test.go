package authprofile

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingRefresher(calls *int32, access string, expires int64) RefresherFunc {
	return func(_ context.Context, cred OAuthCredential) (OAuthCredential, error) {
		atomic.AddInt32(calls, 1)
		cred.Access = access
		cred.Expires = expires
		return cred, nil
	}
}

func TestResolveAPIKey(t *testing.T) {
	ctx := context.Background()
	future := testNow.Add(time.Hour).UnixMilli()
	past := testNow.Add(-time.Minute).UnixMilli()

	t.Run("should return api key as is", func(t *testing.T) {
		m, _ := setupTestManager(t)
		store := NewStore()
		store.Profiles["openai:default"] = APIKeyCredential{Provider: "openai", Key: "sk-test", Email: "a@b.c"}

		res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "openai:default", Store: store})
		require.NoError(t, err)
		assert.Equal(t, "sk-test", res.APIKey)
		assert.Equal(t, "openai", res.Provider)
		assert.Equal(t, "a@b.c", res.Email)
		assert.Equal(t, CredentialAPIKey, res.Type)
	})

	t.Run("should return unexpired oauth access token without refreshing", func(t *testing.T) {
		var calls int32
		m, _ := setupTestManager(t)
		m.refreshers.Register("anthropic", countingRefresher(&calls, "new", future))
		store := NewStore()
		store.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "acc", Refresh: "ref", Expires: future}

		res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:me", Store: store})
		require.NoError(t, err)
		assert.Equal(t, "acc", res.APIKey)
		assert.Zero(t, atomic.LoadInt32(&calls))
	})

	t.Run("should refresh expired oauth and persist", func(t *testing.T) {
		var calls int32
		m, _ := setupTestManager(t)
		m.refreshers.Register("anthropic", countingRefresher(&calls, "fresh-access", future))
		store := NewStore()
		store.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "old", Refresh: "ref", Expires: past}
		writeStore(t, m, store)

		res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:me", Store: store})
		require.NoError(t, err)
		assert.Equal(t, "fresh-access", res.APIKey)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
		assert.Equal(t, "fresh-access", store.Profiles["anthropic:me"].(OAuthCredential).Access)

		onDisk, err := LoadStore(m.Path())
		require.NoError(t, err)
		assert.Equal(t, future, onDisk.Profiles["anthropic:me"].(OAuthCredential).Expires)
	})

	t.Run("should use credential already refreshed by another process", func(t *testing.T) {
		var calls int32
		m, _ := setupTestManager(t)
		m.refreshers.Register("anthropic", countingRefresher(&calls, "ours", future))

		onDisk := NewStore()
		onDisk.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "theirs", Refresh: "ref2", Expires: future}
		writeStore(t, m, onDisk)

		stale := NewStore()
		stale.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "old", Refresh: "ref", Expires: past}

		res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:me", Store: stale})
		require.NoError(t, err)
		assert.Equal(t, "theirs", res.APIKey)
		assert.Zero(t, atomic.LoadInt32(&calls))
		assert.Equal(t, "theirs", stale.Profiles["anthropic:me"].(OAuthCredential).Access)
	})

	t.Run("should encode project id for cloud code providers", func(t *testing.T) {
		m, _ := setupTestManager(t)
		store := NewStore()
		store.Profiles["google-gemini-cli:me"] = OAuthCredential{
			Provider: "google-gemini-cli", Access: "ya29", Refresh: "r", Expires: future, ProjectID: "proj-1",
		}

		res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "google-gemini-cli:me", Store: store})
		require.NoError(t, err)
		assert.JSONEq(t, `{"token":"ya29","projectId":"proj-1"}`, res.APIKey)
	})

	t.Run("should report missing profile", func(t *testing.T) {
		m, _ := setupTestManager(t)
		_, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "openai:nope", Store: NewStore()})
		assert.ErrorIs(t, err, ErrCredentialMissing)
	})

	t.Run("should reject expired static token", func(t *testing.T) {
		m, _ := setupTestManager(t)
		store := NewStore()
		store.Profiles["anthropic:tok"] = TokenCredential{Provider: "anthropic", Token: "tok", Expires: past}
		_, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:tok", Store: store})
		assert.ErrorIs(t, err, ErrCredentialMissing)
	})

	t.Run("should reject config provider mismatch", func(t *testing.T) {
		m, _ := setupTestManager(t)
		store := NewStore()
		store.Profiles["openai:default"] = APIKeyCredential{Provider: "openai", Key: "sk-test"}
		cfg := &Config{Profiles: map[string]ProfileConfig{"openai:default": {Provider: "anthropic"}}}

		_, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "openai:default", Store: store, Config: cfg})
		var mismatch *ConfigMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, "provider", mismatch.Field)
	})

	t.Run("should accept token for oauth mode", func(t *testing.T) {
		m, _ := setupTestManager(t)
		store := NewStore()
		store.Profiles["anthropic:tok"] = TokenCredential{Provider: "anthropic", Token: "tok-value"}
		cfg := &Config{Profiles: map[string]ProfileConfig{"anthropic:tok": {Provider: "anthropic", Mode: CredentialOAuth}}}

		res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:tok", Store: store, Config: cfg})
		require.NoError(t, err)
		assert.Equal(t, "tok-value", res.APIKey)
	})

	t.Run("should fail refresh with redacted provider error", func(t *testing.T) {
		m, _ := setupTestManager(t)
		m.refreshers.Register("anthropic", RefresherFunc(func(_ context.Context, cred OAuthCredential) (OAuthCredential, error) {
			return OAuthCredential{}, fmt.Errorf("invalid_grant for %s", cred.Refresh)
		}))
		store := NewStore()
		store.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "old", Refresh: "refresh-secret-value", Expires: past}
		writeStore(t, m, store)

		_, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:me", Store: store})
		require.ErrorIs(t, err, ErrRefreshFailed)
		assert.NotContains(t, err.Error(), "refresh-secret-value")
	})

	t.Run("should fail refresh without registered refresher", func(t *testing.T) {
		m, _ := setupTestManager(t)
		store := NewStore()
		store.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "old", Refresh: "ref", Expires: past}
		writeStore(t, m, store)

		_, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:me", Store: store})
		assert.ErrorIs(t, err, ErrRefreshFailed)
	})
}

func TestResolveAPIKeyLegacyDefaultFallback(t *testing.T) {
	ctx := context.Background()
	m, _ := setupTestManager(t)
	m.refreshers.Register("anthropic", RefresherFunc(func(context.Context, OAuthCredential) (OAuthCredential, error) {
		return OAuthCredential{}, errors.New("invalid_grant")
	}))

	store := NewStore()
	store.Profiles["anthropic:default"] = OAuthCredential{Provider: "anthropic", Access: "dead", Refresh: "dead-r", Expires: 1}
	store.Profiles["anthropic:me@example.com"] = OAuthCredential{
		Provider: "anthropic", Access: "live-access", Refresh: "r", Expires: testNow.Add(time.Hour).UnixMilli(), Email: "me@example.com",
	}
	writeStore(t, m, store)

	res, err := m.ResolveAPIKey(ctx, ResolveParams{ProfileID: "anthropic:default", Store: store})
	require.NoError(t, err)
	assert.Equal(t, "live-access", res.APIKey)
	assert.Equal(t, "anthropic:me@example.com", res.ProfileID)
	assert.Equal(t, "anthropic:me@example.com", res.SuggestedProfileID)
}

func TestSuggestLegacyDefaultProfile(t *testing.T) {
	oauth := func(email string) OAuthCredential {
		return OAuthCredential{Provider: "anthropic", Access: "a", Refresh: "r", Expires: 1, Email: email}
	}

	t.Run("should ignore non default ids", func(t *testing.T) {
		store := NewStore()
		store.Profiles["anthropic:x"] = oauth("")
		assert.Empty(t, SuggestLegacyDefaultProfile(store, nil, "anthropic:work"))
	})

	t.Run("should prefer configured email", func(t *testing.T) {
		store := NewStore()
		store.Profiles["anthropic:a"] = oauth("a@example.com")
		store.Profiles["anthropic:b"] = oauth("b@example.com")
		cfg := &Config{Profiles: map[string]ProfileConfig{"anthropic:default": {Email: "B@example.com"}}}
		assert.Equal(t, "anthropic:b", SuggestLegacyDefaultProfile(store, cfg, "anthropic:default"))
	})

	t.Run("should fall back to last good", func(t *testing.T) {
		store := NewStore()
		store.Profiles["anthropic:a"] = oauth("")
		store.Profiles["anthropic:b"] = oauth("")
		store.LastGood["anthropic"] = "anthropic:a"
		assert.Equal(t, "anthropic:a", SuggestLegacyDefaultProfile(store, nil, "anthropic:default"))
	})

	t.Run("should refuse to guess between several", func(t *testing.T) {
		store := NewStore()
		store.Profiles["anthropic:a"] = oauth("")
		store.Profiles["anthropic:b"] = oauth("")
		assert.Empty(t, SuggestLegacyDefaultProfile(store, nil, "anthropic:default"))
	})
}

func TestRefreshProfileLead(t *testing.T) {
	var calls int32
	m, _ := setupTestManager(t)
	soon := testNow.Add(5 * time.Minute).UnixMilli()
	later := testNow.Add(2 * time.Hour).UnixMilli()
	m.refreshers.Register("anthropic", countingRefresher(&calls, "rotated", later))

	store := NewStore()
	store.Profiles["anthropic:me"] = OAuthCredential{Provider: "anthropic", Access: "acc", Refresh: "ref", Expires: soon}
	writeStore(t, m, store)

	require.NoError(t, m.RefreshProfile(context.Background(), store, "anthropic:me", time.Minute))
	assert.Zero(t, atomic.LoadInt32(&calls))

	require.NoError(t, m.RefreshProfile(context.Background(), store, "anthropic:me", 10*time.Minute))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, "rotated", store.Profiles["anthropic:me"].(OAuthCredential).Access)
}

func TestOAuth2Refresher(t *testing.T) {
	var gotForm map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"client_id":     r.PostForm.Get("client_id"),
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600,"account_id":"acct-9"}`)
	}))
	defer srv.Close()

	r := &OAuth2Refresher{
		Endpoint:   OAuthEndpoint{TokenURL: srv.URL, ClientID: "client-1"},
		HTTPClient: srv.Client(),
	}
	before := time.Now()
	next, err := r.Refresh(context.Background(), OAuthCredential{
		Provider: "anthropic", Access: "old", Refresh: "old-refresh", Email: "me@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "refresh_token", gotForm["grant_type"])
	assert.Equal(t, "old-refresh", gotForm["refresh_token"])
	assert.Equal(t, "client-1", gotForm["client_id"])

	assert.Equal(t, "new-access", next.Access)
	assert.Equal(t, "new-refresh", next.Refresh)
	assert.Equal(t, "acct-9", next.AccountID)
	assert.Equal(t, "me@example.com", next.Email)
	expires := time.UnixMilli(next.Expires)
	assert.WithinDuration(t, before.Add(time.Hour-expirySkew), expires, 10*time.Second)
}

func TestOAuth2RefresherRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer srv.Close()

	r := &OAuth2Refresher{Endpoint: OAuthEndpoint{TokenURL: srv.URL, ClientID: "c"}, HTTPClient: srv.Client()}
	_, err := r.Refresh(context.Background(), OAuthCredential{Refresh: "x"})
	assert.Error(t, err)
}

func TestOAuth2RefresherTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	r := &OAuth2Refresher{
		Endpoint:   OAuthEndpoint{TokenURL: srv.URL, ClientID: "c"},
		HTTPClient: srv.Client(),
		Timeout:    50 * time.Millisecond,
	}
	start := time.Now()
	_, err := r.Refresh(context.Background(), OAuthCredential{Refresh: "x"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestDefaultRefreshersUseTimeout(t *testing.T) {
	reg := DefaultRefreshers(nil)
	for _, provider := range []string{"anthropic", "openai-codex"} {
		r, ok := reg.Get(provider).(*OAuth2Refresher)
		require.True(t, ok, provider)
		require.NotNil(t, r.HTTPClient, provider)
		assert.Equal(t, DefaultRefreshTimeout, r.HTTPClient.Timeout, provider)
	}
}
