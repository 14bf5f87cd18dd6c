package authprofile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRefreshSweeper(t *testing.T) {
	m, _ := setupTestManager(t)

	t.Run("should apply defaults", func(t *testing.T) {
		s, err := NewRefreshSweeper(m, SweeperConfig{})
		require.NoError(t, err)
		assert.Equal(t, "@every 5m", s.schedule)
		assert.Equal(t, 10*time.Minute, s.lead)
	})

	t.Run("should reject invalid schedule", func(t *testing.T) {
		_, err := NewRefreshSweeper(m, SweeperConfig{Schedule: "every now and then"})
		assert.Error(t, err)
	})
}

func TestRefreshSweeperSweep(t *testing.T) {
	m, _ := setupTestManager(t)
	later := testNow.Add(3 * time.Hour).UnixMilli()
	m.refreshers.Register("anthropic", RefresherFunc(func(_ context.Context, cred OAuthCredential) (OAuthCredential, error) {
		if cred.Refresh == "bad" {
			return OAuthCredential{}, errors.New("invalid_grant")
		}
		cred.Access = "swept"
		cred.Expires = later
		return cred, nil
	}))

	store := NewStore()
	store.Profiles["anthropic:soon"] = OAuthCredential{Provider: "anthropic", Access: "a", Refresh: "r", Expires: testNow.Add(5 * time.Minute).UnixMilli()}
	store.Profiles["anthropic:far"] = OAuthCredential{Provider: "anthropic", Access: "a", Refresh: "r", Expires: testNow.Add(2 * time.Hour).UnixMilli()}
	store.Profiles["anthropic:broken"] = OAuthCredential{Provider: "anthropic", Access: "a", Refresh: "bad", Expires: 1}
	store.Profiles["openai-codex:nohandler"] = OAuthCredential{Provider: "openai-codex", Access: "a", Refresh: "r", Expires: 1}
	store.Profiles["openai:key"] = APIKeyCredential{Provider: "openai", Key: "sk"}
	writeStore(t, m, store)

	s, err := NewRefreshSweeper(m, SweeperConfig{Lead: 10 * time.Minute})
	require.NoError(t, err)

	res := s.Sweep(context.Background())
	assert.Equal(t, []string{"anthropic:soon"}, res.Refreshed)
	require.Contains(t, res.Failed, "anthropic:broken")
	assert.ErrorIs(t, res.Failed["anthropic:broken"], ErrRefreshFailed)

	onDisk, err := LoadStore(m.Path())
	require.NoError(t, err)
	assert.Equal(t, "swept", onDisk.Profiles["anthropic:soon"].(OAuthCredential).Access)
	assert.Equal(t, "a", onDisk.Profiles["anthropic:far"].(OAuthCredential).Access)
}

func TestRefreshSweeperStartStop(t *testing.T) {
	m, _ := setupTestManager(t)
	s, err := NewRefreshSweeper(m, SweeperConfig{Schedule: "@every 1h"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Start(ctx))
	s.Stop()
	s.Stop()
}
