package authprofile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testLockOptions() LockOptions {
	return LockOptions{
		Retries:    3,
		Factor:     2,
		MinTimeout: 5 * time.Millisecond,
		MaxTimeout: 20 * time.Millisecond,
		Stale:      30 * time.Second,
	}
}

func setupTestManager(t *testing.T, opts ...func(*ManagerOptions)) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	mo := ManagerOptions{
		AgentDir:   dir,
		Lock:       testLockOptions(),
		Refreshers: NewRefresherRegistry(),
		External:   ExternalOptions{Disabled: true},
		Logger:     &logger,
		Now:        fixedClock(testNow),
	}
	for _, o := range opts {
		o(&mo)
	}
	return NewManager(mo), dir
}

func writeStore(t *testing.T, m *Manager, store *Store) {
	t.Helper()
	require.NoError(t, SaveStore(m.Path(), store))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
}
