package authprofile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireFileLock(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "store.json")

	lock, err := AcquireFileLock(ctx, target, testLockOptions())
	require.NoError(t, err)
	assert.FileExists(t, target+".lock")

	t.Run("should time out while held", func(t *testing.T) {
		_, err := AcquireFileLock(ctx, target, testLockOptions())
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrLockTimeout))

		var lte *LockTimeoutError
		require.True(t, errors.As(err, &lte))
		assert.Equal(t, 4, lte.Attempts)
	})

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release(), "release is idempotent")
	assert.NoFileExists(t, target+".lock")

	t.Run("should acquire after release", func(t *testing.T) {
		l2, err := AcquireFileLock(ctx, target, testLockOptions())
		require.NoError(t, err)
		require.NoError(t, l2.Release())
	})
}

func TestAcquireFileLock_ReclaimsStale(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "store.json")
	lockPath := target + ".lock"

	t.Run("should reclaim a lock from a dead process", func(t *testing.T) {
		host, _ := os.Hostname()
		payload, _ := json.Marshal(lockPayload{PID: 999999999, CreatedAt: time.Now().UnixMilli(), Host: host})
		writeFile(t, lockPath, string(payload))

		lock, err := AcquireFileLock(ctx, target, testLockOptions())
		require.NoError(t, err)
		require.NoError(t, lock.Release())
	})

	t.Run("should reclaim an old lock from another host", func(t *testing.T) {
		payload, _ := json.Marshal(lockPayload{PID: os.Getpid(), CreatedAt: 1, Host: "other-host"})
		writeFile(t, lockPath, string(payload))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(lockPath, old, old))

		opts := testLockOptions()
		opts.Stale = time.Minute
		lock, err := AcquireFileLock(ctx, target, opts)
		require.NoError(t, err)
		require.NoError(t, lock.Release())

		leftovers, err := filepath.Glob(lockPath + ".stale-*")
		require.NoError(t, err)
		assert.Empty(t, leftovers)
	})

	t.Run("should reclaim an old lock with an unreadable payload", func(t *testing.T) {
		writeFile(t, lockPath, "")
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(lockPath, old, old))

		opts := testLockOptions()
		opts.Stale = time.Minute
		lock, err := AcquireFileLock(ctx, target, opts)
		require.NoError(t, err)
		require.NoError(t, lock.Release())
	})
}

func TestAcquireFileLock_LiveHolderNeverStale(t *testing.T) {
	ctx := context.Background()
	target := filepath.Join(t.TempDir(), "store.json")
	lockPath := target + ".lock"

	held, err := AcquireFileLock(ctx, target, testLockOptions())
	require.NoError(t, err)
	defer held.Release()

	// Age the file past the threshold as if the heartbeat had stalled.
	old := time.Now().Add(-31 * time.Second)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	_, err = AcquireFileLock(ctx, target, testLockOptions())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.FileExists(t, lockPath)
}

func TestFileLockHeartbeat(t *testing.T) {
	target := filepath.Join(t.TempDir(), "store.json")
	lockPath := target + ".lock"

	opts := testLockOptions()
	opts.Stale = 40 * time.Millisecond
	lock, err := AcquireFileLock(context.Background(), target, opts)
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	assert.Eventually(t, func() bool {
		info, err := os.Stat(lockPath)
		return err == nil && time.Since(info.ModTime()) < time.Minute
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, lock.Release())
	assert.NoFileExists(t, lockPath)
}

func TestReclaimLockRestoresReplacedLock(t *testing.T) {
	dir := t.TempDir()
	lockPath := filepath.Join(dir, "store.json.lock")

	writeFile(t, lockPath, `{"pid":1}`)
	staleInfo, err := os.Stat(lockPath)
	require.NoError(t, err)

	// Another process replaces the lock before this one moves it. The new
	// file is written first so it cannot reuse the old inode.
	writeFile(t, lockPath+".new", `{"pid":2}`)
	require.NoError(t, os.Rename(lockPath+".new", lockPath))

	assert.False(t, reclaimLock(lockPath, staleInfo))
	data, err := os.ReadFile(lockPath)
	require.NoError(t, err)
	assert.Equal(t, `{"pid":2}`, string(data))

	leftovers, err := filepath.Glob(lockPath + ".stale-*")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestAcquireFileLock_ContextCancel(t *testing.T) {
	target := filepath.Join(t.TempDir(), "store.json")
	held, err := AcquireFileLock(context.Background(), target, testLockOptions())
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	opts := testLockOptions()
	opts.MinTimeout = time.Second
	_, err = AcquireFileLock(ctx, target, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAcquireFileLock_MutualExclusion(t *testing.T) {
	target := filepath.Join(t.TempDir(), "store.json")
	opts := LockOptions{Retries: 200, Factor: 1, MinTimeout: time.Millisecond, MaxTimeout: time.Millisecond, Stale: time.Minute}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lock, err := AcquireFileLock(context.Background(), target, opts)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				cur := atomic.LoadInt32(&maxInside)
				if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = lock.Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLockOptionsDelay(t *testing.T) {
	opts := LockOptions{Factor: 2, MinTimeout: 100 * time.Millisecond, MaxTimeout: time.Second}
	assert.Equal(t, 100*time.Millisecond, opts.delay(1, 0))
	assert.Equal(t, 200*time.Millisecond, opts.delay(2, 0))
	assert.Equal(t, 400*time.Millisecond, opts.delay(3, 0))
	assert.Equal(t, time.Second, opts.delay(10, 0))

	opts.Randomize = true
	assert.Equal(t, 150*time.Millisecond, opts.delay(1, 0.5))
}
