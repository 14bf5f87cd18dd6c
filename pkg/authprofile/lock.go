package authprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// LockOptions controls retry and staleness for the store file lock.
type LockOptions struct {
	Retries    int
	Factor     float64
	MinTimeout time.Duration
	MaxTimeout time.Duration
	Randomize  bool
	// Stale is the age after which a lock whose holder cannot be confirmed
	// alive is reclaimed.
	Stale time.Duration
}

// DefaultLockOptions returns the retry budget used for store mutations:
// ten retries growing from 100ms to at most 10s, with jitter.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		Retries:    10,
		Factor:     2,
		MinTimeout: 100 * time.Millisecond,
		MaxTimeout: 10 * time.Second,
		Randomize:  true,
		Stale:      30 * time.Second,
	}
}

func (o LockOptions) withDefaults() LockOptions {
	def := DefaultLockOptions()
	if o.Retries < 0 {
		o.Retries = 0
	}
	if o.Factor < 1 {
		o.Factor = def.Factor
	}
	if o.MinTimeout <= 0 {
		o.MinTimeout = def.MinTimeout
	}
	if o.MaxTimeout < o.MinTimeout {
		o.MaxTimeout = o.MinTimeout
	}
	if o.Stale <= 0 {
		o.Stale = def.Stale
	}
	return o
}

// delay returns the wait before retry number attempt (1-based).
func (o LockOptions) delay(attempt int, rnd float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	d := float64(o.MinTimeout) * math.Pow(o.Factor, exp)
	if o.Randomize {
		d *= 1 + rnd
	}
	return time.Duration(math.Min(d, float64(o.MaxTimeout)))
}

type lockPayload struct {
	PID       int    `json:"pid"`
	CreatedAt int64  `json:"createdAt"`
	Host      string `json:"host,omitempty"`
}

// FileLock is an advisory cross-process lock on a target file, held by the
// existence of "<target>.lock". While held, the lock file's mtime is
// touched every Stale/2 so a live holder never looks abandoned.
type FileLock struct {
	path string
	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func newFileLock(lockPath string, stale time.Duration) *FileLock {
	l := &FileLock{
		path: lockPath,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.heartbeat(stale / 2)
	return l
}

func (l *FileLock) heartbeat(every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			_ = os.Chtimes(l.path, now, now)
		}
	}
}

// Path returns the lock file path.
func (l *FileLock) Path() string {
	return l.path
}

// Release stops the heartbeat and removes the lock file. It is safe to
// call more than once.
func (l *FileLock) Release() error {
	if l == nil {
		return nil
	}
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			l.err = fmt.Errorf("release lock %s: %w", l.path, err)
		}
	})
	return l.err
}

// AcquireFileLock takes the lock for target, retrying with exponential
// jittered backoff. Stale locks left by dead processes are reclaimed. When
// the budget runs out it returns a *LockTimeoutError.
func AcquireFileLock(ctx context.Context, target string, opts LockOptions) (*FileLock, error) {
	opts = opts.withDefaults()
	lockPath := target + ".lock"

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(lockPath), 0700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= opts.Retries; attempt++ {
		attempts++
		ok, err := tryCreateLock(lockPath)
		if ok {
			return newFileLock(lockPath, opts.Stale), nil
		}
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
		}

		if info, stale := staleLock(lockPath, opts.Stale); stale && reclaimLock(lockPath, info) {
			ok, err = tryCreateLock(lockPath)
			if ok {
				return newFileLock(lockPath, opts.Stale), nil
			}
			if err != nil {
				return nil, fmt.Errorf("acquire lock %s: %w", lockPath, err)
			}
		}

		lastErr = fmt.Errorf("lock held by %s", describeHolder(lockPath))
		if attempt == opts.Retries {
			break
		}

		wait := opts.delay(attempt+1, rand.Float64()) // #nosec G404 -- jitter only
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &LockTimeoutError{Path: lockPath, Attempts: attempts, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	return nil, &LockTimeoutError{Path: lockPath, Attempts: attempts, Err: lastErr}
}

// reclaimLock moves the stale lock file aside under a unique name and
// deletes it. If the file moved is no longer the one judged stale, another
// process re-created the lock in between and it is put back.
func reclaimLock(lockPath string, stale os.FileInfo) bool {
	aside := fmt.Sprintf("%s.stale-%d-%d", lockPath, os.Getpid(), rand.Int63()) // #nosec G404 -- name only
	if err := os.Rename(lockPath, aside); err != nil {
		// Someone else reclaimed or released it first.
		return errors.Is(err, os.ErrNotExist)
	}
	moved, err := os.Stat(aside)
	if err == nil && !os.SameFile(stale, moved) {
		// Link fails if yet another holder already exists.
		_ = os.Link(aside, lockPath)
		_ = os.Remove(aside)
		return false
	}
	_ = os.Remove(aside)
	return true
}

// tryCreateLock reports (true, nil) when the lock was created, (false, nil)
// when another holder exists, and an error for anything else.
func tryCreateLock(lockPath string) (bool, error) {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	host, _ := os.Hostname()
	payload, _ := json.Marshal(lockPayload{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UnixMilli(),
		Host:      host,
	})
	_, werr := f.Write(payload)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(lockPath)
		return false, errors.Join(werr, cerr)
	}
	return true, nil
}

func readLockPayload(lockPath string) *lockPayload {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return nil
	}
	var p lockPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil
	}
	return &p
}

// staleLock reports whether the lock at lockPath is abandoned. A holder on
// this host is judged by its pid alone; age only matters when the holder
// cannot be checked (another host or an unreadable payload).
func staleLock(lockPath string, stale time.Duration) (os.FileInfo, bool) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return nil, false
	}

	if p := readLockPayload(lockPath); p != nil && p.PID > 0 {
		host, _ := os.Hostname()
		if p.Host == "" || p.Host == host {
			return info, !isProcessAlive(p.PID)
		}
	}

	return info, time.Since(info.ModTime()) > stale
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// FindProcess always succeeds on unix; signal 0 checks for existence.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, os.ErrPermission)
}

func describeHolder(lockPath string) string {
	p := readLockPayload(lockPath)
	if p == nil {
		return "unknown process"
	}
	return fmt.Sprintf("pid %d", p.PID)
}
