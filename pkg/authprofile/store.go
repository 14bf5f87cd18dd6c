package authprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	// StoreFileName is the current-format store file inside the agent dir.
	StoreFileName = "auth-profiles.json"
	// LegacyFileName is the flat provider-keyed file migrated on first use.
	LegacyFileName = "auth.json"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// AgentDir holds auth-profiles.json. Defaults to ~/.clawgate/agent.
	AgentDir   string
	Lock       LockOptions
	Refreshers *RefresherRegistry
	External   ExternalOptions
	Logger     *zerolog.Logger
	Now        func() time.Time
}

// Manager owns the on-disk store and serializes its mutations across
// processes.
type Manager struct {
	path       string
	legacyPath string
	lockOpts   LockOptions
	refreshers *RefresherRegistry
	external   ExternalOptions
	logger     zerolog.Logger
	now        func() time.Time
}

// NewManager creates a Manager. It does not touch the filesystem.
func NewManager(opts ManagerOptions) *Manager {
	observability.EnsureRegistered()

	dir := opts.AgentDir
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".clawgate", "agent")
		} else {
			dir = filepath.Join(".clawgate", "agent")
		}
	}

	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	lockOpts := opts.Lock
	if lockOpts == (LockOptions{}) {
		lockOpts = DefaultLockOptions()
	}

	refreshers := opts.Refreshers
	if refreshers == nil {
		refreshers = DefaultRefreshers(nil)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		path:       filepath.Join(dir, StoreFileName),
		legacyPath: filepath.Join(dir, LegacyFileName),
		lockOpts:   lockOpts,
		refreshers: refreshers,
		external:   opts.External,
		logger:     logger.With().Str("component", "authprofile").Logger(),
		now:        now,
	}
}

// Path returns the store file path.
func (m *Manager) Path() string { return m.path }

// LegacyPath returns the legacy store path checked during migration.
func (m *Manager) LegacyPath() string { return m.legacyPath }

func (m *Manager) nowMs() int64 { return m.now().UnixMilli() }

// LoadStore reads the store at path. A missing file yields an empty store.
// Profile entries that fail validation are dropped, not fatal.
func LoadStore(path string) (*Store, error) {
	store, _, err := loadStoreFile(path, log.Logger)
	return store, err
}

func loadStoreFile(path string, logger zerolog.Logger) (*Store, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewStore(), false, nil
		}
		return nil, false, fmt.Errorf("read auth store: %w", err)
	}
	store, err := parseStore(data, logger)
	if err != nil {
		return nil, true, err
	}
	return store, true, nil
}

type rawStore struct {
	Version    int                        `json:"version"`
	Profiles   map[string]json.RawMessage `json:"profiles"`
	LastGood   map[string]string          `json:"lastGood"`
	UsageStats map[string]*UsageStats     `json:"usageStats"`
}

func parseStore(data []byte, logger zerolog.Logger) (*Store, error) {
	var raw rawStore
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse auth store: %w", err)
	}

	store := NewStore()
	if raw.Version > 0 {
		store.Version = raw.Version
	}
	for id, entry := range raw.Profiles {
		cred, err := decodeEntry(entry)
		if err != nil {
			logger.Warn().Str("profile_id", id).Err(err).Msg("Dropping malformed auth profile entry")
			continue
		}
		store.Profiles[id] = cred
	}
	for provider, id := range raw.LastGood {
		if id != "" {
			store.LastGood[NormalizeProvider(provider)] = id
		}
	}
	for id, stats := range raw.UsageStats {
		if stats != nil {
			store.UsageStats[id] = stats
		}
	}
	return store, nil
}

func decodeEntry(entry json.RawMessage) (Credential, error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	return DecodeCredential(entry)
}

// SaveStore atomically writes store to path with 0600 permissions, creating
// the parent directory with 0700.
func SaveStore(path string, store *Store) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create auth store dir: %w", err)
	}

	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode auth store: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp auth store: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp auth store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp auth store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp auth store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp auth store: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename auth store: %w", err)
	}
	return nil
}

// mutation applies a change to the authoritative store and reports whether
// anything changed. existed is false when the store file was absent.
type mutation func(store *Store, existed bool) bool

// mutate runs fn under the store lock against a freshly read store and
// persists the result. When the lock cannot be acquired in time it applies
// fn to fallback and writes anyway: a rare double write is acceptable, a
// dropped cooldown is not.
func (m *Manager) mutate(ctx context.Context, op string, fallback *Store, fn mutation) (*Store, error) {
	ctx, span := tracing.StartSpan(ctx, "clawgate.authprofile", "authprofile."+op,
		attribute.String("store_path", m.path))
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	lock, err := AcquireFileLock(ctx, m.path, m.lockOpts)
	if err != nil {
		if !errors.Is(err, ErrLockTimeout) {
			tracing.FailSpan(span, err)
			return nil, err
		}
		observability.RecordLockTimeout()
		logger.Warn().Err(err).Str("op", op).Msg("Auth store lock timed out, writing without cross-process lock")
		span.SetAttributes(attribute.Bool("lock_degraded", true))
		return m.applyUnlocked(fallback, fn)
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to release auth store lock")
		}
	}()

	store, existed, err := loadStoreFile(m.path, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Auth store unreadable, starting from in-memory copy")
		m.backupCorrupt(logger)
		store, existed = fallback.Clone(), false
	}

	if !fn(store, existed) {
		return store, nil
	}
	if err := SaveStore(m.path, store); err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}
	return store, nil
}

func (m *Manager) applyUnlocked(fallback *Store, fn mutation) (*Store, error) {
	store := fallback.Clone()
	_, statErr := os.Stat(m.path)
	if !fn(store, statErr == nil) {
		return store, nil
	}
	if err := SaveStore(m.path, store); err != nil {
		return nil, err
	}
	return store, nil
}

func (m *Manager) backupCorrupt(logger zerolog.Logger) {
	backup := fmt.Sprintf("%s.corrupt-%d", m.path, m.nowMs())
	if err := os.Rename(m.path, backup); err == nil {
		logger.Warn().Str("backup", backup).Msg("Moved unreadable auth store aside")
	}
}

// UpdateWithLock applies fn to the authoritative store under the file lock
// and copies the result into store.
func (m *Manager) UpdateWithLock(ctx context.Context, store *Store, fn func(*Store) bool) error {
	fresh, err := m.mutate(ctx, "update", store, func(s *Store, _ bool) bool { return fn(s) })
	if err != nil {
		return err
	}
	store.replaceWith(fresh)
	return nil
}

func (s *Store) replaceWith(other *Store) {
	if s == nil || other == nil || s == other {
		return
	}
	*s = *other.Clone()
}

// EnsureStore loads the store, migrating the legacy file and merging
// external CLI credentials on the way. It writes only when something changed.
func (m *Manager) EnsureStore(ctx context.Context) (*Store, error) {
	ctx, span := tracing.StartSpan(ctx, "clawgate.authprofile", "authprofile.ensure_store")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	store, existed, err := loadStoreFile(m.path, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("Auth store unreadable, treating as empty")
		store, existed = NewStore(), true
	}

	if existed {
		scratch := store.Clone()
		if !m.SyncExternal(ctx, scratch) {
			return store, nil
		}
	}

	var migrated bool
	fresh, err := m.mutate(ctx, "ensure", store, func(s *Store, existed bool) bool {
		changed := false
		if !existed {
			if m.migrateLegacy(logger, s) {
				migrated = true
				changed = true
			}
		}
		if m.SyncExternal(ctx, s) {
			changed = true
		}
		return changed
	})
	if err != nil {
		tracing.FailSpan(span, err)
		return nil, err
	}

	if migrated {
		if err := os.Remove(m.legacyPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Str("path", m.legacyPath).Msg("Failed to remove legacy auth file")
		} else {
			logger.Info().Str("path", m.legacyPath).Msg("Migrated legacy auth file")
			observability.RecordCredentialAudit(ctx, "migrate", "", "success", map[string]interface{}{
				"profiles": len(fresh.Profiles),
			})
		}
	}
	return fresh, nil
}
