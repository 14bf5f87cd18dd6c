package authprofile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SyncExternalAndPersist runs SyncExternal against the authoritative store
// under the lock and writes the result when anything changed.
func (m *Manager) SyncExternalAndPersist(ctx context.Context, store *Store) (bool, error) {
	var changed bool
	fresh, err := m.mutate(ctx, "sync_external", store, func(s *Store, _ bool) bool {
		changed = m.SyncExternal(ctx, s)
		return changed
	})
	if err != nil {
		return false, err
	}
	if store != nil {
		store.replaceWith(fresh)
	}
	return changed, nil
}

// ExternalWatcher re-syncs external CLI credentials when their files change.
type ExternalWatcher struct {
	manager   *Manager
	watcher   *fsnotify.Watcher
	files     map[string]struct{}
	debounce  time.Duration
	logger    zerolog.Logger
	onSync    func(changed bool, err error)
	done      chan struct{}
	stopOnce  sync.Once
	timerMu   sync.Mutex
	timer     *time.Timer
	wg        sync.WaitGroup
	parentCtx context.Context
}

// ExternalWatcherConfig configures an ExternalWatcher.
type ExternalWatcherConfig struct {
	Debounce time.Duration
	// OnSync is called after every sync triggered by a file event.
	OnSync func(changed bool, err error)
}

// NewExternalWatcher creates a watcher over the manager's external
// credential files. Call Start to begin watching.
func NewExternalWatcher(m *Manager, cfg ExternalWatcherConfig) (*ExternalWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 250 * time.Millisecond
	}

	files := make(map[string]struct{})
	for _, p := range m.external.WatchPaths() {
		files[filepath.Clean(p)] = struct{}{}
	}

	return &ExternalWatcher{
		manager:  m,
		watcher:  w,
		files:    files,
		debounce: cfg.Debounce,
		logger:   m.logger.With().Str("component", "external-watcher").Logger(),
		onSync:   cfg.OnSync,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the parent directories of the external files. Directories
// that do not exist yet are skipped.
func (w *ExternalWatcher) Start(ctx context.Context) error {
	w.parentCtx = ctx
	watched := 0
	dirs := make(map[string]struct{})
	for p := range w.files {
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		watched++
	}

	w.wg.Add(1)
	go w.eventLoop()

	w.logger.Info().Int("dirs", watched).Msg("External credential watcher started")
	return nil
}

// Stop stops the watcher and waits for in-flight syncs.
func (w *ExternalWatcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.timerMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timerMu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *ExternalWatcher) eventLoop() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if _, tracked := w.files[filepath.Clean(event.Name)]; !tracked {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of writes into one sync.
func (w *ExternalWatcher) schedule() {
	w.timerMu.Lock()
	defer w.timerMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		ctx := w.parentCtx
		if ctx == nil {
			ctx = context.Background()
		}
		changed, err := w.manager.SyncExternalAndPersist(ctx, nil)
		if err != nil {
			w.logger.Warn().Err(err).Msg("External credential sync failed")
		}
		if w.onSync != nil {
			w.onSync(changed, err)
		}
	})
}
