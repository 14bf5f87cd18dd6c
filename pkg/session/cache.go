package session

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultCacheTTL is how long an opened transcript stays in memory.
const DefaultCacheTTL = 45 * time.Second

type cacheEntry struct {
	messages []Message
	loadedAt time.Time
	modTime  time.Time
	size     int64
}

// Cache keeps recently opened transcripts in memory so back-to-back runs on
// one session do not re-parse the file. An entry is served only while it is
// younger than the TTL and the file on disk is unchanged. The cache is
// process-local.
type Cache struct {
	manager *SessionManager
	ttl     time.Duration
	now     func() time.Time

	keys    *keyedMutex
	mu      sync.Mutex
	entries map[string]*cacheEntry

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCache wraps manager with a TTL cache and starts its sweeper. A
// non-positive ttl uses DefaultCacheTTL.
func NewCache(manager *SessionManager, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		manager: manager,
		ttl:     ttl,
		now:     time.Now,
		keys:    newKeyedMutex(),
		entries: make(map[string]*cacheEntry),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.sweep(ctx)
	return c
}

// Manager returns the underlying transcript store.
func (c *Cache) Manager() *SessionManager { return c.manager }

// Stop halts the background sweeper.
func (c *Cache) Stop() {
	c.cancel()
	<-c.done
}

// Load returns the messages of sessionKey, from memory when fresh.
func (c *Cache) Load(ctx context.Context, sessionKey string) ([]Message, error) {
	unlock := c.keys.Lock(sessionKey)
	defer unlock()

	if msgs, ok := c.lookup(sessionKey); ok {
		observability.RecordSessionCacheLookup(true)
		return msgs, nil
	}
	observability.RecordSessionCacheLookup(false)

	msgs, err := c.manager.Messages(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	c.store(sessionKey, msgs)
	return cloneMessages(msgs), nil
}

// Append writes messages through to disk and updates the cached copy.
func (c *Cache) Append(ctx context.Context, sessionKey string, messages ...Message) error {
	unlock := c.keys.Lock(sessionKey)
	defer unlock()

	messages = cloneMessages(messages)
	for i := range messages {
		if messages[i].Timestamp.IsZero() {
			messages[i].Timestamp = c.now()
		}
	}
	if err := c.manager.AppendMessages(ctx, sessionKey, messages...); err != nil {
		c.Invalidate(sessionKey)
		return err
	}

	c.mu.Lock()
	entry, ok := c.entries[sessionKey]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	// The entry was fresh when loaded; extend it rather than re-reading.
	updated := append(cloneMessages(entry.messages), messages...)
	c.store(sessionKey, updated)
	return nil
}

// Replace rewrites a transcript and caches the new contents.
func (c *Cache) Replace(ctx context.Context, sessionKey string, messages []Message) error {
	unlock := c.keys.Lock(sessionKey)
	defer unlock()

	if err := c.manager.ReplaceSession(ctx, sessionKey, messages); err != nil {
		c.Invalidate(sessionKey)
		return err
	}
	c.store(sessionKey, cloneMessages(messages))
	return nil
}

// Invalidate drops the cached copy of sessionKey.
func (c *Cache) Invalidate(sessionKey string) {
	c.mu.Lock()
	delete(c.entries, sessionKey)
	c.mu.Unlock()
}

// Len returns the number of cached transcripts.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(sessionKey string) ([]Message, bool) {
	c.mu.Lock()
	entry, ok := c.entries[sessionKey]
	c.mu.Unlock()
	if !ok || c.now().Sub(entry.loadedAt) >= c.ttl {
		return nil, false
	}

	stat, err := os.Stat(c.manager.SessionPath(sessionKey))
	switch {
	case err != nil && os.IsNotExist(err):
		if entry.size != 0 || !entry.modTime.IsZero() {
			return nil, false
		}
	case err != nil:
		return nil, false
	case !stat.ModTime().Equal(entry.modTime) || stat.Size() != entry.size:
		return nil, false
	}
	return cloneMessages(entry.messages), true
}

func (c *Cache) store(sessionKey string, messages []Message) {
	entry := &cacheEntry{messages: messages, loadedAt: c.now()}
	if stat, err := os.Stat(c.manager.SessionPath(sessionKey)); err == nil {
		entry.modTime = stat.ModTime()
		entry.size = stat.Size()
	}
	c.mu.Lock()
	c.entries[sessionKey] = entry
	c.mu.Unlock()
}

func (c *Cache) prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.loadedAt) >= c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *Cache) sweep(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.prune(); n > 0 {
				log.Debug().Int("evicted", n).Msg("Session cache pruned")
			}
		}
	}
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
