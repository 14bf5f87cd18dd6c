package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const fileExt = ".jsonl"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	// RoleSummary marks a compaction summary that stands in for older turns.
	RoleSummary = "summary"
)

// ErrInvalidSessionKey is returned for keys that are empty or not path-safe.
var ErrInvalidSessionKey = errors.New("invalid session key")

// Message represents a single conversation turn
type Message struct {
	Role      string                 `json:"role"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Provider  string                 `json:"provider,omitempty"`
	Model     string                 `json:"model,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// SessionEntry is one JSONL line: a message tagged with its session key.
type SessionEntry struct {
	SessionKey string  `json:"sessionKey"`
	Message    Message `json:"message"`
}

// Info describes a transcript file.
type Info struct {
	SessionKey   string    `json:"sessionKey"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	MessageCount int       `json:"messageCount"`
}

// SessionManager manages conversation persistence using JSONL format
type SessionManager struct {
	sessionsDir string
	writeLocks  map[string]*sync.Mutex
	locksMu     sync.Mutex
}

// New creates a SessionManager rooted at sessionsDir, defaulting to
// ~/.clawgate/sessions.
func New(sessionsDir string) (*SessionManager, error) {
	observability.EnsureRegistered()

	if sessionsDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		sessionsDir = filepath.Join(homeDir, ".clawgate", "sessions")
	}

	if err := os.MkdirAll(sessionsDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	log.Debug().Str("dir", sessionsDir).Msg("Session manager initialized")
	return &SessionManager{
		sessionsDir: sessionsDir,
		writeLocks:  make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the directory holding transcript files.
func (sm *SessionManager) Dir() string { return sm.sessionsDir }

// ValidateSessionKey rejects keys that could escape the sessions directory.
func ValidateSessionKey(sessionKey string) error {
	switch {
	case strings.TrimSpace(sessionKey) == "":
		return fmt.Errorf("%w: empty", ErrInvalidSessionKey)
	case strings.Contains(sessionKey, ".."):
		return fmt.Errorf("%w: contains '..'", ErrInvalidSessionKey)
	case strings.ContainsAny(sessionKey, "/\\"):
		return fmt.Errorf("%w: contains path separators", ErrInvalidSessionKey)
	case strings.Contains(sessionKey, "\x00"):
		return fmt.Errorf("%w: contains null bytes", ErrInvalidSessionKey)
	}
	return nil
}

// SessionPath returns the transcript file for sessionKey.
func (sm *SessionManager) SessionPath(sessionKey string) string {
	return filepath.Join(sm.sessionsDir, sessionKey+fileExt)
}

func (sm *SessionManager) writeLock(sessionKey string) *sync.Mutex {
	sm.locksMu.Lock()
	defer sm.locksMu.Unlock()

	if lock, exists := sm.writeLocks[sessionKey]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	sm.writeLocks[sessionKey] = lock
	return lock
}

func (sm *SessionManager) span(ctx context.Context, op, sessionKey string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = tracing.WithSessionKey(ctx, sessionKey)
	attrs = append(attrs, attribute.String("session_key", sessionKey))
	ctx, span := tracing.StartSpan(ctx, "clawgate.session", "session."+op, attrs...)
	return ctx, func(err error) {
		if err != nil {
			tracing.FailSpan(span, err)
		}
		span.End()
	}
}

// CreateSession creates an empty transcript if none exists.
func (sm *SessionManager) CreateSession(ctx context.Context, sessionKey string) (err error) {
	ctx, end := sm.span(ctx, "create", sessionKey)
	defer func() { end(err) }()

	if err := ValidateSessionKey(sessionKey); err != nil {
		return err
	}

	file, err := os.OpenFile(sm.SessionPath(sessionKey), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to create session file: %w", err)
	}
	file.Close()

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Msg("Session created")
	return nil
}

// AppendMessages appends messages to a transcript with a single fsync,
// creating the file when needed.
func (sm *SessionManager) AppendMessages(ctx context.Context, sessionKey string, messages ...Message) (err error) {
	ctx, end := sm.span(ctx, "append_messages", sessionKey, attribute.Int("count", len(messages)))
	defer func() { end(err) }()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateSessionKey(sessionKey); err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}

	var buf []byte
	for _, message := range messages {
		if message.Role == "" {
			return fmt.Errorf("message role cannot be empty")
		}
		if message.Content == "" {
			return fmt.Errorf("message content cannot be empty")
		}
		if message.Timestamp.IsZero() {
			message.Timestamp = time.Now()
		}
		data, err := json.Marshal(SessionEntry{SessionKey: sessionKey, Message: message})
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.OpenFile(sm.SessionPath(sessionKey), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Int("messages", len(messages)).
		Msg("Messages appended")
	return nil
}

// LoadSession reads every valid entry of a transcript. Corrupt lines are
// skipped with a warning; RepairSession drops them from disk. A missing
// transcript yields no entries.
func (sm *SessionManager) LoadSession(ctx context.Context, sessionKey string) (entries []SessionEntry, err error) {
	entries, _, err = sm.load(ctx, sessionKey)
	return entries, err
}

// Messages returns the messages of a transcript in order.
func (sm *SessionManager) Messages(ctx context.Context, sessionKey string) ([]Message, error) {
	entries, err := sm.LoadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	messages := make([]Message, len(entries))
	for i, e := range entries {
		messages[i] = e.Message
	}
	return messages, nil
}

func (sm *SessionManager) load(ctx context.Context, sessionKey string) (entries []SessionEntry, dropped int, err error) {
	ctx, end := sm.span(ctx, "load", sessionKey)
	defer func() { end(err) }()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := ValidateSessionKey(sessionKey); err != nil {
		return nil, 0, err
	}

	file, err := os.Open(sm.SessionPath(sessionKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []SessionEntry{}, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	entries = []SessionEntry{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry SessionEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			dropped++
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			dropped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, dropped, fmt.Errorf("failed to read session file: %w", err)
	}
	return entries, dropped, nil
}

// ReplaceSession atomically rewrites a transcript with messages.
func (sm *SessionManager) ReplaceSession(ctx context.Context, sessionKey string, messages []Message) (err error) {
	ctx, end := sm.span(ctx, "replace", sessionKey, attribute.Int("count", len(messages)))
	defer func() { end(err) }()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateSessionKey(sessionKey); err != nil {
		return err
	}

	entries := make([]SessionEntry, len(messages))
	for i, m := range messages {
		if m.Timestamp.IsZero() {
			m.Timestamp = time.Now()
		}
		entries[i] = SessionEntry{SessionKey: sessionKey, Message: m}
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := sm.rewrite(sessionKey, entries); err != nil {
		return err
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().Int("messages", len(messages)).Msg("Session replaced")
	return nil
}

// rewrite replaces the transcript file via temp file and rename. Caller
// holds the session write lock.
func (sm *SessionManager) rewrite(sessionKey string, entries []SessionEntry) error {
	sessionPath := sm.SessionPath(sessionKey)
	file, err := os.CreateTemp(sm.sessionsDir, "."+filepath.Base(sessionPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := file.Name()
	fail := func(err error) error {
		file.Close()
		os.Remove(tempPath)
		return err
	}

	if err := file.Chmod(0600); err != nil {
		return fail(fmt.Errorf("failed to chmod temp file: %w", err))
	}
	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, entry := range entries {
		if err := enc.Encode(entry); err != nil {
			return fail(fmt.Errorf("failed to write entry: %w", err))
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("failed to flush entries: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync file: %w", err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, sessionPath); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

// DeleteSession removes a transcript. Deleting a missing one is not an error.
func (sm *SessionManager) DeleteSession(ctx context.Context, sessionKey string) (err error) {
	ctx, end := sm.span(ctx, "delete", sessionKey)
	defer func() { end(err) }()

	if err := ValidateSessionKey(sessionKey); err != nil {
		return err
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(sm.SessionPath(sessionKey)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().Msg("Session deleted")
	return nil
}

// ListSessions lists session keys, sorted.
func (sm *SessionManager) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(sm.sessionsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	sessions := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		sessions = append(sessions, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(sessions)
	return sessions, nil
}

// RepairSession rewrites a transcript without its corrupt lines and
// returns how many were dropped. A clean transcript is left untouched.
func (sm *SessionManager) RepairSession(ctx context.Context, sessionKey string) (int, error) {
	entries, dropped, err := sm.load(ctx, sessionKey)
	if err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	lock := sm.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	if err := sm.rewrite(sessionKey, entries); err != nil {
		return 0, err
	}
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Info().
		Str("session_key", sessionKey).
		Int("entries", len(entries)).
		Int("dropped", dropped).
		Msg("Session repaired")
	return dropped, nil
}

// GetSessionInfo returns metadata about a transcript.
func (sm *SessionManager) GetSessionInfo(ctx context.Context, sessionKey string) (*Info, error) {
	if err := ValidateSessionKey(sessionKey); err != nil {
		return nil, err
	}

	stat, err := os.Stat(sm.SessionPath(sessionKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("session %q does not exist", sessionKey)
		}
		return nil, fmt.Errorf("failed to stat session file: %w", err)
	}

	entries, err := sm.LoadSession(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	return &Info{
		SessionKey:   sessionKey,
		Size:         stat.Size(),
		LastModified: stat.ModTime(),
		MessageCount: len(entries),
	}, nil
}
