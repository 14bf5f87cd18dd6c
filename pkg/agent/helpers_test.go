package agent

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/commandqueue"
	"github.com/harun/clawgate/pkg/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testNow = time.UnixMilli(1_700_000_000_000)

const (
	keyOAuth = "oauth-access-token-0001"
	keyA     = "sk-test-key-aaaa-0002"
	keyQ     = "sk-test-key-qqqq-0003"
)

type respondFunc func(ctx context.Context, p OpenParams, prompt string, s *fakeSession) (*AssistantMessage, error)

// fakeEngine hands out fakeSessions whose replies come from respond.
type fakeEngine struct {
	respond respondFunc
	compact func(ctx context.Context, p OpenParams) (*CompactResult, error)

	mu    sync.Mutex
	opens []OpenParams
}

func (e *fakeEngine) Open(_ context.Context, p OpenParams) (Session, error) {
	e.mu.Lock()
	e.opens = append(e.opens, p)
	e.mu.Unlock()
	return &fakeSession{engine: e, params: p, steered: make(chan string, 8)}, nil
}

func (e *fakeEngine) opened() []OpenParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]OpenParams(nil), e.opens...)
}

func (e *fakeEngine) keys() []string {
	var keys []string
	for _, p := range e.opened() {
		keys = append(keys, p.APIKey)
	}
	return keys
}

type fakeSession struct {
	engine    *fakeEngine
	params    OpenParams
	streaming atomic.Bool
	aborted   atomic.Bool
	steered   chan string
}

func (s *fakeSession) Prompt(ctx context.Context, text string, _ func(Event)) (*AssistantMessage, error) {
	s.streaming.Store(true)
	defer s.streaming.Store(false)
	return s.engine.respond(ctx, s.params, text, s)
}

func (s *fakeSession) Abort() { s.aborted.Store(true) }

func (s *fakeSession) Steer(text string) error {
	if !s.streaming.Load() {
		return ErrNotStreaming
	}
	s.steered <- text
	return nil
}

func (s *fakeSession) ReplaceMessages([]session.Message) error { return nil }

func (s *fakeSession) Compact(ctx context.Context) (*CompactResult, error) {
	if s.engine.compact != nil {
		return s.engine.compact(ctx, s.params)
	}
	return &CompactResult{Compacted: true}, nil
}

func (s *fakeSession) IsStreaming() bool { return s.streaming.Load() }

func (s *fakeSession) Dispose() error { return nil }

func reply(text string) *AssistantMessage {
	return &AssistantMessage{StopReason: "end_turn", Text: text, Usage: Usage{InputTokens: 10, OutputTokens: 5}}
}

func succeed(text string) respondFunc {
	return func(context.Context, OpenParams, string, *fakeSession) (*AssistantMessage, error) {
		return reply(text), nil
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type testEnv struct {
	runner  *Runner
	manager *authprofile.Manager
	engine  *fakeEngine
}

func (e *testEnv) store(t *testing.T) *authprofile.Store {
	t.Helper()
	store, err := authprofile.LoadStore(e.manager.Path())
	require.NoError(t, err)
	return store
}

// newTestEnv builds a runner over a store holding p:oauth1, p:a and q:a.
func newTestEnv(t *testing.T, engine *fakeEngine, opts ...func(*Config)) *testEnv {
	t.Helper()
	return newTestEnvWithLog(t, engine, io.Discard, opts...)
}

func newTestEnvWithLog(t *testing.T, engine *fakeEngine, w io.Writer, opts ...func(*Config)) *testEnv {
	t.Helper()
	logger := zerolog.New(w).Level(zerolog.WarnLevel)
	clock := func() time.Time { return testNow }

	manager := authprofile.NewManager(authprofile.ManagerOptions{
		AgentDir: t.TempDir(),
		Lock: authprofile.LockOptions{
			Retries:    3,
			Factor:     2,
			MinTimeout: 5 * time.Millisecond,
			MaxTimeout: 20 * time.Millisecond,
			Stale:      30 * time.Second,
		},
		Refreshers: authprofile.NewRefresherRegistry(),
		External:   authprofile.ExternalOptions{Disabled: true},
		Logger:     &logger,
		Now:        clock,
	})

	store := authprofile.NewStore()
	store.Profiles["p:oauth1"] = authprofile.OAuthCredential{
		Provider: "p",
		Access:   keyOAuth,
		Refresh:  "refresh-token-0001",
		Expires:  testNow.UnixMilli() + 3_600_000,
	}
	store.Profiles["p:a"] = authprofile.APIKeyCredential{Provider: "p", Key: keyA}
	store.Profiles["q:a"] = authprofile.APIKeyCredential{Provider: "q", Key: keyQ}
	require.NoError(t, authprofile.SaveStore(manager.Path(), store))

	queue := commandqueue.New(commandqueue.Config{GlobalConcurrency: 4})
	t.Cleanup(func() { _ = queue.Close() })

	cfg := Config{
		Auth:         manager,
		Queue:        queue,
		Engine:       engine,
		DefaultModel: ModelRef{Provider: "p", Model: "m1"},
		Logger:       &logger,
		Now:          clock,
	}
	for _, o := range opts {
		o(&cfg)
	}
	runner, err := NewRunner(cfg)
	require.NoError(t, err)
	return &testEnv{runner: runner, manager: manager, engine: engine}
}
