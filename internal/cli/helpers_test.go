package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/clawgate/pkg/agent"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/session"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

const (
	keyA = "sk-ant-test-key-aaaa-0001"
	keyB = "sk-ant-test-key-bbbb-0002"
)

var testNow = time.UnixMilli(1_700_000_000_000)

// resetFlags restores every flag to its default so commands sharing the
// package-level tree do not leak state between executions.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the root command with args and returns what it wrote to
// stdout.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := GetRootCmd()
	resetFlags(root)

	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	t.Cleanup(func() {
		root.SetOut(nil)
		root.SetErr(nil)
		root.SetIn(nil)
	})

	err := root.Execute()
	return out.String(), err
}

type cliEnv struct {
	dir        string
	configPath string
	storePath  string
}

// newCLIEnv writes a config rooted in a temp dir and seeds the store with
// two anthropic API key profiles.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	env := &cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "clawgate.json"),
		storePath:  filepath.Join(dir, "agent", authprofile.StoreFileName),
	}

	cfg := map[string]interface{}{
		"dataDir": dir,
		"auth":    map[string]interface{}{"disableExternal": true},
		"agents": map[string]interface{}{
			"defaultModel":   "anthropic/claude-test",
			"timeoutSeconds": 10,
		},
		"logging": map[string]interface{}{"level": "error", "pretty": false},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(env.configPath, data, 0600))

	store := authprofile.NewStore()
	store.Profiles["anthropic:a"] = authprofile.APIKeyCredential{Provider: "anthropic", Key: keyA}
	store.Profiles["anthropic:b"] = authprofile.APIKeyCredential{Provider: "anthropic", Key: keyB, Email: "b@example.com"}
	require.NoError(t, os.MkdirAll(filepath.Dir(env.storePath), 0700))
	require.NoError(t, authprofile.SaveStore(env.storePath, store))

	prevNow := now
	now = func() time.Time { return testNow }
	t.Cleanup(func() { now = prevNow })

	return env
}

func (e *cliEnv) store(t *testing.T) *authprofile.Store {
	t.Helper()
	store, err := authprofile.LoadStore(e.storePath)
	require.NoError(t, err)
	return store
}

func (e *cliEnv) transcript(t *testing.T, key string) []session.Message {
	t.Helper()
	sm, err := session.New(filepath.Join(e.dir, "sessions"))
	require.NoError(t, err)
	msgs, err := sm.Messages(t.Context(), key)
	require.NoError(t, err)
	return msgs
}

const anthropicOK = `{
  "id": "msg_01",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [{"type": "text", "text": "Hello there"}],
  "stop_reason": "end_turn",
  "stop_sequence": null,
  "usage": {"input_tokens": 3, "output_tokens": 2}
}`

const anthropicUnauthorized = `{"type": "error", "error": {"type": "authentication_error", "message": "invalid x-api-key"}}`

// fakeAnthropic answers 401 for every key in rejected and a fixed reply
// otherwise, and points newEngine at itself.
func fakeAnthropic(t *testing.T, rejected ...string) *atomic.Int32 {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		key := r.Header.Get("X-Api-Key")
		for _, k := range rejected {
			if key == k {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(anthropicUnauthorized))
				return
			}
		}
		_, _ = w.Write([]byte(anthropicOK))
	}))
	t.Cleanup(srv.Close)

	prev := newEngine
	newEngine = func(cache *session.Cache, opts agent.EngineOptions) agent.Engine {
		opts.AnthropicBaseURL = srv.URL
		return agent.NewDefaultEngines(cache, opts)
	}
	t.Cleanup(func() { newEngine = prev })
	return &calls
}
