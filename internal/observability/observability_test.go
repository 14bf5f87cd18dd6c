package observability

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/clawgate/internal/tracing"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecorders(t *testing.T) {
	EnsureRegistered()
	m := getMetrics()

	t.Run("should count lock timeouts", func(t *testing.T) {
		before := testutil.ToFloat64(m.lockTimeouts)
		RecordLockTimeout()
		assert.Equal(t, before+1, testutil.ToFloat64(m.lockTimeouts))
	})

	t.Run("should track profile cooldown state", func(t *testing.T) {
		SetProfileCooldown("p:test", true)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.profileCooldown.WithLabelValues("p:test")))
		SetProfileCooldown("p:test", false)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.profileCooldown.WithLabelValues("p:test")))
	})

	t.Run("should label attempts by outcome", func(t *testing.T) {
		RecordAgentAttempt("anthropic", "rate_limited")
		assert.GreaterOrEqual(t, testutil.ToFloat64(m.agentAttempts.WithLabelValues("anthropic", "rate_limited")), 1.0)
	})

	t.Run("should set queue size on completion", func(t *testing.T) {
		RecordQueueEnqueue("session:x", 3)
		RecordQueueCompletion("session:x", 10*time.Millisecond, true, 2)
		assert.Equal(t, 2.0, testutil.ToFloat64(m.queueSize.WithLabelValues("session:x")))
	})
}

func TestAuditLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	require.NoError(t, InitAuditLogger(path))
	t.Cleanup(func() { _ = GetAuditLogger().Close() })

	ctx := tracing.WithRunID(tracing.WithTraceID(context.Background(), "trace-1"), "run-1")
	RecordCredentialAudit(ctx, "cooldown", "anthropic:work", "success", map[string]interface{}{
		"errorCount": 2,
	})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, `"type":"credential"`)
	assert.Contains(t, line, `"actor":"anthropic:work"`)
	assert.Contains(t, line, `"action":"cooldown"`)
	assert.Contains(t, line, `"trace_id":"trace-1"`)
	assert.Contains(t, line, `"run_id":"run-1"`)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestAuditLoggerReopen(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.jsonl")
	second := filepath.Join(dir, "second.jsonl")
	require.NoError(t, InitAuditLogger(first))
	require.NoError(t, InitAuditLogger(second))
	t.Cleanup(func() { _ = GetAuditLogger().Close() })

	RecordRunAudit(context.Background(), "main", "success", nil)

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	assert.Empty(t, data)

	data, err = os.ReadFile(second)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type":"agent_run"`)
	assert.NotContains(t, string(data), "metadata")
}
