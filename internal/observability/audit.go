package observability

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harun/clawgate/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is one line of the audit log. Metadata must never carry key
// material.
type AuditEvent struct {
	Type      string
	Timestamp time.Time
	Actor     string // session key or profile id
	Action    string // cooldown, good, refresh, sync, migrate, clear, run...
	Status    string
	Metadata  map[string]interface{}
}

// AuditLogger appends audit events to a JSON-lines file.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	file   *os.File
}

var (
	auditMu   sync.RWMutex
	auditInst = &AuditLogger{logger: zerolog.Nop()}
)

// GetAuditLogger returns the process audit logger. It discards events until
// InitAuditLogger is called.
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// InitAuditLogger points the process audit logger at path, closing the
// previous file if any. The file is 0600 since it names credential profiles.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}

	auditMu.Lock()
	prev := auditInst
	auditInst = &AuditLogger{
		logger: zerolog.New(file),
		file:   file,
	}
	auditMu.Unlock()
	return prev.Close()
}

// Record writes event with the run and trace ids found on ctx. When ctx
// carries a recording span the event is also attached to it.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	traceID := tracing.GetTraceID(ctx)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		if traceID == "" {
			traceID = span.SpanContext().TraceID().String()
		}
		span.AddEvent("audit."+event.Action, trace.WithAttributes(
			attribute.String("audit.type", event.Type),
			attribute.String("audit.actor", event.Actor),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Time("timestamp", event.Timestamp).
		Str("type", event.Type).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("status", event.Status)
	if traceID != "" {
		entry = entry.Str("trace_id", traceID)
	}
	if runID := tracing.GetRunID(ctx); runID != "" {
		entry = entry.Str("run_id", runID)
	}
	if len(event.Metadata) > 0 {
		entry = entry.Interface("metadata", event.Metadata)
	}
	entry.Send()
}

// Close closes the underlying file. Safe to call on the discard logger.
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	a.logger = zerolog.Nop()
	return err
}

// RecordCredentialAudit records a change to the auth profile store.
func RecordCredentialAudit(ctx context.Context, action, profileID, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "credential",
		Actor:    profileID,
		Action:   action,
		Status:   status,
		Metadata: metadata,
	})
}

// RecordRunAudit records the terminal state of an agent run or compaction.
func RecordRunAudit(ctx context.Context, sessionKey, status string, metadata map[string]interface{}) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Type:     "agent_run",
		Actor:    sessionKey,
		Action:   "run",
		Status:   status,
		Metadata: metadata,
	})
}
