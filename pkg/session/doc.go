// Package session persists agent transcripts as JSONL files, one per
// session key.
//
// Invariants:
//   - Session keys are validated and path-safe.
//   - Writes for the same session are serialized; rewrites are atomic.
//   - Corrupt lines are skipped on load and removed by RepairSession.
//
// Cache keeps recently opened transcripts in memory for a short TTL, and
// Janitor archives, trims and expires transcripts on a cron schedule.
package session
