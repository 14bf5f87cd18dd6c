package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	archivedPrefix = "archived_"

	DefaultRetention  = 7 * 24 * time.Hour
	DefaultMaxEntries = 500
)

// MaintenanceConfig controls transcript housekeeping.
type MaintenanceConfig struct {
	// Schedule is a cron expression or descriptor. Defaults to "@every 1h".
	Schedule string
	// ArchiveAfter archives transcripts idle for this long. Zero disables
	// archiving.
	ArchiveAfter time.Duration
	// Retention deletes archived transcripts older than this.
	Retention time.Duration
	// MaxEntries trims live transcripts to their newest entries. Zero
	// disables trimming.
	MaxEntries int
	// IsActive reports sessions that must not be touched, such as those
	// with a run in flight.
	IsActive func(sessionKey string) bool
}

// MaintenanceReport summarizes one housekeeping pass.
type MaintenanceReport struct {
	Archived []string
	Deleted  []string
	Trimmed  []string
}

// Janitor archives idle transcripts, trims oversized ones and deletes
// expired archives on a schedule.
type Janitor struct {
	manager *SessionManager
	cfg     MaintenanceConfig
	cron    *cron.Cron
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// IsArchived reports whether sessionKey names an archived transcript.
func IsArchived(sessionKey string) bool {
	return strings.HasPrefix(sessionKey, archivedPrefix)
}

// NewJanitor validates cfg and returns a stopped Janitor.
func NewJanitor(manager *SessionManager, cfg MaintenanceConfig) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.MaxEntries < 0 {
		cfg.MaxEntries = 0
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", cfg.Schedule, err)
	}

	return &Janitor{
		manager: manager,
		cfg:     cfg,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		now: time.Now,
	}, nil
}

// Start schedules housekeeping until Stop is called or ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return errors.New("session janitor is already running")
	}

	if _, err := j.cron.AddFunc(j.cfg.Schedule, func() {
		if _, err := j.RunOnce(ctx); err != nil {
			log.Error().Err(err).Msg("Session maintenance failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule session maintenance: %w", err)
	}
	j.cron.Start()
	j.running = true

	go func() {
		<-ctx.Done()
		j.Stop()
	}()

	log.Info().
		Str("schedule", j.cfg.Schedule).
		Dur("archive_after", j.cfg.ArchiveAfter).
		Dur("retention", j.cfg.Retention).
		Msg("Session janitor started")
	return nil
}

// Stop halts scheduling and waits for a running pass.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()
	<-j.cron.Stop().Done()
}

// RunOnce performs one housekeeping pass. Per-session failures are logged
// and skipped.
func (j *Janitor) RunOnce(ctx context.Context) (MaintenanceReport, error) {
	var report MaintenanceReport
	sessions, err := j.manager.ListSessions()
	if err != nil {
		return report, err
	}

	now := j.now()
	for _, key := range sessions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if j.cfg.IsActive != nil && j.cfg.IsActive(key) {
			continue
		}

		stat, err := os.Stat(j.manager.SessionPath(key))
		if err != nil {
			continue
		}
		age := now.Sub(stat.ModTime())

		if IsArchived(key) {
			if age >= j.cfg.Retention {
				if err := j.manager.DeleteSession(ctx, key); err != nil {
					log.Warn().Str("session_key", key).Err(err).Msg("Failed to delete archived session")
					continue
				}
				report.Deleted = append(report.Deleted, key)
			}
			continue
		}

		if j.cfg.ArchiveAfter > 0 && age >= j.cfg.ArchiveAfter {
			if err := j.archive(key); err != nil {
				log.Warn().Str("session_key", key).Err(err).Msg("Failed to archive session")
				continue
			}
			report.Archived = append(report.Archived, key)
			continue
		}

		trimmed, err := j.trim(ctx, key)
		if err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("Failed to trim session")
			continue
		}
		if trimmed {
			report.Trimmed = append(report.Trimmed, key)
		}
	}

	if len(report.Archived)+len(report.Deleted)+len(report.Trimmed) > 0 {
		log.Info().
			Int("archived", len(report.Archived)).
			Int("deleted", len(report.Deleted)).
			Int("trimmed", len(report.Trimmed)).
			Msg("Session maintenance finished")
	}
	return report, nil
}

// ArchiveNow archives one transcript immediately.
func (j *Janitor) ArchiveNow(sessionKey string) error {
	if IsArchived(sessionKey) {
		return fmt.Errorf("session %q is already archived", sessionKey)
	}
	if err := ValidateSessionKey(sessionKey); err != nil {
		return err
	}
	return j.archive(sessionKey)
}

func (j *Janitor) archive(sessionKey string) error {
	lock := j.manager.writeLock(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	archivedKey := fmt.Sprintf("%s%s-%d", archivedPrefix, sessionKey, j.now().Unix())
	if err := os.Rename(j.manager.SessionPath(sessionKey), j.manager.SessionPath(archivedKey)); err != nil {
		return err
	}
	log.Debug().Str("session_key", sessionKey).Str("archived_key", archivedKey).Msg("Session archived")
	return nil
}

func (j *Janitor) trim(ctx context.Context, sessionKey string) (bool, error) {
	if j.cfg.MaxEntries <= 0 {
		return false, nil
	}
	messages, err := j.manager.Messages(ctx, sessionKey)
	if err != nil {
		return false, err
	}
	if len(messages) <= j.cfg.MaxEntries {
		return false, nil
	}
	kept := messages[len(messages)-j.cfg.MaxEntries:]
	if err := j.manager.ReplaceSession(ctx, sessionKey, kept); err != nil {
		return false, err
	}
	log.Debug().
		Str("session_key", sessionKey).
		Int("from_entries", len(messages)).
		Int("to_entries", len(kept)).
		Msg("Session trimmed")
	return true, nil
}
