package authprofile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// SweeperConfig configures background OAuth refresh.
type SweeperConfig struct {
	// Schedule is a cron expression or descriptor. Defaults to "@every 5m".
	Schedule string
	// Lead refreshes credentials that expire within this window.
	Lead time.Duration
}

// SweepResult lists the profiles touched by one sweep.
type SweepResult struct {
	Refreshed []string
	Failed    map[string]error
}

// RefreshSweeper periodically refreshes OAuth profiles that are about to
// expire, so interactive requests rarely pay for a refresh.
type RefreshSweeper struct {
	manager  *Manager
	schedule string
	lead     time.Duration
	cron     *cron.Cron
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
}

// NewRefreshSweeper validates the schedule and returns a stopped sweeper.
func NewRefreshSweeper(m *Manager, cfg SweeperConfig) (*RefreshSweeper, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.Lead <= 0 {
		cfg.Lead = 10 * time.Minute
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", cfg.Schedule, err)
	}

	return &RefreshSweeper{
		manager:  m,
		schedule: cfg.Schedule,
		lead:     cfg.Lead,
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		logger: m.logger.With().Str("component", "refresh-sweeper").Logger(),
	}, nil
}

// Start schedules sweeps until Stop is called or ctx is done.
func (s *RefreshSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		res := s.Sweep(ctx)
		if len(res.Refreshed) > 0 || len(res.Failed) > 0 {
			s.logger.Info().
				Strs("refreshed", res.Refreshed).
				Int("failed", len(res.Failed)).
				Msg("OAuth refresh sweep finished")
		}
	}); err != nil {
		return fmt.Errorf("schedule refresh sweep: %w", err)
	}
	s.cron.Start()
	s.running = true

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.logger.Info().Str("schedule", s.schedule).Dur("lead", s.lead).Msg("OAuth refresh sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *RefreshSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
}

// Sweep refreshes every OAuth profile expiring within the lead window.
func (s *RefreshSweeper) Sweep(ctx context.Context) SweepResult {
	res := SweepResult{Failed: make(map[string]error)}

	store, _, err := loadStoreFile(s.manager.path, s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Refresh sweep could not read auth store")
		return res
	}

	deadline := s.manager.nowMs() + s.lead.Milliseconds()
	var due []string
	for id, cred := range store.Profiles {
		oauth, ok := cred.(OAuthCredential)
		if !ok || oauth.Refresh == "" {
			continue
		}
		if s.manager.refreshers.Get(oauth.Provider) == nil {
			continue
		}
		if oauth.Expires > deadline {
			continue
		}
		due = append(due, id)
	}
	sort.Strings(due)

	for _, id := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.manager.RefreshProfile(ctx, store, id, s.lead); err != nil {
			res.Failed[id] = err
			continue
		}
		res.Refreshed = append(res.Refreshed, id)
	}
	return res
}
