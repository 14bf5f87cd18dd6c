package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/harun/clawgate/internal/config"
	"github.com/harun/clawgate/internal/logger"
	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/agent"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/commandqueue"
	"github.com/harun/clawgate/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// newEngine builds the provider engines for agent runs. Tests swap it for a
// fake.
var newEngine = func(cache *session.Cache, opts agent.EngineOptions) agent.Engine {
	return agent.NewDefaultEngines(cache, opts)
}

// now is the clock handed to the store and runner.
var now = time.Now

// app is the wiring shared by every command: config, logging and the
// credential store, plus the agent runner for commands that need one.
type app struct {
	cfg     *config.Config
	log     *logger.Logger
	manager *authprofile.Manager

	sessions *session.SessionManager
	cache    *session.Cache
	queue    *commandqueue.CommandQueue
	runner   *agent.Runner
}

func loadApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Output:    cmd.ErrOrStderr(),
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := tracing.InitOpenTelemetry(tracing.Config{
		ServiceName: "clawgate",
		SampleRatio: cfg.Telemetry.SampleRatio,
		Exporter:    cfg.Telemetry.Exporter,
		Writer:      cmd.ErrOrStderr(),
	}); err != nil {
		lg.Warn().Err(err).Msg("Tracing disabled")
	}
	if cfg.Telemetry.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Telemetry.AuditFile); err != nil {
			lg.Warn().Err(err).Str("path", cfg.Telemetry.AuditFile).Msg("Audit log disabled")
		}
	}

	lock := authprofile.DefaultLockOptions()
	if cfg.Auth.LockStaleMs > 0 {
		lock.Stale = time.Duration(cfg.Auth.LockStaleMs) * time.Millisecond
	}

	manager := authprofile.NewManager(authprofile.ManagerOptions{
		AgentDir:   cfg.Auth.StoreDir,
		Lock:       lock,
		Refreshers: authprofile.DefaultRefreshers(nil),
		External: authprofile.ExternalOptions{
			AllowKeychain: cfg.Auth.AllowKeychain,
			Disabled:      cfg.Auth.DisableExternal,
		},
		Logger: lg.Zerolog(),
		Now:    now,
	})

	return &app{cfg: cfg, log: lg, manager: manager}, nil
}

// logger returns the zerolog logger commands log through.
func (a *app) logger() zerolog.Logger {
	return *a.log.Zerolog()
}

// withRunner builds the transcript store, lanes and engines behind
// RunEmbeddedAgent and CompactSession.
func (a *app) withRunner() error {
	if a.runner != nil {
		return nil
	}

	sessions, err := session.New(a.cfg.Agents.SessionsDir)
	if err != nil {
		return err
	}
	cache := session.NewCache(sessions, a.cfg.SessionCacheTTL())

	queue := commandqueue.New(commandqueue.Config{GlobalConcurrency: a.cfg.Agents.MaxConcurrent})

	primary, err := agent.ParseModelRef(a.cfg.Agents.DefaultModel)
	if err != nil {
		cache.Stop()
		_ = queue.Close()
		return err
	}
	var fallbacks []agent.ModelRef
	for _, m := range a.cfg.Agents.FallbackModels {
		ref, err := agent.ParseModelRef(m)
		if err != nil {
			cache.Stop()
			_ = queue.Close()
			return err
		}
		fallbacks = append(fallbacks, ref)
	}
	thinking, _ := agent.ParseThinkLevel(a.cfg.Agents.ThinkingDefault)

	engine := newEngine(cache, agent.EngineOptions{
		MaxTokens: a.cfg.Agents.MaxTokens,
		Logger:    a.log.Zerolog(),
	})

	runner, err := agent.NewRunner(agent.Config{
		Auth:            a.manager,
		AuthConfig:      a.cfg.ToAuthConfig(),
		Queue:           queue,
		Engine:          engine,
		DefaultModel:    primary,
		FallbackModels:  fallbacks,
		ThinkingDefault: thinking,
		Timeout:         a.cfg.RunTimeout(),
		SystemPrompt:    a.cfg.Agents.SystemPrompt,
		Logger:          a.log.Zerolog(),
		Now:             now,
	})
	if err != nil {
		cache.Stop()
		_ = queue.Close()
		return err
	}

	a.sessions = sessions
	a.cache = cache
	a.queue = queue
	a.runner = runner
	return nil
}

// Close releases everything loadApp and withRunner opened.
func (a *app) Close() {
	if a.queue != nil {
		_ = a.queue.Close()
	}
	if a.cache != nil {
		a.cache.Stop()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracing.ShutdownOpenTelemetry(ctx)
	_ = a.log.Close()
}
