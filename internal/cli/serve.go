package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/harun/clawgate/pkg/session"
	"github.com/spf13/cobra"
)

var serveMetricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run background credential and session maintenance",
	Long: `Run the background services until interrupted: the OAuth refresh sweeper,
the external CLI credential watcher, session transcript housekeeping and,
when an address is set, the Prometheus metrics endpoint.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "listen address for /metrics (overrides telemetry.metricsAddr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger()

	pidFile := pidFilePath(a.cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("clawgate serve is already running (PID file: %s)", pidFile)
	}
	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := a.manager.EnsureStore(ctx); err != nil {
		return err
	}

	sweeper, err := authprofile.NewRefreshSweeper(a.manager, authprofile.SweeperConfig{
		Schedule: a.cfg.Auth.RefreshSchedule,
		Lead:     a.cfg.RefreshLeadDuration(),
	})
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	if !a.cfg.Auth.DisableExternal {
		watcher, err := authprofile.NewExternalWatcher(a.manager, authprofile.ExternalWatcherConfig{
			OnSync: func(changed bool, err error) {
				if err != nil {
					log.Warn().Err(err).Msg("External credential sync failed")
					return
				}
				if changed {
					log.Info().Msg("External credentials re-imported")
				}
			},
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer watcher.Stop()
	}

	sessions, err := session.New(a.cfg.Agents.SessionsDir)
	if err != nil {
		return err
	}
	maint := a.cfg.Agents.Maintenance
	janitor, err := session.NewJanitor(sessions, session.MaintenanceConfig{
		Schedule:     maint.Schedule,
		ArchiveAfter: time.Duration(maint.ArchiveAfterHours) * time.Hour,
		Retention:    time.Duration(maint.RetentionDays) * 24 * time.Hour,
		MaxEntries:   maint.MaxEntries,
	})
	if err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	addr := a.cfg.Telemetry.MetricsAddr
	if serveMetricsAddr != "" {
		addr = serveMetricsAddr
	}
	errCh := make(chan error, 1)
	if addr != "" {
		srv, ln, err := newMetricsServer(addr)
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		log.Info().Str("addr", ln.Addr().String()).Msg("Metrics endpoint listening")
	}

	log.Info().
		Str("store", a.manager.Path()).
		Str("sessions", sessions.Dir()).
		Msg("clawgate serve started")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		return nil
	case err := <-errCh:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}

func newMetricsServer(addr string) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}, ln, nil
}
