package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/clawgate/internal/config"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show serve status and a profile summary",
	Long:  `Show whether clawgate serve is running and how many auth profiles are usable or cooling down.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := pidFilePath(cfg.DataDir)
	if !isRunning(pidFile) {
		fmt.Fprintln(out, "Serve: stopped")
	} else {
		pid, err := readPID(pidFile)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Serve: running (PID %d)\n", pid)
		if info, err := os.Stat(pidFile); err == nil {
			fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	}

	// Read-only: status never migrates or syncs the store.
	store, err := authprofile.LoadStore(filepath.Join(cfg.Auth.StoreDir, authprofile.StoreFileName))
	if err != nil {
		return fmt.Errorf("failed to read auth store: %w", err)
	}
	current := now()
	cooling := 0
	for id := range store.Profiles {
		if authprofile.IsInCooldown(store, id, current) {
			cooling++
		}
	}
	fmt.Fprintf(out, "Profiles: %d (%d in cooldown)\n", len(store.Profiles), cooling)
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
