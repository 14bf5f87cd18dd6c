package cli

import (
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Inspect and maintain auth profiles",
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles in resolved order with cooldowns and masked keys",
	Args:  cobra.NoArgs,
	RunE:  runAuthList,
}

var authOrderCmd = &cobra.Command{
	Use:   "order <provider>",
	Short: "Print the resolved profile order for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthOrder,
}

var authClearCooldownCmd = &cobra.Command{
	Use:   "clear-cooldown <profile-id>",
	Short: "Clear a profile's error count and cooldown",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthClearCooldown,
}

var authSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import credentials from the Claude and Codex CLIs",
	Args:  cobra.NoArgs,
	RunE:  runAuthSync,
}

var authRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refresh OAuth profiles that are expired or about to expire",
	Args:  cobra.NoArgs,
	RunE:  runAuthRefresh,
}

func init() {
	authCmd.AddCommand(authListCmd)
	authCmd.AddCommand(authOrderCmd)
	authCmd.AddCommand(authClearCooldownCmd)
	authCmd.AddCommand(authSyncCmd)
	authCmd.AddCommand(authRefreshCmd)
	rootCmd.AddCommand(authCmd)
}

func runAuthList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.manager.EnsureStore(cmd.Context())
	if err != nil {
		return err
	}
	if len(store.Profiles) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No auth profiles configured.")
		return nil
	}

	current := now()
	authCfg := a.cfg.ToAuthConfig()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tPROFILE\tTYPE\tEMAIL\tSECRET\tEXPIRES\tSTATUS")
	for _, provider := range storeProviders(store) {
		order := authprofile.ResolveOrder(authprofile.OrderParams{
			Provider: provider,
			Store:    store,
			Config:   authCfg,
			Now:      current,
		})
		for _, id := range order {
			cred := store.Profiles[id]
			status := "ok"
			if remaining := authprofile.CooldownRemaining(store, id, current); remaining > 0 {
				status = "cooldown " + remaining.Round(time.Second).String()
			}
			if store.LastGood[provider] == id {
				status += " (last good)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				provider,
				id,
				cred.Type(),
				dashIfEmpty(cred.AccountEmail()),
				authprofile.MaskCredential(cred),
				formatExpiry(authprofile.ExpiresAt(cred), current),
				status,
			)
		}
	}
	return w.Flush()
}

func runAuthOrder(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.manager.EnsureStore(cmd.Context())
	if err != nil {
		return err
	}

	order := authprofile.ResolveOrder(authprofile.OrderParams{
		Provider: args[0],
		Store:    store,
		Config:   a.cfg.ToAuthConfig(),
		Now:      now(),
	})
	if len(order) == 0 {
		return fmt.Errorf("no profiles for provider %s", args[0])
	}
	for _, id := range order {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runAuthClearCooldown(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.manager.EnsureStore(cmd.Context())
	if err != nil {
		return err
	}
	id := strings.TrimSpace(args[0])
	if _, ok := store.Profiles[id]; !ok {
		return fmt.Errorf("unknown profile %s", id)
	}
	if err := a.manager.ClearCooldown(cmd.Context(), store, id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared cooldown for %s\n", id)
	return nil
}

func runAuthSync(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.manager.EnsureStore(cmd.Context())
	if err != nil {
		return err
	}
	changed, err := a.manager.SyncExternalAndPersist(cmd.Context(), store)
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintln(cmd.OutOrStdout(), "External credentials imported.")
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "External credentials already up to date.")
	}
	return nil
}

func runAuthRefresh(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.manager.EnsureStore(cmd.Context()); err != nil {
		return err
	}
	sweeper, err := authprofile.NewRefreshSweeper(a.manager, authprofile.SweeperConfig{
		Schedule: a.cfg.Auth.RefreshSchedule,
		Lead:     a.cfg.RefreshLeadDuration(),
	})
	if err != nil {
		return err
	}

	res := sweeper.Sweep(cmd.Context())
	for _, id := range res.Refreshed {
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed %s\n", id)
	}
	failed := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Fprintf(cmd.OutOrStdout(), "failed %s: %v\n", id, res.Failed[id])
	}
	if len(res.Refreshed) == 0 && len(failed) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "Nothing to refresh.")
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d profile(s) failed to refresh", len(failed))
	}
	return nil
}

func storeProviders(store *authprofile.Store) []string {
	seen := map[string]bool{}
	var providers []string
	for _, cred := range store.Profiles {
		p := authprofile.NormalizeProvider(cred.ProviderName())
		if !seen[p] {
			seen[p] = true
			providers = append(providers, p)
		}
	}
	sort.Strings(providers)
	return providers
}

func formatExpiry(expiresMs int64, current time.Time) string {
	if expiresMs <= 0 {
		return "-"
	}
	left := time.UnixMilli(expiresMs).Sub(current)
	if left <= 0 {
		return "expired"
	}
	return "in " + formatDuration(left)
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
