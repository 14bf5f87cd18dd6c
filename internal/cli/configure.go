package cli

import (
	"fmt"

	"github.com/harun/clawgate/internal/config"
	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/pkg/authprofile"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Run interactive configuration wizard",
	Long: `Run an interactive configuration wizard to add an API key profile.
The key is written to the auth profile store and the profile is declared in
the config file together with the default model and thinking level.`,
	Args: cobra.NoArgs,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	base, err := loader.Load()
	if err != nil {
		return err
	}

	res, err := config.NewWizard(cmd.InOrStdin(), cmd.OutOrStdout()).Run(base)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := res.Config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := a.manager.EnsureStore(cmd.Context())
	if err != nil {
		return err
	}
	err = a.manager.UpdateWithLock(cmd.Context(), store, func(s *authprofile.Store) bool {
		s.Profiles[res.ProfileID] = res.Credential
		return true
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	observability.RecordCredentialAudit(cmd.Context(), "configure", res.ProfileID, "success", map[string]interface{}{
		"provider": res.Credential.Provider,
		"type":     string(authprofile.CredentialAPIKey),
	})

	if err := loader.Save(res.Config); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\nCredential stored in: %s\n", a.manager.Path())
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "\nTry it with: clawgate run --session main --message \"hello\"")

	return nil
}
