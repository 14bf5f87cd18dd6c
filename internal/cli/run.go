package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/clawgate/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	runSession  string
	runMessage  string
	runProfile  string
	runModel    string
	runThinking string
	runJSON     bool

	compactSession string
	compactModel   string
	compactProfile string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one agent request with profile and model failover",
	Long: `Run one agent request against a session transcript. The request is
serialized behind any other work on the same session, then tried against each
usable auth profile and fallback model until one succeeds.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Summarize older session history to free context",
	Args:  cobra.NoArgs,
	RunE:  runCompact,
}

func init() {
	runCmd.Flags().StringVar(&runSession, "session", "", "session key")
	runCmd.Flags().StringVar(&runMessage, "message", "", "message to send")
	runCmd.Flags().StringVar(&runProfile, "profile", "", "pin the run to one auth profile")
	runCmd.Flags().StringVar(&runModel, "model", "", "model override as provider/model")
	runCmd.Flags().StringVar(&runThinking, "thinking", "", "thinking level (off, minimal, low, medium, high, xhigh)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run result as JSON")
	_ = runCmd.MarkFlagRequired("session")
	_ = runCmd.MarkFlagRequired("message")
	rootCmd.AddCommand(runCmd)

	compactCmd.Flags().StringVar(&compactSession, "session", "", "session key")
	compactCmd.Flags().StringVar(&compactModel, "model", "", "model override as provider/model")
	compactCmd.Flags().StringVar(&compactProfile, "profile", "", "pin compaction to one auth profile")
	_ = compactCmd.MarkFlagRequired("session")
	rootCmd.AddCommand(compactCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	params := agent.RunParams{
		SessionKey: runSession,
		Prompt:     runMessage,
		ProfileID:  strings.TrimSpace(runProfile),
	}
	if runModel != "" {
		ref, err := agent.ParseModelRef(runModel)
		if err != nil {
			return err
		}
		params.Model = ref
	}
	if runThinking != "" {
		level, ok := agent.ParseThinkLevel(runThinking)
		if !ok {
			return fmt.Errorf("unknown thinking level %q", runThinking)
		}
		params.Thinking = level
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.withRunner(); err != nil {
		return err
	}

	res, err := a.runner.RunEmbeddedAgent(cmd.Context(), params)
	if err != nil {
		logger := a.logger()
		logger.Error().Err(err).Str("session_key", runSession).Msg("Agent run failed")
		return fmt.Errorf("%s\n%w", agent.FormatErrorForUser(err), err)
	}

	out := cmd.OutOrStdout()
	if runJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	fmt.Fprintln(out, res.Text)
	if res.SuggestedProfileID != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "Hint: profile %s worked in place of the configured one; consider updating auth.order.\n", res.SuggestedProfileID)
	}
	return nil
}

func runCompact(cmd *cobra.Command, args []string) error {
	params := agent.CompactParams{
		SessionKey: compactSession,
		ProfileID:  strings.TrimSpace(compactProfile),
	}
	if compactModel != "" {
		ref, err := agent.ParseModelRef(compactModel)
		if err != nil {
			return err
		}
		params.Model = ref
	}

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.withRunner(); err != nil {
		return err
	}

	res, err := a.runner.CompactSession(cmd.Context(), params)
	if err != nil {
		return fmt.Errorf("%s\n%w", agent.FormatErrorForUser(err), err)
	}

	out := cmd.OutOrStdout()
	if !res.Compacted {
		fmt.Fprintf(out, "Session %s is already compact (%d messages).\n", compactSession, res.MessagesBefore)
		return nil
	}
	fmt.Fprintf(out, "Compacted %s: %d -> %d messages, ~%d -> ~%d tokens\n",
		compactSession, res.MessagesBefore, res.MessagesAfter, res.TokensBefore, res.TokensAfter)
	return nil
}
