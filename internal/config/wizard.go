package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/harun/clawgate/pkg/authprofile"
)

// WizardResult is what the wizard collected: an updated config and one new
// API key profile for the credential store.
type WizardResult struct {
	Config     *Config
	ProfileID  string
	Credential authprofile.APIKeyCredential
}

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run walks through one API key profile plus run defaults, starting from
// base (or defaults when base is nil).
func (w *Wizard) Run(base *Config) (*WizardResult, error) {
	fmt.Fprintln(w.out, "=== clawgate configuration ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Auth.Profiles == nil {
		cfg.Auth.Profiles = map[string]ProfileConfig{}
	}
	validator := NewValidator()

	provider, err := w.ask("Provider (anthropic/openai)", "anthropic")
	if err != nil {
		return nil, err
	}
	provider = authprofile.NormalizeProvider(provider)

	var profileID string
	for {
		label, err := w.ask("Profile label", "default")
		if err != nil {
			return nil, err
		}
		profileID = provider + ":" + label
		if err := validator.ValidateProfileID(profileID, provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		break
	}

	var key string
	for {
		key, err = w.ask(fmt.Sprintf("%s API key", provider), "")
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAPIKey(key, provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		break
	}

	email, err := w.ask("Account email (optional)", "")
	if err != nil {
		return nil, err
	}

	cfg.Auth.Profiles[profileID] = ProfileConfig{
		Provider: provider,
		Mode:     string(authprofile.CredentialAPIKey),
		Email:    email,
	}

	fmt.Fprintln(w.out)
	for {
		model, err := w.ask("Default model (provider/model)", cfg.Agents.DefaultModel)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateModel(model); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Agents.DefaultModel = model
		break
	}

	level, err := w.ask("Default thinking level", cfg.Agents.ThinkingDefault)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateThinkLevel(level); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Agents.ThinkingDefault)
	} else {
		cfg.Agents.ThinkingDefault = level
	}

	logLevel, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(logLevel); err != nil {
		fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
	} else {
		cfg.Logging.Level = logLevel
	}

	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "Configured profile %s (%s)\n", profileID, authprofile.MaskSecret(key))

	return &WizardResult{
		Config:    cfg,
		ProfileID: profileID,
		Credential: authprofile.APIKeyCredential{
			Provider: provider,
			Key:      key,
			Email:    email,
		},
	}, nil
}

func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(w.out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w.out, "%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}
