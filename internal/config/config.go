package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/harun/clawgate/pkg/agent"
	"github.com/harun/clawgate/pkg/authprofile"
)

// Config represents the main clawgate configuration
type Config struct {
	// Auth profiles and store settings
	Auth AuthConfig `json:"auth" mapstructure:"auth"`

	// Agent run defaults
	Agents AgentsConfig `json:"agents" mapstructure:"agents"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Metrics, tracing and audit
	Telemetry TelemetryConfig `json:"telemetry" mapstructure:"telemetry"`

	// Data directory
	DataDir string `json:"dataDir" mapstructure:"dataDir"`
}

// AuthConfig declares expected profiles and how the store behaves.
type AuthConfig struct {
	Profiles map[string]ProfileConfig `json:"profiles" mapstructure:"profiles"`
	// Order maps a provider to an explicit rotation order
	Order           map[string][]string `json:"order" mapstructure:"order"`
	StoreDir        string              `json:"storeDir" mapstructure:"storeDir"`
	AllowKeychain   bool                `json:"allowKeychain" mapstructure:"allowKeychain"`
	DisableExternal bool                `json:"disableExternal" mapstructure:"disableExternal"`
	RefreshSchedule string              `json:"refreshSchedule" mapstructure:"refreshSchedule"`
	RefreshLead     string              `json:"refreshLead" mapstructure:"refreshLead"` // duration, e.g. 10m
	LockStaleMs     int64               `json:"lockStaleMs" mapstructure:"lockStaleMs"`
}

// ProfileConfig is the declared provider, mode and email of one profile id.
type ProfileConfig struct {
	Provider string `json:"provider" mapstructure:"provider"`
	Mode     string `json:"mode,omitempty" mapstructure:"mode"` // api_key, token, oauth
	Email    string `json:"email,omitempty" mapstructure:"email"`
}

// AgentsConfig holds the defaults applied to every agent run.
type AgentsConfig struct {
	DefaultModel      string            `json:"defaultModel" mapstructure:"defaultModel"`
	FallbackModels    []string          `json:"fallbackModels" mapstructure:"fallbackModels"`
	ThinkingDefault   string            `json:"thinkingDefault" mapstructure:"thinkingDefault"`
	TimeoutSeconds    int               `json:"timeoutSeconds" mapstructure:"timeoutSeconds"`
	MaxConcurrent     int               `json:"maxConcurrent" mapstructure:"maxConcurrent"`
	MaxTokens         int               `json:"maxTokens" mapstructure:"maxTokens"`
	SystemPrompt      string            `json:"systemPrompt" mapstructure:"systemPrompt"`
	SessionsDir       string            `json:"sessionsDir" mapstructure:"sessionsDir"`
	SessionCacheTTLMs int64             `json:"sessionCacheTtlMs" mapstructure:"sessionCacheTtlMs"`
	Maintenance       MaintenanceConfig `json:"maintenance" mapstructure:"maintenance"`
}

// MaintenanceConfig controls transcript housekeeping in serve mode.
type MaintenanceConfig struct {
	Schedule          string `json:"schedule" mapstructure:"schedule"`
	ArchiveAfterHours int    `json:"archiveAfterHours" mapstructure:"archiveAfterHours"`
	RetentionDays     int    `json:"retentionDays" mapstructure:"retentionDays"`
	MaxEntries        int    `json:"maxEntries" mapstructure:"maxEntries"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"maxSize" mapstructure:"maxSize"` // MB
	MaxAge    int    `json:"maxAge" mapstructure:"maxAge"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TelemetryConfig holds metrics, tracing and audit settings
type TelemetryConfig struct {
	MetricsAddr string  `json:"metricsAddr" mapstructure:"metricsAddr"`
	Exporter    string  `json:"exporter" mapstructure:"exporter"` // none, stdout
	SampleRatio float64 `json:"sampleRatio" mapstructure:"sampleRatio"`
	AuditFile   string  `json:"auditFile" mapstructure:"auditFile"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Auth: AuthConfig{
			Profiles:        map[string]ProfileConfig{},
			Order:           map[string][]string{},
			RefreshSchedule: "@every 5m",
			RefreshLead:     "10m",
			LockStaleMs:     30000,
		},
		Agents: AgentsConfig{
			DefaultModel:      "anthropic/claude-sonnet-4-5",
			FallbackModels:    []string{},
			ThinkingDefault:   string(agent.ThinkOff),
			TimeoutSeconds:    600,
			MaxConcurrent:     4,
			MaxTokens:         4096,
			SessionCacheTTLMs: 45000,
			Maintenance: MaintenanceConfig{
				Schedule:          "@every 1h",
				ArchiveAfterHours: 24 * 7,
				RetentionDays:     30,
				MaxEntries:        500,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			SampleRatio: 1,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid. All problems are reported
// together.
func (c *Config) Validate() error {
	var errs []error

	for _, id := range sortedKeys(c.Auth.Profiles) {
		p := c.Auth.Profiles[id]
		if strings.TrimSpace(id) == "" {
			errs = append(errs, fmt.Errorf("auth.profiles: empty profile id"))
			continue
		}
		if p.Provider == "" {
			errs = append(errs, fmt.Errorf("auth profile %s: provider is required", id))
		}
		switch authprofile.CredentialType(p.Mode) {
		case "", authprofile.CredentialAPIKey, authprofile.CredentialToken, authprofile.CredentialOAuth:
		default:
			errs = append(errs, fmt.Errorf("auth profile %s: invalid mode %q (must be: api_key, token, oauth)", id, p.Mode))
		}
	}

	for _, provider := range sortedKeys(c.Auth.Order) {
		for _, id := range c.Auth.Order[provider] {
			decl, ok := c.Auth.Profiles[id]
			if !ok || decl.Provider == "" {
				continue
			}
			if authprofile.NormalizeProvider(decl.Provider) != authprofile.NormalizeProvider(provider) {
				errs = append(errs, &authprofile.ConfigMismatchError{
					ProfileID: id,
					Field:     "provider",
					Expected:  provider,
					Actual:    decl.Provider,
				})
			}
		}
	}

	if c.Auth.RefreshLead != "" {
		if _, err := time.ParseDuration(c.Auth.RefreshLead); err != nil {
			errs = append(errs, fmt.Errorf("auth.refreshLead: %w", err))
		}
	}
	if c.Auth.LockStaleMs < 0 {
		errs = append(errs, fmt.Errorf("auth.lockStaleMs must be >= 0"))
	}

	if _, err := agent.ParseModelRef(c.Agents.DefaultModel); err != nil {
		errs = append(errs, fmt.Errorf("agents.defaultModel: %w", err))
	}
	for i, m := range c.Agents.FallbackModels {
		if _, err := agent.ParseModelRef(m); err != nil {
			errs = append(errs, fmt.Errorf("agents.fallbackModels[%d]: %w", i, err))
		}
	}
	if c.Agents.ThinkingDefault != "" {
		if _, ok := agent.ParseThinkLevel(c.Agents.ThinkingDefault); !ok {
			errs = append(errs, fmt.Errorf("agents.thinkingDefault: unknown level %q", c.Agents.ThinkingDefault))
		}
	}
	if c.Agents.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("agents.timeoutSeconds must be >= 0"))
	}
	if c.Agents.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("agents.maxConcurrent must be >= 0"))
	}
	if c.Agents.SessionCacheTTLMs < 0 {
		errs = append(errs, fmt.Errorf("agents.sessionCacheTtlMs must be >= 0"))
	}

	switch c.Telemetry.Exporter {
	case "", "none", "stdout":
	default:
		errs = append(errs, fmt.Errorf("telemetry.exporter: invalid exporter %q (must be: none, stdout)", c.Telemetry.Exporter))
	}

	if err := NewValidator().ValidateLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ToAuthConfig projects the auth section into the read-only view the
// credential store consumes.
func (c *Config) ToAuthConfig() *authprofile.Config {
	out := &authprofile.Config{
		Profiles: make(map[string]authprofile.ProfileConfig, len(c.Auth.Profiles)),
		Order:    make(map[string][]string, len(c.Auth.Order)),
	}
	for id, p := range c.Auth.Profiles {
		out.Profiles[id] = authprofile.ProfileConfig{
			Provider: p.Provider,
			Mode:     authprofile.CredentialType(p.Mode),
			Email:    p.Email,
		}
	}
	for provider, ids := range c.Auth.Order {
		out.Order[provider] = append([]string(nil), ids...)
	}
	return out
}

// RefreshLeadDuration parses auth.refreshLead. Invalid or empty values yield
// zero so the sweeper applies its default.
func (c *Config) RefreshLeadDuration() time.Duration {
	d, err := time.ParseDuration(c.Auth.RefreshLead)
	if err != nil {
		return 0
	}
	return d
}

// RunTimeout returns agents.timeoutSeconds as a duration.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.Agents.TimeoutSeconds) * time.Second
}

// SessionCacheTTL returns agents.sessionCacheTtlMs as a duration.
func (c *Config) SessionCacheTTL() time.Duration {
	return time.Duration(c.Agents.SessionCacheTTLMs) * time.Millisecond
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
