package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"github.com/tidwall/gjson"
)

// EnvPrefix prefixes environment overrides, e.g. CLAWGATE_LOGGING_LEVEL.
const EnvPrefix = "CLAWGATE"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields defaults with
// environment overrides applied.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to get home directory")
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	var raw []byte
	if data, err := os.ReadFile(configPath); err == nil {
		raw = data
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// viper lowercases map keys; profile ids and provider names are read
	// from the raw file so their case survives.
	if raw != nil {
		if err := decodeCaseSensitive(raw, cfg); err != nil {
			return nil, err
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Auth.StoreDir == "" {
		cfg.Auth.StoreDir = filepath.Join(cfg.DataDir, "agent")
	}
	if cfg.Agents.SessionsDir == "" {
		cfg.Agents.SessionsDir = filepath.Join(cfg.DataDir, "sessions")
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "clawgate.log")
	}
	if cfg.Telemetry.AuditFile == "" {
		cfg.Telemetry.AuditFile = filepath.Join(cfg.DataDir, "audit.jsonl")
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the file does not mention it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("auth.storeDir", d.Auth.StoreDir)
	v.SetDefault("auth.allowKeychain", d.Auth.AllowKeychain)
	v.SetDefault("auth.disableExternal", d.Auth.DisableExternal)
	v.SetDefault("auth.refreshSchedule", d.Auth.RefreshSchedule)
	v.SetDefault("auth.refreshLead", d.Auth.RefreshLead)
	v.SetDefault("auth.lockStaleMs", d.Auth.LockStaleMs)

	v.SetDefault("agents.defaultModel", d.Agents.DefaultModel)
	v.SetDefault("agents.fallbackModels", d.Agents.FallbackModels)
	v.SetDefault("agents.thinkingDefault", d.Agents.ThinkingDefault)
	v.SetDefault("agents.timeoutSeconds", d.Agents.TimeoutSeconds)
	v.SetDefault("agents.maxConcurrent", d.Agents.MaxConcurrent)
	v.SetDefault("agents.maxTokens", d.Agents.MaxTokens)
	v.SetDefault("agents.systemPrompt", d.Agents.SystemPrompt)
	v.SetDefault("agents.sessionsDir", d.Agents.SessionsDir)
	v.SetDefault("agents.sessionCacheTtlMs", d.Agents.SessionCacheTTLMs)
	v.SetDefault("agents.maintenance.schedule", d.Agents.Maintenance.Schedule)
	v.SetDefault("agents.maintenance.archiveAfterHours", d.Agents.Maintenance.ArchiveAfterHours)
	v.SetDefault("agents.maintenance.retentionDays", d.Agents.Maintenance.RetentionDays)
	v.SetDefault("agents.maintenance.maxEntries", d.Agents.Maintenance.MaxEntries)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
	v.SetDefault("logging.maxSize", d.Logging.MaxSize)
	v.SetDefault("logging.maxAge", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)
	v.SetDefault("logging.redaction", d.Logging.Redaction)

	v.SetDefault("telemetry.metricsAddr", d.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.exporter", d.Telemetry.Exporter)
	v.SetDefault("telemetry.sampleRatio", d.Telemetry.SampleRatio)
	v.SetDefault("telemetry.auditFile", d.Telemetry.AuditFile)

	v.SetDefault("dataDir", d.DataDir)
}

func decodeCaseSensitive(raw []byte, cfg *Config) error {
	if profiles := gjson.GetBytes(raw, "auth.profiles"); profiles.IsObject() {
		out := map[string]ProfileConfig{}
		if err := json.Unmarshal([]byte(profiles.Raw), &out); err != nil {
			return fmt.Errorf("failed to parse auth.profiles: %w", err)
		}
		cfg.Auth.Profiles = out
	}
	if order := gjson.GetBytes(raw, "auth.order"); order.IsObject() {
		out := map[string][]string{}
		if err := json.Unmarshal([]byte(order.Raw), &out); err != nil {
			return fmt.Errorf("failed to parse auth.order: %w", err)
		}
		cfg.Auth.Order = out
	}
	return nil
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to get home directory")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Written directly rather than through viper.WriteConfig, which would
	// lowercase profile ids.
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	tmp := configPath + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, configPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".clawgate", "clawgate.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
