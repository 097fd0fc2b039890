// Package config loads and normalizes the orchestrator's settings: a
// config.yaml file layered with environment-variable overrides, following
// the teacher's Load() → applyEnvOverrides() → normalize() pipeline.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BackendConfig describes one configured inference backend: a local model
// server or a cloud gateway. APIKeyEnv names the environment variable
// holding its credential — credentials are never persisted to config.yaml.
type BackendConfig struct {
	Name      string   `yaml:"name"`
	Tier      string   `yaml:"tier"` // "local", "cloud_free", "cloud_paid"
	BaseURL   string   `yaml:"base_url"`
	APIKeyEnv string   `yaml:"api_key_env"`
	Models    []string `yaml:"models"`
}

// APIKey resolves this backend's credential from its configured env var.
func (b BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// Config is the orchestrator's full settings surface: chat work queue
// bounds, router/failover knobs, stream guardrail caps, the configured
// backend set, and channel credentials.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ForceModeDefault seeds the global Policy at startup: "auto", "local",
	// or "cloud".
	ForceModeDefault string `yaml:"force_mode_default"`

	// OwnerID is the transport-provided principal id (e.g. a Telegram user
	// ID) trusted with owner-only commands and the global Policy override.
	OwnerID string `yaml:"owner_id"`

	CloudTierAutoswitchCooldownSec int  `yaml:"cloud_tier_autoswitch_cooldown_sec"`
	CloudTierStickyOnPaid          bool `yaml:"cloud_tier_sticky_on_paid"`
	NCloudCandidates               int  `yaml:"n_cloud_candidates"`

	QueueMax    int `yaml:"queue_max"`
	IdleTTLSec  int `yaml:"idle_ttl_sec"`
	SLASec      int `yaml:"sla_sec"`
	IdleChunkMS int `yaml:"idle_chunk_ms"`

	ReasoningCapChars int `yaml:"reasoning_cap_chars"`
	ContentCapChars   int `yaml:"content_cap_chars"`

	// WebAPIKey is the control surface's shared secret. Env-only — never
	// round-tripped into config.yaml.
	WebAPIKey string `yaml:"-"`

	Channels ChannelsConfig  `yaml:"channels"`
	Backends []BackendConfig `yaml:"backends"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, useful for
// detecting drift between a running process and the file on disk.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|force_mode=%s|queue_max=%d|sla=%d|backends=%d",
		c.BindAddr, c.LogLevel, c.ForceModeDefault, c.QueueMax, c.SLASec, len(c.Backends))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                       "127.0.0.1:18789",
		LogLevel:                       "info",
		ForceModeDefault:               "auto",
		CloudTierAutoswitchCooldownSec: 60,
		CloudTierStickyOnPaid:          true,
		NCloudCandidates:               2,
		QueueMax:                       16,
		IdleTTLSec:                     120,
		SLASec:                         90,
		IdleChunkMS:                    20000,
		ReasoningCapChars:              2000,
		ContentCapChars:                8000,
	}
}

// HomeDir returns the orchestrator's state directory, honoring KRAB_HOME.
func HomeDir() string {
	if override := os.Getenv("KRAB_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".krab")
}

// Load reads config.yaml (creating the home directory if needed), layers
// environment overrides on top, and normalizes defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create krab home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18789"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ForceModeDefault == "" {
		cfg.ForceModeDefault = "auto"
	}
	if cfg.QueueMax <= 0 {
		cfg.QueueMax = 16
	}
	if cfg.IdleTTLSec <= 0 {
		cfg.IdleTTLSec = 120
	}
	if cfg.SLASec <= 0 {
		cfg.SLASec = 90
	}
	if cfg.IdleChunkMS <= 0 {
		cfg.IdleChunkMS = 20000
	}
	if cfg.NCloudCandidates <= 0 {
		cfg.NCloudCandidates = 2
	}
	if cfg.CloudTierAutoswitchCooldownSec <= 0 {
		cfg.CloudTierAutoswitchCooldownSec = 60
	}
	if cfg.ReasoningCapChars <= 0 {
		cfg.ReasoningCapChars = 2000
	}
	if cfg.ContentCapChars <= 0 {
		cfg.ContentCapChars = 8000
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FORCE_MODE_DEFAULT"); raw != "" {
		cfg.ForceModeDefault = raw
	}
	if raw := os.Getenv("CLOUD_TIER_AUTOSWITCH_COOLDOWN_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CloudTierAutoswitchCooldownSec = v
		}
	}
	if raw := os.Getenv("CLOUD_TIER_STICKY_ON_PAID"); raw != "" {
		cfg.CloudTierStickyOnPaid = raw == "1"
	}
	if raw := os.Getenv("N_CLOUD_CANDIDATES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.NCloudCandidates = v
		}
	}
	if raw := os.Getenv("QUEUE_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.QueueMax = v
		}
	}
	if raw := os.Getenv("IDLE_TTL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.IdleTTLSec = v
		}
	}
	if raw := os.Getenv("SLA_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SLASec = v
		}
	}
	if raw := os.Getenv("IDLE_CHUNK_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.IdleChunkMS = v
		}
	}
	if raw := os.Getenv("WEB_API_KEY"); raw != "" {
		cfg.WebAPIKey = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("OWNER_ID"); raw != "" {
		cfg.OwnerID = raw
	}
}

// QueueConfig, RouterConfig, and StreamConfig convert the flat env/YAML
// surface into the typed Config structs internal/queue, internal/router,
// and internal/stream expect, translating seconds/milliseconds into
// time.Duration at the wiring boundary.

func (c Config) QueueDurations() (idleTTL, sla time.Duration) {
	return time.Duration(c.IdleTTLSec) * time.Second, time.Duration(c.SLASec) * time.Second
}

func (c Config) CloudAutoswitchCooldown() time.Duration {
	return time.Duration(c.CloudTierAutoswitchCooldownSec) * time.Second
}

func (c Config) IdleChunkTimeout() time.Duration {
	return time.Duration(c.IdleChunkMS) * time.Millisecond
}

// BackendsByTier groups configured backends by tier, in config-file order.
func (c Config) BackendsByTier(tier string) []BackendConfig {
	var out []BackendConfig
	for _, b := range c.Backends {
		if b.Tier == tier {
			out = append(out, b)
		}
	}
	return out
}
