package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/Pavua/krab/internal/config"
)

func TestLoad_FromKrabHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".krab")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("queue_max: 32\nsla_sec: 45\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.QueueMax != 32 {
		t.Fatalf("expected queue_max=32 got %d", cfg.QueueMax)
	}
	if cfg.SLASec != 45 {
		t.Fatalf("expected sla_sec=45 got %d", cfg.SLASec)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".krab")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ForceModeDefault != "auto" {
		t.Fatalf("expected default force_mode_default=auto, got %q", cfg.ForceModeDefault)
	}
	if cfg.BindAddr != "127.0.0.1:18789" {
		t.Fatalf("expected default bind_addr=127.0.0.1:18789, got %q", cfg.BindAddr)
	}
	if cfg.QueueMax != 16 {
		t.Fatalf("expected default queue_max=16, got %d", cfg.QueueMax)
	}
	if cfg.SLASec != 90 {
		t.Fatalf("expected default sla_sec=90, got %d", cfg.SLASec)
	}
	if cfg.NCloudCandidates != 2 {
		t.Fatalf("expected default n_cloud_candidates=2, got %d", cfg.NCloudCandidates)
	}
	if !cfg.CloudTierStickyOnPaid {
		t.Fatalf("expected default cloud_tier_sticky_on_paid=true")
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	ic := filepath.Join(home, ".krab")
	if err := os.MkdirAll(ic, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(ic, "config.yaml"), []byte("queue_max: 8\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HOME", home)
	t.Setenv("QUEUE_MAX", "9")
	t.Setenv("FORCE_MODE_DEFAULT", "local")
	t.Setenv("WEB_API_KEY", "shhh")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.QueueMax != 9 {
		t.Fatalf("expected env override queue_max=9 got %d", cfg.QueueMax)
	}
	if cfg.ForceModeDefault != "local" {
		t.Fatalf("expected env override force_mode_default=local got %q", cfg.ForceModeDefault)
	}
	if cfg.WebAPIKey != "shhh" {
		t.Fatalf("expected WEB_API_KEY env to populate WebAPIKey, got %q", cfg.WebAPIKey)
	}
}

func TestLoad_NCloudCandidatesEnvOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("N_CLOUD_CANDIDATES", "4")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.NCloudCandidates != 4 {
		t.Fatalf("expected n_cloud_candidates=4, got %d", cfg.NCloudCandidates)
	}
}

func TestLoad_CloudTierStickyOnPaidEnvOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("CLOUD_TIER_STICKY_ON_PAID", "0")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CloudTierStickyOnPaid {
		t.Fatalf("expected cloud_tier_sticky_on_paid=false from env override")
	}
}

func TestLoad_TelegramTokenEnvOverride(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("TELEGRAM_TOKEN", "tg-token-123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "tg-token-123" {
		t.Fatalf("expected telegram token from env, got %q", cfg.Channels.Telegram.Token)
	}
}

func TestBackendConfig_APIKeyFromEnv(t *testing.T) {
	t.Setenv("TEST_BACKEND_KEY", "secret-value")
	b := config.BackendConfig{Name: "cloud-a", APIKeyEnv: "TEST_BACKEND_KEY"}
	if got := b.APIKey(); got != "secret-value" {
		t.Fatalf("APIKey() = %q, want secret-value", got)
	}
}

func TestBackendConfig_APIKeyEmptyWithoutEnvName(t *testing.T) {
	b := config.BackendConfig{Name: "local"}
	if got := b.APIKey(); got != "" {
		t.Fatalf("APIKey() = %q, want empty", got)
	}
}

func TestConfig_BackendsByTier(t *testing.T) {
	cfg := config.Config{Backends: []config.BackendConfig{
		{Name: "ollama", Tier: "local"},
		{Name: "gemini", Tier: "cloud_free"},
		{Name: "claude", Tier: "cloud_paid"},
		{Name: "ollama2", Tier: "local"},
	}}
	local := cfg.BackendsByTier("local")
	if len(local) != 2 || local[0].Name != "ollama" || local[1].Name != "ollama2" {
		t.Fatalf("unexpected local backends: %+v", local)
	}
	if len(cfg.BackendsByTier("cloud_paid")) != 1 {
		t.Fatalf("expected 1 cloud_paid backend")
	}
}

func TestConfig_DurationConversions(t *testing.T) {
	cfg := config.Config{IdleTTLSec: 120, SLASec: 90, CloudTierAutoswitchCooldownSec: 60, IdleChunkMS: 20000}
	idleTTL, sla := cfg.QueueDurations()
	if idleTTL.Seconds() != 120 {
		t.Fatalf("idleTTL = %v, want 120s", idleTTL)
	}
	if sla.Seconds() != 90 {
		t.Fatalf("sla = %v, want 90s", sla)
	}
	if cfg.CloudAutoswitchCooldown().Seconds() != 60 {
		t.Fatalf("cooldown = %v, want 60s", cfg.CloudAutoswitchCooldown())
	}
	if cfg.IdleChunkTimeout().Milliseconds() != 20000 {
		t.Fatalf("idle chunk timeout = %v, want 20000ms", cfg.IdleChunkTimeout())
	}
}

func TestConfig_Fingerprint_StableForSameConfig(t *testing.T) {
	a := config.Config{BindAddr: "x", LogLevel: "info", ForceModeDefault: "auto", QueueMax: 16, SLASec: 90}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical configs to fingerprint identically")
	}
	b.QueueMax = 32
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected differing configs to fingerprint differently")
	}
}
