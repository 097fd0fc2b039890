package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/Pavua/krab/internal/config"
	"github.com/Pavua/krab/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkBackendCredentials,
		checkDatabase,
		checkPermissions,
		checkBackendNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

// checkBackendCredentials reports WARN for each configured cloud backend
// whose api_key_env names an unset environment variable. Local-tier
// backends never need a credential.
func checkBackendCredentials(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend Credentials", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Backends) == 0 {
		return CheckResult{Name: "Backend Credentials", Status: "WARN", Message: "No backends configured"}
	}

	var missing []string
	for _, b := range cfg.Backends {
		if b.Tier == "local" || b.APIKeyEnv == "" {
			continue
		}
		if b.APIKey() == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", b.Name, b.APIKeyEnv))
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name:    "Backend Credentials",
			Status:  "WARN",
			Message: fmt.Sprintf("%d backend(s) missing credentials", len(missing)),
			Detail:  fmt.Sprintf("%v", missing),
		}
	}
	return CheckResult{Name: "Backend Credentials", Status: "PASS", Message: fmt.Sprintf("%d backend(s) configured", len(cfg.Backends))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "krab.db")
	store, err := persistence.Open(dbPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, _, err := store.KVGet("doctor_probe"); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

// checkBackendNetwork resolves each configured backend's base URL host, a
// cheap way to catch a typo'd endpoint or an unreachable LAN host before
// the orchestrator ever tries to route a Request to it.
func checkBackendNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Backends) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No backends configured"}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var failed, detail []string
	for _, b := range cfg.Backends {
		host := hostOf(b.BaseURL)
		if host == "" {
			continue
		}
		start := time.Now()
		addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
		latency := time.Since(start)
		if err != nil {
			failed = append(failed, b.Name)
			detail = append(detail, fmt.Sprintf("%s: %s unresolved (%v)", b.Name, host, err))
			continue
		}
		detail = append(detail, fmt.Sprintf("%s: %s resolved (%d addrs, %dms)", b.Name, host, len(addrs), latency.Milliseconds()))
	}

	status := "PASS"
	if len(failed) > 0 {
		status = "FAIL"
	}
	return CheckResult{
		Name:    "Network",
		Status:  status,
		Message: fmt.Sprintf("checked %d backend endpoint(s), %d unreachable", len(cfg.Backends), len(failed)),
		Detail:  fmt.Sprintf("%v", detail),
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return u.Hostname()
}
