package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDaemonSubcommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    daemonSubcommandMode
		wantErr bool
	}{
		{name: "no args means run", args: nil, want: daemonSubcommandRun},
		{name: "double dash help", args: []string{"--help"}, want: daemonSubcommandHelp},
		{name: "single dash help", args: []string{"-h"}, want: daemonSubcommandHelp},
		{name: "help token", args: []string{"help"}, want: daemonSubcommandHelp},
		{name: "unexpected arg", args: []string{"extra"}, want: daemonSubcommandRun, wantErr: true},
		{name: "too many args", args: []string{"--help", "extra"}, want: daemonSubcommandRun, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDaemonSubcommandArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("mode mismatch: got %v want %v", got, tt.want)
			}
		})
	}
}

func TestPrintDaemonSubcommandUsage(t *testing.T) {
	var buf bytes.Buffer
	printDaemonSubcommandUsage(&buf)
	out := buf.String()

	if !strings.Contains(out, "usage: krab daemon [--help]") {
		t.Fatalf("usage output missing daemon subcommand usage: %q", out)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")

	content := `# comment
TEST_LOADENV_FOO=bar
TEST_LOADENV_EMPTY=
  TEST_LOADENV_SPACES = trimmed

MALFORMED_NO_EQUALS
`
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Unsetenv("TEST_LOADENV_FOO")
	os.Unsetenv("TEST_LOADENV_SPACES")
	t.Cleanup(func() {
		os.Unsetenv("TEST_LOADENV_FOO")
		os.Unsetenv("TEST_LOADENV_SPACES")
	})

	loadDotEnv(envFile)

	if v := os.Getenv("TEST_LOADENV_FOO"); v != "bar" {
		t.Errorf("TEST_LOADENV_FOO = %q, want %q", v, "bar")
	}
	if v := os.Getenv("TEST_LOADENV_SPACES"); v != "trimmed" {
		t.Errorf("TEST_LOADENV_SPACES = %q, want %q", v, "trimmed")
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TEST_LDENV_EXIST=fromfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TEST_LDENV_EXIST", "original")
	loadDotEnv(envFile)

	if v := os.Getenv("TEST_LDENV_EXIST"); v != "original" {
		t.Errorf("expected env to keep original value, got %q", v)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	// Should not panic on missing file.
	loadDotEnv("/nonexistent/.env")
}

func TestLoadAuthToken_FromEnv(t *testing.T) {
	t.Setenv("KRAB_AUTH_TOKEN", "env-token-123")
	tok, err := loadAuthToken(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "env-token-123" {
		t.Errorf("token = %q, want %q", tok, "env-token-123")
	}
}

func TestLoadAuthToken_FromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KRAB_AUTH_TOKEN", "") // clear env
	if err := os.WriteFile(filepath.Join(home, "auth.token"), []byte("file-token-456\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "file-token-456" {
		t.Errorf("token = %q, want %q", tok, "file-token-456")
	}
}

func TestLoadAuthToken_GeneratesNew(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KRAB_AUTH_TOKEN", "")

	tok, err := loadAuthToken(home)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok == "" {
		t.Fatal("expected generated token, got empty string")
	}
	data, err := os.ReadFile(filepath.Join(home, "auth.token"))
	if err != nil {
		t.Fatalf("failed to read persisted token: %v", err)
	}
	if strings.TrimSpace(string(data)) != tok {
		t.Errorf("persisted token = %q, want %q", strings.TrimSpace(string(data)), tok)
	}
}

func TestWriteMinimalConfig(t *testing.T) {
	home := t.TempDir()
	if err := writeMinimalConfig(home); err != nil {
		t.Fatalf("writeMinimalConfig: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "config.yaml"))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "bind_addr") {
		t.Error("config should contain bind_addr")
	}
	if !strings.Contains(content, "queue_max") {
		t.Error("config should contain queue_max")
	}
	if !strings.Contains(content, "backends") {
		t.Error("config should contain a starter backend entry")
	}
}

func TestVersion_NotEmpty(t *testing.T) {
	if Version == "" {
		t.Fatal("Version should not be empty")
	}
}
