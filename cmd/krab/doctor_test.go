package main

import (
	"context"
	"os"
	"testing"
)

func TestRunDoctorCommand_TextOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KRAB_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("queue_max: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), nil)
	if code == 2 {
		t.Fatalf("unexpected exit code 2 (parse error)")
	}
}

func TestRunDoctorCommand_JSONOutput(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KRAB_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("queue_max: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), []string{"-json"})
	if code != 0 && code != 1 {
		t.Fatalf("got exit code %d, want 0 or 1 for JSON output", code)
	}
}

func TestRunDoctorCommand_DoubleJSON(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KRAB_HOME", home)
	if err := os.WriteFile(home+"/config.yaml", []byte("queue_max: 8\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code := runDoctorCommand(context.Background(), []string{"--json"})
	if code != 0 && code != 1 {
		t.Fatalf("got exit code %d, want 0 or 1 for --json", code)
	}
}

func TestRunDoctorCommand_NeedsGenesis(t *testing.T) {
	home := t.TempDir()
	t.Setenv("KRAB_HOME", home)
	// No config.yaml at all — triggers NeedsGenesis path.

	code := runDoctorCommand(context.Background(), nil)
	if code < 0 {
		t.Fatalf("unexpected negative exit code: %d", code)
	}
}
