package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStarterConfig_Validates(t *testing.T) {
	cfg := StarterConfig()
	cfg.HomeDir = t.TempDir()
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		t.Fatalf("starter config invalid: %v", err)
	}
}

func TestStarterWorkflows_Names(t *testing.T) {
	wfs := StarterWorkflows()
	if len(wfs) != 2 || wfs[0].Name != "survey" || wfs[1].Name != "items" {
		t.Fatalf("unexpected starter workflows: %+v", wfs)
	}
	if !wfs[1].TrackValidation {
		t.Fatal("items workflow should track validation")
	}
}

func TestWriteStarter_ThenLoad(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOSURVEY_HOME", home)
	if err := WriteStarter(home); err != nil {
		t.Fatalf("WriteStarter: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false after WriteStarter")
	}
	survey, ok := cfg.Workflow("survey")
	if !ok {
		t.Fatal("survey workflow missing")
	}
	if survey.Instructions == "" {
		t.Fatal("survey instructions not loaded from file")
	}
	if survey.InstructionsPath != filepath.Join(home, "instructions", "survey.md") {
		t.Fatalf("instructions path = %q", survey.InstructionsPath)
	}
	if cfg.Helpers.Expected != 1 {
		t.Fatalf("helpers.expected = %d, want 1", cfg.Helpers.Expected)
	}
}

func TestWriteStarter_KeepsExistingFiles(t *testing.T) {
	home := t.TempDir()
	custom := filepath.Join(home, "instructions", "survey.md")
	if err := os.MkdirAll(filepath.Dir(custom), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(custom, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := WriteStarter(home); err != nil {
		t.Fatalf("WriteStarter: %v", err)
	}
	b, _ := os.ReadFile(custom)
	if string(b) != "mine" {
		t.Fatalf("existing instructions overwritten: %q", b)
	}
}
