package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-survey/internal/config"
)

const minimalYAML = `
log_level: debug
schema:
  fields:
    - name: name
      required: true
    - name: url
    - name: status
    - name: error
    - name: cartUrl
workflows:
  - name: survey
    input_fields: [name, url]
    instructions: "look around"
    result_fields:
      - name: cartUrl
        prefix: "https://"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("GOSURVEY_HOME", home)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("GOSURVEY_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis")
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("home not created: %v", err)
	}
	if cfg.Store.Backend != config.BackendSQLite {
		t.Fatalf("backend = %q", cfg.Store.Backend)
	}
	if cfg.Store.SQLitePath != filepath.Join(home, "rows.db") {
		t.Fatalf("sqlite path = %q", cfg.Store.SQLitePath)
	}
}

func TestLoad_AppliesWorkflowDefaults(t *testing.T) {
	writeConfig(t, minimalYAML)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	w, ok := cfg.Workflow("survey")
	if !ok {
		t.Fatal("survey missing")
	}
	if w.StatusField != "status" || w.ErrorField != "error" {
		t.Fatalf("fields = %q/%q", w.StatusField, w.ErrorField)
	}
	if len(w.Eligible.Empty) != 1 || w.Eligible.Empty[0] != "status" {
		t.Fatalf("eligible = %+v", w.Eligible)
	}
	if w.Statuses.InProgress != config.StatusInProgress || w.Statuses.Done != config.StatusDone {
		t.Fatalf("statuses = %+v", w.Statuses)
	}
	if cfg.Helpers.RestartEvery != 5 || cfg.Stream.FlushThreshold != 80 {
		t.Fatalf("helpers/stream defaults = %d/%d", cfg.Helpers.RestartEvery, cfg.Stream.FlushThreshold)
	}
	if cfg.LLM.Model != config.DefaultModel(config.ProviderGoogle) {
		t.Fatalf("model = %q", cfg.LLM.Model)
	}
	if _, ok := cfg.Workflow("nope"); ok {
		t.Fatal("unknown workflow found")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	writeConfig(t, minimalYAML)
	t.Setenv("GOSURVEY_LOG_LEVEL", "WARN")
	t.Setenv("GOSURVEY_LLM_PROVIDER", "anthropic")
	t.Setenv("GOOGLE_SPREADSHEET_ID", "sheet-123")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.LLM.Provider != config.ProviderAnthropic || cfg.LLM.Model != "claude-sonnet-4-5" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if cfg.Store.Sheets.SpreadsheetID != "sheet-123" {
		t.Fatalf("spreadsheet id = %q", cfg.Store.Sheets.SpreadsheetID)
	}
}

func TestLoad_ValidationNamesKeys(t *testing.T) {
	writeConfig(t, `
schema:
  fields:
    - name: name
    - name: status
    - name: error
workflows:
  - name: survey
    input_fields: [name, missing]
    schedule: "not a cron"
    result_fields:
      - name: cartUrl
  - name: survey
    input_fields: [name]
    result_fields:
      - name: name
store:
  backend: sheets
`)
	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{
		`workflows[survey].input_fields: "missing"`,
		`workflows[survey].result_fields: "cartUrl"`,
		"workflows[survey].schedule",
		"workflows[survey].name: duplicate",
		"store.sheets.credentials_file",
		"store.sheets.spreadsheet_id",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestLoad_UnknownProvider(t *testing.T) {
	writeConfig(t, "llm:\n  provider: mystery\n")
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "llm.provider") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoad_MissingInstructionsFile(t *testing.T) {
	writeConfig(t, strings.Replace(minimalYAML, `instructions: "look around"`, "instructions_file: absent.md", 1))
	if _, err := config.Load(); err == nil || !strings.Contains(err.Error(), "read instructions") {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadFrom_ExplicitPath(t *testing.T) {
	t.Setenv("GOSURVEY_HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "other.yaml")
	if err := os.WriteFile(path, []byte("log_level: error\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "error" || cfg.ConfigPath != path {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestWorkflowResultSchema(t *testing.T) {
	writeConfig(t, minimalYAML)
	cfg, err := config.Load()
	if err != nil {
		t.Fatal(err)
	}
	w, _ := cfg.Workflow("survey")
	s, err := w.ResultSchema()
	if err != nil {
		t.Fatalf("ResultSchema: %v", err)
	}
	if err := s.Validate(map[string]any{"cartUrl": "http://plain"}); err == nil {
		t.Fatal("expected prefix violation")
	}
}

func TestSetModel_PreservesOtherKeys(t *testing.T) {
	home := writeConfig(t, minimalYAML)
	path := filepath.Join(home, "config.yaml")
	if err := config.SetModel(path, "openai", "gpt-4.1-nano"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Provider != "openai" || cfg.LLM.Model != "gpt-4.1-nano" {
		t.Fatalf("llm = %+v", cfg.LLM)
	}
	if _, ok := cfg.Workflow("survey"); !ok {
		t.Fatal("workflows lost")
	}
	if err := config.SetModel(path, "mystery", ""); err == nil {
		t.Fatal("unknown provider accepted")
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := config.StarterConfig()
	b := config.StarterConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint not stable")
	}
	b.LLM.Model = "other"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint ignores model")
	}
}

func TestEnvAPIKey_Order(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "g")
	if got := config.EnvAPIKey(config.ProviderGoogle); got != "g" {
		t.Fatalf("EnvAPIKey = %q", got)
	}
	t.Setenv("GEMINI_API_KEY", "gem")
	if got := config.EnvAPIKey(config.ProviderGoogle); got != "gem" {
		t.Fatalf("EnvAPIKey = %q", got)
	}
}
