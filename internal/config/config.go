// Package config loads $GOSURVEY_HOME/config.yaml: defaults, then the file,
// then environment overrides, then normalization and validation.
package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/go-survey/internal/backlog"
	"github.com/basket/go-survey/internal/mcp"
	gsotel "github.com/basket/go-survey/internal/otel"
	"github.com/basket/go-survey/internal/schema"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	BackendSQLite = "sqlite"
	BackendSheets = "sheets"
)

// Default status labels.
const (
	StatusInProgress  = "in-progress"
	StatusDone        = "done"
	StatusNeedsReview = "needs-review"
	StatusError       = "error"
)

type SheetsConfig struct {
	CredentialsFile string `yaml:"credentials_file"`
	SpreadsheetID   string `yaml:"spreadsheet_id"`
	SheetName       string `yaml:"sheet_name"`
}

type StoreConfig struct {
	// Backend is "sqlite" (default) or "sheets".
	Backend    string       `yaml:"backend"`
	SQLitePath string       `yaml:"sqlite_path"`
	Sheets     SheetsConfig `yaml:"sheets"`
}

type SchemaConfig struct {
	Fields []schema.Field `yaml:"fields"`
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	// Provider: "google", "anthropic", "openai", "openai_compatible" or "openrouter".
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	StructureModel string `yaml:"structure_model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	// CompatibleProvider names the openai_compatible endpoint in the model registry.
	CompatibleProvider string `yaml:"compatible_provider"`
	MaxTurns           int    `yaml:"max_turns"`
	// StructureRetries is how many times a reply without a JSON object is retried.
	StructureRetries int `yaml:"structure_retries"`
}

// HelpersConfig describes the long-running helper processes and when to
// recycle them.
type HelpersConfig struct {
	RestartEvery   int `yaml:"restart_every"`
	PollIntervalMS int `yaml:"poll_interval_ms"`
	MaxWaitSeconds int `yaml:"max_wait_seconds"`
	// Expected is how many matching processes must be alive after a restart.
	// Defaults to the number of enabled servers when Match is set.
	Expected int                `yaml:"expected"`
	Match    []string           `yaml:"match"`
	Servers  []mcp.ServerConfig `yaml:"servers"`
}

// PollInterval is how often a restart checks the helper processes.
func (h HelpersConfig) PollInterval() time.Duration {
	return time.Duration(h.PollIntervalMS) * time.Millisecond
}

// MaxWait is zero when restarts may wait forever.
func (h HelpersConfig) MaxWait() time.Duration {
	return time.Duration(h.MaxWaitSeconds) * time.Second
}

// EnabledServers returns the servers with enabled set.
func (h HelpersConfig) EnabledServers() []mcp.ServerConfig {
	var out []mcp.ServerConfig
	for _, s := range h.Servers {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

type StreamConfig struct {
	FlushThreshold int `yaml:"flush_threshold"`
}

// StatusLabels are the values a workflow writes into its status field.
type StatusLabels struct {
	InProgress  string `yaml:"in_progress"`
	Done        string `yaml:"done"`
	NeedsReview string `yaml:"needs_review"`
	Error       string `yaml:"error"`
}

// WorkflowConfig declares one investigate-and-record workflow over the rows.
type WorkflowConfig struct {
	Name        string   `yaml:"name"`
	StatusField string   `yaml:"status_field"`
	ErrorField  string   `yaml:"error_field"`
	InputFields []string `yaml:"input_fields"`

	// Eligible defaults to "status_field is empty".
	Eligible backlog.Match `yaml:"eligible"`

	Instructions     string `yaml:"instructions,omitempty"`
	InstructionsFile string `yaml:"instructions_file,omitempty"`
	// InstructionsPath is InstructionsFile resolved against the home directory.
	InstructionsPath string `yaml:"-"`

	Model    string `yaml:"model,omitempty"`
	UseTools bool   `yaml:"use_tools"`

	ResultFields    []schema.Field `yaml:"result_fields"`
	TrackValidation bool           `yaml:"track_validation"`

	// Schedule is a five-field cron expression for the daemon.
	Schedule string       `yaml:"schedule,omitempty"`
	Statuses StatusLabels `yaml:"statuses,omitempty"`
}

// ResultSchema compiles the workflow's result fields.
func (w WorkflowConfig) ResultSchema() (*schema.Schema, error) {
	return schema.New(w.Name+" result", w.ResultFields)
}

// ReadInstructions returns the instructions, re-reading the file when one is
// configured.
func (w WorkflowConfig) ReadInstructions() (string, error) {
	if w.InstructionsPath == "" {
		return w.Instructions, nil
	}
	b, err := os.ReadFile(w.InstructionsPath)
	if err != nil {
		return "", fmt.Errorf("workflow %s: read instructions: %w", w.Name, err)
	}
	return string(b), nil
}

type Config struct {
	HomeDir    string `yaml:"-"`
	ConfigPath string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Store     StoreConfig      `yaml:"store"`
	Schema    SchemaConfig     `yaml:"schema"`
	LLM       LLMConfig        `yaml:"llm"`
	Helpers   HelpersConfig    `yaml:"helpers"`
	Stream    StreamConfig     `yaml:"stream"`
	Workflows []WorkflowConfig `yaml:"workflows"`
	OTel      gsotel.Config    `yaml:"otel"`

	// NeedsGenesis is set when config.yaml did not exist.
	NeedsGenesis bool `yaml:"-"`
}

// Workflow returns the named workflow.
func (c Config) Workflow(name string) (WorkflowConfig, bool) {
	for _, w := range c.Workflows {
		if w.Name == name {
			return w, true
		}
	}
	return WorkflowConfig{}, false
}

// RowSchema compiles the row schema.
func (c Config) RowSchema() (*schema.Schema, error) {
	return schema.New("row", c.Schema.Fields)
}

// FieldNames returns the row schema field names in declaration order.
func (c Config) FieldNames() []string {
	out := make([]string, 0, len(c.Schema.Fields))
	for _, f := range c.Schema.Fields {
		out = append(out, f.Name)
	}
	return out
}

// Fingerprint returns a stable hash of the settings that change run behavior.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	names := make([]string, 0, len(c.Workflows))
	for _, w := range c.Workflows {
		names = append(names, w.Name)
	}
	sort.Strings(names)
	fmt.Fprintf(h, "backend=%s|provider=%s|model=%s|fields=%v|workflows=%v|restart=%d",
		c.Store.Backend, c.LLM.Provider, c.LLM.Model, c.FieldNames(), names, c.Helpers.RestartEvery)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Backend: BackendSQLite},
		LLM: LLMConfig{
			Provider:         ProviderGoogle,
			MaxTurns:         DefaultMaxTurns,
			StructureRetries: 1,
		},
		Helpers: HelpersConfig{
			RestartEvery:   5,
			PollIntervalMS: 1000,
		},
		Stream: StreamConfig{FlushThreshold: 80},
		OTel:   gsotel.Config{Exporter: "stdout", ServiceName: "gosurvey", SampleRate: 1.0},
	}
}

// HomeDir returns $GOSURVEY_HOME, or ~/.gosurvey when it is unset.
func HomeDir() string {
	if override := os.Getenv("GOSURVEY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gosurvey")
}

// Load reads config.yaml from the home directory.
func Load() (Config, error) {
	return LoadFrom("")
}

// LoadFrom reads the config file at path; an empty path means
// $GOSURVEY_HOME/config.yaml. A missing file yields the defaults with
// NeedsGenesis set.
func LoadFrom(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()
	if path == "" {
		path = ConfigPath(cfg.HomeDir)
	}
	cfg.ConfigPath = path

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gosurvey home: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
		cfg.NeedsGenesis = true
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := loadInstructions(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = BackendSQLite
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.HomeDir, "rows.db")
	}
	if cfg.Store.Sheets.SheetName == "" {
		cfg.Store.Sheets.SheetName = "Documents"
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = ProviderGoogle
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = DefaultModel(cfg.LLM.Provider)
	}
	if cfg.LLM.MaxTurns <= 0 {
		cfg.LLM.MaxTurns = DefaultMaxTurns
	}
	if cfg.LLM.StructureRetries < 0 {
		cfg.LLM.StructureRetries = 0
	}

	if cfg.Helpers.RestartEvery <= 0 {
		cfg.Helpers.RestartEvery = 5
	}
	if cfg.Helpers.PollIntervalMS <= 0 {
		cfg.Helpers.PollIntervalMS = 1000
	}
	if cfg.Helpers.MaxWaitSeconds < 0 {
		cfg.Helpers.MaxWaitSeconds = 0
	}
	if cfg.Helpers.Expected <= 0 && len(cfg.Helpers.Match) > 0 {
		cfg.Helpers.Expected = len(cfg.Helpers.EnabledServers())
	}

	if cfg.Stream.FlushThreshold <= 0 {
		cfg.Stream.FlushThreshold = 80
	}

	for i := range cfg.Workflows {
		w := &cfg.Workflows[i]
		w.Name = strings.TrimSpace(w.Name)
		if w.StatusField == "" {
			w.StatusField = "status"
		}
		if w.ErrorField == "" {
			w.ErrorField = "error"
		}
		if len(w.Eligible.Equals) == 0 && len(w.Eligible.Empty) == 0 {
			w.Eligible.Empty = []string{w.StatusField}
		}
		if w.Statuses.InProgress == "" {
			w.Statuses.InProgress = StatusInProgress
		}
		if w.Statuses.Done == "" {
			w.Statuses.Done = StatusDone
		}
		if w.Statuses.NeedsReview == "" {
			w.Statuses.NeedsReview = StatusNeedsReview
		}
		if w.Statuses.Error == "" {
			w.Statuses.Error = StatusError
		}
		if w.InstructionsFile != "" {
			w.InstructionsPath = w.InstructionsFile
			if !filepath.IsAbs(w.InstructionsPath) {
				w.InstructionsPath = filepath.Join(cfg.HomeDir, w.InstructionsPath)
			}
		}
	}
}

func loadInstructions(cfg *Config) error {
	for i := range cfg.Workflows {
		w := &cfg.Workflows[i]
		if w.InstructionsPath == "" {
			continue
		}
		text, err := w.ReadInstructions()
		if err != nil {
			return err
		}
		w.Instructions = text
	}
	return nil
}

func validate(cfg *Config) error {
	var errs []error
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level: unknown level %q", cfg.LogLevel))
	}

	switch cfg.Store.Backend {
	case BackendSQLite:
	case BackendSheets:
		if cfg.Store.Sheets.CredentialsFile == "" {
			errs = append(errs, errors.New("store.sheets.credentials_file: required for the sheets backend"))
		}
		if cfg.Store.Sheets.SpreadsheetID == "" {
			errs = append(errs, errors.New("store.sheets.spreadsheet_id: required for the sheets backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend: unknown backend %q", cfg.Store.Backend))
	}

	if !knownProvider(cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", cfg.LLM.Provider))
	}

	if len(cfg.Workflows) == 0 {
		// Nothing else can be checked against a schema that nothing uses.
		return errors.Join(errs...)
	}

	rowSchema, err := cfg.RowSchema()
	if err != nil {
		errs = append(errs, fmt.Errorf("schema.fields: %w", err))
		return errors.Join(errs...)
	}

	seen := map[string]bool{}
	for i, w := range cfg.Workflows {
		key := fmt.Sprintf("workflows[%d]", i)
		if w.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", key))
			continue
		}
		key = fmt.Sprintf("workflows[%s]", w.Name)
		if seen[w.Name] {
			errs = append(errs, fmt.Errorf("%s.name: duplicate workflow", key))
		}
		seen[w.Name] = true

		checkField := func(what, field string) {
			if !rowSchema.Has(field) {
				errs = append(errs, fmt.Errorf("%s.%s: %q is not a schema field", key, what, field))
			}
		}
		checkField("status_field", w.StatusField)
		checkField("error_field", w.ErrorField)
		if len(w.InputFields) == 0 {
			errs = append(errs, fmt.Errorf("%s.input_fields: at least one field required", key))
		}
		for _, f := range w.InputFields {
			checkField("input_fields", f)
		}
		for f := range w.Eligible.Equals {
			checkField("eligible.equals", f)
		}
		for _, f := range w.Eligible.Empty {
			checkField("eligible.empty", f)
		}
		if len(w.ResultFields) == 0 {
			errs = append(errs, fmt.Errorf("%s.result_fields: at least one field required", key))
		} else if _, err := w.ResultSchema(); err != nil {
			errs = append(errs, fmt.Errorf("%s.result_fields: %w", key, err))
		}
		for _, f := range w.ResultFields {
			checkField("result_fields", f.Name)
		}
		if w.Schedule != "" {
			if _, err := cron.ParseStandard(w.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("%s.schedule: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GOSURVEY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GOSURVEY_STORE_BACKEND"); raw != "" {
		cfg.Store.Backend = raw
	}
	if raw := os.Getenv("GOSURVEY_SQLITE_PATH"); raw != "" {
		cfg.Store.SQLitePath = raw
	}
	if raw := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); raw != "" {
		cfg.Store.Sheets.CredentialsFile = raw
	}
	if raw := os.Getenv("GOOGLE_SPREADSHEET_ID"); raw != "" {
		cfg.Store.Sheets.SpreadsheetID = raw
	}
	if raw := os.Getenv("GOOGLE_SHEET_NAME"); raw != "" {
		cfg.Store.Sheets.SheetName = raw
	}
	if raw := os.Getenv("GOSURVEY_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
		// A provider switch invalidates a model name from the file.
		cfg.LLM.Model = ""
	}
	if raw := os.Getenv("GOSURVEY_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}

func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetModel updates llm.provider and llm.model in the config file, preserving
// other settings.
func SetModel(path, provider, model string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !knownProvider(provider) {
		return fmt.Errorf("unknown provider %q", provider)
	}
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}
	llm, _ := raw["llm"].(map[string]any)
	if llm == nil {
		llm = make(map[string]any)
	}
	llm["provider"] = provider
	if model == "" {
		delete(llm, "model")
	} else {
		llm["model"] = model
	}
	raw["llm"] = llm
	return saveRawConfig(path, raw)
}
