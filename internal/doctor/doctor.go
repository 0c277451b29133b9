// Package doctor runs environment checks for `gosurvey doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/liveness"
	"github.com/basket/go-survey/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
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

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

type check func(context.Context, *config.Config) CheckResult

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

	checks := []check{
		checkConfig,
		checkAPIKey,
		checkWorkflows,
		checkStore,
		checkPermissions,
		checkHelpers,
		checkNetwork,
	}
	for _, c := range checks {
		d.Results = append(d.Results, c(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing",
			Detail: "Run `gosurvey init` to write the starter configuration"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.ConfigPath),
		Detail: cfg.Fingerprint()}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	provider := cfg.LLM.Provider
	if cfg.LLM.APIKey != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("llm.api_key set for %s", provider)}
	}
	names := config.APIKeyEnvNames(provider)
	for _, name := range names {
		if os.Getenv(name) != "" {
			return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("%s is set", name)}
		}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusFail,
		Message: fmt.Sprintf("No API key for provider %s", provider),
		Detail:  fmt.Sprintf("Set one of %s or llm.api_key", strings.Join(names, ", ")),
	}
}

func checkWorkflows(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Workflows", Status: StatusSkip, Message: "Config missing"}
	}
	if len(cfg.Workflows) == 0 {
		return CheckResult{Name: "Workflows", Status: StatusWarn, Message: "No workflows configured"}
	}
	var details []string
	status := StatusPass
	for _, w := range cfg.Workflows {
		if _, err := w.ResultSchema(); err != nil {
			details = append(details, fmt.Sprintf("%s: %v", w.Name, err))
			status = StatusFail
			continue
		}
		if strings.TrimSpace(w.Instructions) == "" {
			details = append(details, fmt.Sprintf("%s: no instructions", w.Name))
			if status == StatusPass {
				status = StatusWarn
			}
			continue
		}
		sched := "manual"
		if w.Schedule != "" {
			sched = w.Schedule
		}
		details = append(details, fmt.Sprintf("%s: ok (%s)", w.Name, sched))
	}
	return CheckResult{
		Name:    "Workflows",
		Status:  status,
		Message: fmt.Sprintf("Checked %d workflows", len(cfg.Workflows)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkStore(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Row Store", Status: StatusSkip, Message: "Config missing"}
	}
	switch cfg.Store.Backend {
	case config.BackendSheets:
		if _, err := os.Stat(cfg.Store.Sheets.CredentialsFile); err != nil {
			return CheckResult{Name: "Row Store", Status: StatusFail,
				Message: fmt.Sprintf("Credentials file unreadable: %v", err)}
		}
		return CheckResult{Name: "Row Store", Status: StatusPass,
			Message: fmt.Sprintf("Sheets backend, sheet %q", cfg.Store.Sheets.SheetName),
			Detail:  "Spreadsheet access is checked on first use"}
	default:
		store, err := persistence.Open(cfg.Store.SQLitePath, cfg.FieldNames())
		if err != nil {
			return CheckResult{Name: "Row Store", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
		}
		defer store.Close()
		rows, err := store.FetchAll(ctx)
		if err != nil {
			return CheckResult{Name: "Row Store", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
		}
		return CheckResult{Name: "Row Store", Status: StatusPass,
			Message: fmt.Sprintf("SQLite store holds %d rows", len(rows)), Detail: cfg.Store.SQLitePath}
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

// checkHelpers verifies that helper commands resolve and reports how many
// matching helper processes are alive right now.
func checkHelpers(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Helpers", Status: StatusSkip, Message: "Config missing"}
	}
	servers := cfg.Helpers.EnabledServers()
	if len(servers) == 0 {
		return CheckResult{Name: "Helpers", Status: StatusPass, Message: "No helper servers enabled"}
	}

	var details []string
	status := StatusPass
	for _, s := range servers {
		if _, err := exec.LookPath(s.Command); err != nil {
			details = append(details, fmt.Sprintf("%s: %s not found", s.Name, s.Command))
			status = StatusFail
		} else {
			details = append(details, fmt.Sprintf("%s: %s ok", s.Name, s.Command))
		}
	}

	registry := liveness.ProcessRegistry{Match: cfg.Helpers.Match}
	running, err := registry.ListRunning(ctx)
	if err != nil {
		details = append(details, fmt.Sprintf("process scan failed: %v", err))
		if status == StatusPass {
			status = StatusWarn
		}
	} else {
		details = append(details, fmt.Sprintf("%d matching processes running", len(running)))
	}

	return CheckResult{
		Name:    "Helpers",
		Status:  status,
		Message: fmt.Sprintf("Checked %d helper servers", len(servers)),
		Detail:  strings.Join(details, "; "),
	}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	if provider == "" {
		provider = config.ProviderGoogle
	}
	endpoints := map[string]string{
		config.ProviderGoogle:     "generativelanguage.googleapis.com",
		config.ProviderAnthropic:  "api.anthropic.com",
		config.ProviderOpenAI:     "api.openai.com",
		config.ProviderOpenRouter: "openrouter.ai",
	}
	host, ok := endpoints[provider]
	if provider == config.ProviderOpenAICompatible && cfg.LLM.BaseURL != "" {
		host, ok = hostOf(cfg.LLM.BaseURL), true
	}
	if !ok || host == "" {
		host = endpoints[config.ProviderGoogle]
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func hostOf(baseURL string) string {
	h := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexAny(h, "/:"); i >= 0 {
		h = h[:i]
	}
	return h
}
