package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/go-survey/internal/audit"
	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/persistence"
	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/schema"
	"github.com/basket/go-survey/internal/sheets"
	"github.com/basket/go-survey/internal/telemetry"
)

// app is the state shared by every command that touches rows.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
	rows   *schema.Schema
	store  rowstore.Admin
	// sqlite is set when the backend is SQLite; history and backup need it.
	sqlite *persistence.Store
}

// loadConfig loads the configuration, writing the starter files on first run
// when the default location is used.
func loadConfig(opts *options) (config.Config, bool, error) {
	cfg, err := config.LoadFrom(opts.configPath)
	if err != nil && !cfg.NeedsGenesis {
		return cfg, false, &startupError{code: "E_CONFIG_LOAD", err: err}
	}
	if !cfg.NeedsGenesis {
		return cfg, false, nil
	}
	if opts.configPath != "" {
		return cfg, false, &startupError{code: "E_CONFIG_LOAD", err: fmt.Errorf("config file %s not found", opts.configPath)}
	}
	if err := config.WriteStarter(cfg.HomeDir); err != nil {
		return cfg, false, &startupError{code: "E_GENESIS_WRITE", err: err}
	}
	cfg, err = config.LoadFrom("")
	if err != nil {
		return cfg, false, &startupError{code: "E_CONFIG_RELOAD", err: err}
	}
	return cfg, true, nil
}

// openApp loads config, starts logging and opens the row store. quiet keeps
// logs out of stdout.
func openApp(ctx context.Context, opts *options, quiet bool) (*app, error) {
	cfg, wrote, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	// Audit first so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, &startupError{code: "E_AUDIT_INIT", err: err}
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		audit.Record("startup", audit.OutcomeFailed, "E_LOGGER_INIT", err.Error())
		_ = audit.Close()
		return nil, &startupError{code: "E_LOGGER_INIT", err: err}
	}
	a := &app{cfg: cfg, logger: logger, closer: closer}
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.ConfigPath, "fingerprint", cfg.Fingerprint())
	if wrote {
		logger.Info("starter config written", "home", cfg.HomeDir)
	}

	a.rows, err = cfg.RowSchema()
	if err != nil {
		return nil, a.fail("E_SCHEMA", err)
	}
	if err := a.openStore(ctx); err != nil {
		return nil, a.fail("E_STORE_OPEN", err)
	}
	logger.Info("startup phase", "phase", "store_opened", "backend", cfg.Store.Backend)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	fields := a.cfg.FieldNames()
	switch a.cfg.Store.Backend {
	case config.BackendSheets:
		s, err := sheets.Dial(ctx, sheets.Config{
			CredentialsFile: a.cfg.Store.Sheets.CredentialsFile,
			SpreadsheetID:   a.cfg.Store.Sheets.SpreadsheetID,
			SheetName:       a.cfg.Store.Sheets.SheetName,
		}, fields)
		if err != nil {
			return err
		}
		a.store = s
	default:
		s, err := persistence.Open(a.cfg.Store.SQLitePath, fields)
		if err != nil {
			return err
		}
		a.store, a.sqlite = s, s
	}
	return nil
}

// fail logs a startup failure and closes whatever was opened.
func (a *app) fail(code string, err error) error {
	a.logger.Error("startup failure", "reason_code", code, "error", err)
	audit.Record("startup", audit.OutcomeFailed, code, err.Error())
	a.Close()
	return &startupError{code: code, err: err, logged: true}
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
		a.store, a.sqlite = nil, nil
	}
	if a.closer != nil {
		_ = a.closer.Close()
		a.closer = nil
	}
	_ = audit.Close()
}

// workflow returns the named workflow or a usage error listing the choices.
func (a *app) workflow(name string) (config.WorkflowConfig, error) {
	if wc, ok := a.cfg.Workflow(name); ok {
		return wc, nil
	}
	names := make([]string, 0, len(a.cfg.Workflows))
	for _, w := range a.cfg.Workflows {
		names = append(names, w.Name)
	}
	return config.WorkflowConfig{}, usageError{fmt.Errorf("unknown workflow %q (configured: %v)", name, names)}
}

var errSheetsUnsupported = errors.New("not supported by the sheets backend")
