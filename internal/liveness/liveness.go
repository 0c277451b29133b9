// Package liveness periodically recycles the long-lived helper processes the
// investigator drives. A counter seeded at RestartEvery is decremented once per
// attempt; when it runs out the helpers are stopped, confirmed dead, started
// again and confirmed alive before the counter is reseeded.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gsotel "github.com/basket/go-survey/internal/otel"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ErrRestartTimeout is returned when helpers do not stop or start within MaxWait.
var ErrRestartTimeout = errors.New("helper restart timed out")

// Handle identifies one running helper process.
type Handle struct {
	PID     int32
	Cmdline string
}

// Registry lists and terminates helper processes.
type Registry interface {
	ListRunning(ctx context.Context) ([]Handle, error)
	Terminate(ctx context.Context, h Handle) error
}

// Pool owns the helper connections that get re-initialized after a restart.
type Pool interface {
	Start(ctx context.Context) error
	Stop() error
}

// NopPool is a Pool with nothing to start or stop.
type NopPool struct{}

func (NopPool) Start(context.Context) error { return nil }
func (NopPool) Stop() error                 { return nil }

// Config controls the restart cadence.
type Config struct {
	// RestartEvery is the number of ticks between restarts. Values below 1 are treated as 1.
	RestartEvery int
	PollInterval time.Duration
	// MaxWait bounds each wait of a restart. Zero waits indefinitely.
	MaxWait time.Duration
	// Expected is the number of helpers that must be alive after a restart.
	Expected int
}

// Manager tracks the budget and performs restarts. Safe for concurrent use;
// restarts are serialized.
type Manager struct {
	cfg      Config
	registry Registry
	pool     Pool
	logger   *slog.Logger
	tracer   trace.Tracer

	mu        sync.Mutex
	remaining int
	restarts  int
}

// New returns a Manager with a full budget.
func New(cfg Config, registry Registry, pool Pool, logger *slog.Logger) *Manager {
	if cfg.RestartEvery < 1 {
		cfg.RestartEvery = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if pool == nil {
		pool = NopPool{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		registry:  registry,
		pool:      pool,
		logger:    logger,
		tracer:    nooptrace.NewTracerProvider().Tracer(gsotel.TracerName),
		remaining: cfg.RestartEvery,
	}
}

// SetTracer records restart spans on tracer.
func (m *Manager) SetTracer(tracer trace.Tracer) {
	if tracer != nil {
		m.tracer = tracer
	}
}

// Tick consumes one unit of budget, restarting the helpers first when the
// budget is exhausted. On failure the budget is left exhausted so the next
// tick retries the restart.
func (m *Manager) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.remaining <= 0 {
		if err := m.restartLocked(ctx); err != nil {
			return err
		}
		m.remaining = m.cfg.RestartEvery
		return nil
	}
	m.remaining--
	return nil
}

// Restart runs the restart sequence immediately and reseeds the budget.
func (m *Manager) Restart(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.restartLocked(ctx); err != nil {
		return err
	}
	m.remaining = m.cfg.RestartEvery
	return nil
}

// Remaining returns the budget left before the next restart.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remaining
}

// Restarts returns the number of completed restarts.
func (m *Manager) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func (m *Manager) restartLocked(ctx context.Context) (err error) {
	ctx, span := gsotel.StartSpan(ctx, m.tracer, gsotel.SpanRestart,
		gsotel.AttrHelpers.Int(m.cfg.Expected))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	started := time.Now()
	if err := m.pool.Stop(); err != nil {
		m.logger.Warn("helper pool stop failed", "error", err)
	}

	running, err := m.registry.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("list helpers: %w", err)
	}
	for _, h := range running {
		if err := m.registry.Terminate(ctx, h); err != nil {
			m.logger.Warn("helper terminate failed", "pid", h.PID, "error", err)
		}
	}
	m.logger.Info("waiting for helpers to exit", "terminated", len(running))
	if err := m.waitFor(ctx, "exit", func(n int) bool { return n == 0 }); err != nil {
		return err
	}

	if err := m.pool.Start(ctx); err != nil {
		return fmt.Errorf("start helpers: %w", err)
	}
	if err := m.waitFor(ctx, "start", func(n int) bool { return n >= m.cfg.Expected }); err != nil {
		return err
	}

	m.restarts++
	m.logger.Info("helpers restarted",
		"terminated", len(running),
		"expected", m.cfg.Expected,
		"restarts", m.restarts,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// waitFor polls the registry until done accepts the live count.
func (m *Manager) waitFor(ctx context.Context, phase string, done func(alive int) bool) error {
	var deadline <-chan time.Time
	if m.cfg.MaxWait > 0 {
		timer := time.NewTimer(m.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		running, err := m.registry.ListRunning(ctx)
		if err != nil {
			m.logger.Warn("list helpers failed", "phase", phase, "error", err)
		} else if done(len(running)) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("helpers %s after %s: %w", phase, m.cfg.MaxWait, ErrRestartTimeout)
		case <-ticker.C:
		}
	}
}
