package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/basket/go-survey/internal/bus"
	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/engine"
	"github.com/basket/go-survey/internal/liveness"
	"github.com/basket/go-survey/internal/mcp"
	gsotel "github.com/basket/go-survey/internal/otel"
	"github.com/basket/go-survey/internal/workflow"
	"golang.org/x/sync/semaphore"
)

// runtime is everything a workflow run needs beyond the row store.
type runtime struct {
	*app
	otel     *gsotel.Provider
	metrics  *gsotel.Metrics
	bus      *bus.Bus
	client   *engine.Client
	helpers  *mcp.Manager
	liveness *liveness.Manager
	// helperLock is shared by every session because they all drive helpers.
	helperLock *semaphore.Weighted

	sessions      map[string]*workflow.Session
	investigators map[string]*engine.ModelInvestigator
}

// startRuntime wires telemetry, the model client, the helper servers and one
// session per configured workflow. Close releases all of it.
func startRuntime(ctx context.Context, a *app) (*runtime, error) {
	cfg := a.cfg
	rt := &runtime{
		app:           a,
		bus:           bus.New(),
		helperLock:    semaphore.NewWeighted(1),
		sessions:      map[string]*workflow.Session{},
		investigators: map[string]*engine.ModelInvestigator{},
	}

	var err error
	rt.otel, err = gsotel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, a.fail("E_OTEL_INIT", err)
	}
	rt.metrics, err = gsotel.NewMetrics(rt.otel.Meter)
	if err != nil {
		rt.shutdown()
		return nil, a.fail("E_OTEL_INIT", err)
	}

	rt.client, err = engine.NewClient(ctx, cfg.LLM)
	if err != nil {
		rt.shutdown()
		return nil, a.fail("E_LLM_INIT", err)
	}

	rt.helpers = mcp.NewManager(cfg.Helpers.EnabledServers(), a.logger)
	if err := rt.helpers.Start(ctx); err != nil {
		rt.shutdown()
		return nil, a.fail("E_HELPERS_START", err)
	}
	if n := rt.client.RegisterMCPTools(ctx, rt.helpers); n > 0 {
		a.logger.Info("helper tools registered", "count", n, "servers", rt.helpers.Connected())
	}
	rt.liveness = liveness.New(liveness.Config{
		RestartEvery: cfg.Helpers.RestartEvery,
		PollInterval: cfg.Helpers.PollInterval(),
		MaxWait:      cfg.Helpers.MaxWait(),
		Expected:     cfg.Helpers.Expected,
	}, liveness.ProcessRegistry{Match: cfg.Helpers.Match}, rt.helpers, a.logger)
	rt.liveness.SetTracer(rt.otel.Tracer)

	structurer := engine.NewStructurer(rt.client, cfg.LLM.StructureModel, cfg.LLM.StructureRetries)
	structurer.SetTracer(rt.otel.Tracer)

	for _, wc := range cfg.Workflows {
		if err := rt.addSession(wc, structurer); err != nil {
			rt.shutdown()
			return nil, a.fail("E_WORKFLOW_INIT", err)
		}
	}
	a.logger.Info("startup phase", "phase", "runtime_ready", "workflows", rt.workflowNames())
	return rt, nil
}

func (rt *runtime) addSession(wc config.WorkflowConfig, structurer engine.Structurer) error {
	def, err := workflow.DefinitionFrom(wc)
	if err != nil {
		return err
	}
	if def.Model == "" {
		def.Model = rt.cfg.LLM.Model
	}
	inv := engine.NewInvestigator(rt.client, wc.Instructions, wc.Model, wc.UseTools)
	inv.SetTracer(rt.otel.Tracer)
	sess, err := workflow.NewSession(def, workflow.Deps{
		Store:          rt.store,
		Rows:           rt.rows,
		Investigator:   inv,
		Structurer:     structurer,
		Liveness:       rt.liveness,
		Logger:         rt.logger,
		Bus:            rt.bus,
		Tracer:         rt.otel.Tracer,
		Metrics:        rt.metrics,
		Lock:           rt.helperLock,
		FlushThreshold: rt.cfg.Stream.FlushThreshold,
	})
	if err != nil {
		return err
	}
	rt.sessions[wc.Name] = sess
	rt.investigators[wc.Name] = inv
	return nil
}

func (rt *runtime) session(name string) (*workflow.Session, error) {
	if s, ok := rt.sessions[name]; ok {
		return s, nil
	}
	return nil, usageError{fmt.Errorf("unknown workflow %q (configured: %v)", name, rt.workflowNames())}
}

func (rt *runtime) workflowNames() []string {
	names := make([]string, 0, len(rt.sessions))
	for name := range rt.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reloadInstructions pushes fresh instructions into the running investigators.
func (rt *runtime) reloadInstructions(cfg config.Config) {
	for _, wc := range cfg.Workflows {
		inv, ok := rt.investigators[wc.Name]
		if !ok {
			rt.logger.Warn("workflow added to config; restart to run it", "workflow", wc.Name)
			continue
		}
		if inv.Instructions() == wc.Instructions {
			continue
		}
		inv.SetInstructions(wc.Instructions)
		rt.logger.Info("instructions hot-reloaded", "workflow", wc.Name)
	}
}

func (rt *runtime) Close() {
	rt.shutdown()
	rt.app.Close()
}

func (rt *runtime) shutdown() {
	if rt.helpers != nil {
		if err := rt.helpers.Stop(); err != nil {
			rt.logger.Warn("stop helpers", "error", err)
		}
	}
	if rt.otel != nil {
		_ = rt.otel.Shutdown(context.Background())
	}
}
