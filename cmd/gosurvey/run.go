package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/basket/go-survey/internal/bus"
	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/cron"
	"github.com/basket/go-survey/internal/workflow"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newRunCmd(opts *options) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Process every eligible row of a workflow",
		Long: `Load the workflow's backlog and attempt each eligible row in table order.
Per-row failures are recorded on the row and do not stop the run. With --once
only the first eligible row is attempted.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), opts, opts.quiet)
			if err != nil {
				return err
			}
			rt, err := startRuntime(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer rt.Close()

			sess, err := rt.session(args[0])
			if err != nil {
				return err
			}
			stop := reportProgress(rt.bus, cmd.OutOrStdout())
			defer stop()

			if once {
				return runOnce(cmd.Context(), sess, cmd.OutOrStdout())
			}
			sum, err := sess.Run(cmd.Context())
			stop()
			printSummary(cmd.OutOrStdout(), args[0], sum)
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "attempt a single row and exit")
	return cmd
}

func runOnce(ctx context.Context, sess *workflow.Session, w io.Writer) error {
	if _, err := sess.Backlog().Load(ctx); err != nil {
		return err
	}
	res, err := sess.Attempt(ctx)
	if err != nil {
		return err
	}
	if res.Outcome == workflow.OutcomeNoWork {
		fmt.Fprintln(w, "no eligible rows")
	}
	return nil
}

func printSummary(w io.Writer, name string, sum workflow.Summary) {
	fmt.Fprintf(w, "%s: %d eligible, %d excluded, %d done, %d needs review, %d errors, %d skipped\n",
		name, sum.Eligible, sum.Excluded, sum.Done, sum.NeedsReview, sum.Errors, sum.Skipped)
	if sum.Usage.Tokens() > 0 {
		fmt.Fprintf(w, "%s: ~%d tokens, ~$%.4f (estimated)\n", name, sum.Usage.Tokens(), sum.Usage.CostUSD)
	}
}

// reportProgress prints one line per finalized or skipped row and per helper
// restart. The returned func unsubscribes and waits for the printer; it is
// safe to call more than once.
func reportProgress(b *bus.Bus, w io.Writer) func() {
	sub := b.Subscribe("")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Ch() {
			if line := progressLine(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.Unsubscribe(sub)
			<-done
		})
	}
}

func progressLine(ev bus.Event) string {
	switch p := ev.Payload.(type) {
	case bus.RowEvent:
		switch ev.Topic {
		case bus.TopicRowFinalized:
			if p.Error != "" {
				return fmt.Sprintf("[%s] row %d: %s (%s)", p.Workflow, p.Key, p.Status, p.Error)
			}
			return fmt.Sprintf("[%s] row %d: %s", p.Workflow, p.Key, p.Status)
		case bus.TopicRowSkipped:
			return fmt.Sprintf("[%s] row %d: skipped", p.Workflow, p.Key)
		}
	case bus.HelpersRestartedEvent:
		return fmt.Sprintf("[%s] helpers restarted (%d so far)", p.Workflow, p.Restarts)
	}
	return ""
}

func newDaemonCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled workflows until interrupted",
		Long: `Run every workflow that has a schedule on its cron expression. A workflow
whose previous run is still going is not started again. Edits to instruction
files and to config.yaml instructions are picked up without a restart.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := openApp(cmd.Context(), opts, opts.quiet)
			if err != nil {
				return err
			}
			rt, err := startRuntime(cmd.Context(), a)
			if err != nil {
				return err
			}
			defer rt.Close()
			return runDaemon(cmd.Context(), rt)
		},
	}
}

func runDaemon(ctx context.Context, rt *runtime) error {
	sched := cron.NewScheduler(cron.Config{Logger: rt.logger})
	for _, wc := range rt.cfg.Workflows {
		if wc.Schedule == "" {
			continue
		}
		sess := rt.sessions[wc.Name]
		err := sched.Add(cron.Job{
			Name: wc.Name,
			Expr: wc.Schedule,
			Run: func(ctx context.Context) error {
				_, err := sess.Run(ctx)
				if errors.Is(err, workflow.ErrRunInProgress) {
					return nil
				}
				return err
			},
		})
		if err != nil {
			return &startupError{code: "E_SCHEDULE", err: err}
		}
	}
	if sched.Len() == 0 {
		rt.logger.Warn("no workflow has a schedule; daemon is idle")
	}

	watcher := config.NewWatcher(rt.cfg, rt.logger)
	if err := watcher.Start(ctx); err != nil {
		return &startupError{code: "E_CONFIG_WATCHER_START", err: err}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		sched.Stop()
		return nil
	})
	g.Go(func() error {
		for ev := range watcher.Events() {
			rt.logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			rt.handleReload(ev.Path)
		}
		return nil
	})
	g.Go(func() error {
		sub := rt.bus.Subscribe(bus.TopicRowFinalized)
		defer rt.bus.Unsubscribe(sub)
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev := <-sub.Ch():
				if line := progressLine(ev); line != "" {
					rt.logger.Info(line)
				}
			}
		}
	})

	rt.logger.Info("daemon started", "scheduled", sched.Len())
	err := g.Wait()
	rt.logger.Info("daemon stopped")
	return err
}

// handleReload re-reads config.yaml or a single instructions file.
func (rt *runtime) handleReload(path string) {
	if filepath.Clean(path) == filepath.Clean(rt.cfg.ConfigPath) {
		cfg, err := config.LoadFrom(rt.cfg.ConfigPath)
		if err != nil {
			rt.logger.Error("config.yaml reload rejected; keeping previous instructions", "error", err)
			return
		}
		if cfg.Fingerprint() != rt.cfg.Fingerprint() {
			rt.logger.Warn("config.yaml changed beyond instructions; restart the daemon to apply", "fingerprint", cfg.Fingerprint())
		}
		rt.reloadInstructions(cfg)
		return
	}
	for _, wc := range rt.cfg.Workflows {
		if wc.InstructionsPath == "" || filepath.Clean(wc.InstructionsPath) != filepath.Clean(path) {
			continue
		}
		text, err := wc.ReadInstructions()
		if err != nil {
			rt.logger.Error("instructions reload failed", "workflow", wc.Name, "error", err)
			continue
		}
		wc.Instructions = text
		rt.reloadInstructions(config.Config{Workflows: []config.WorkflowConfig{wc}})
	}
}
