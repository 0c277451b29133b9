// Package workflow runs investigate-and-record workflows over a row store.
//
// A Session pairs one workflow definition with its backlog and capabilities.
// Attempt processes at most one row under the session lock: it ticks the
// helper liveness budget, takes the next backlog key, re-reads and claims the
// row, streams an investigation, structures the transcript and writes the
// result back. Run loads the backlog once and attempts until it is empty.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/basket/go-survey/internal/backlog"
	"github.com/basket/go-survey/internal/bus"
	"github.com/basket/go-survey/internal/engine"
	gsotel "github.com/basket/go-survey/internal/otel"
	"github.com/basket/go-survey/internal/pricing"
	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/schema"
	"github.com/basket/go-survey/internal/shared"
	"github.com/basket/go-survey/internal/stream"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrLivenessFailed wraps restart failures that stop a run.
	ErrLivenessFailed = errors.New("helper liveness failed")
	// ErrRunInProgress is returned by Run when the session is already running.
	ErrRunInProgress = errors.New("workflow run already in progress")
	// ErrInputRejected is recorded on rows whose input cells look like prompt injection.
	ErrInputRejected = errors.New("input rejected")
)

// Liveness is the helper budget consulted before every attempt.
type Liveness interface {
	Tick(ctx context.Context) error
	Restarts() int
}

type nopLiveness struct{}

func (nopLiveness) Tick(context.Context) error { return nil }
func (nopLiveness) Restarts() int              { return 0 }

// Deps are the collaborators a Session drives. Store, Rows, Investigator and
// Structurer are required.
type Deps struct {
	Store        rowstore.Store
	Rows         *schema.Schema
	Investigator engine.Investigator
	Structurer   engine.Structurer
	Liveness     Liveness
	Logger       *slog.Logger
	Bus          *bus.Bus
	Tracer       trace.Tracer
	Metrics      *gsotel.Metrics
	// Lock serializes attempts. Sessions that drive the same helper pool must
	// share one so a restart never lands inside another session's attempt.
	// Nil gives the session a lock of its own.
	Lock *semaphore.Weighted
	// FlushThreshold is the stream line length; 0 uses the aggregator default.
	FlushThreshold int
}

// Session owns one workflow's backlog.
type Session struct {
	def     Definition
	deps    Deps
	logger  *slog.Logger
	backlog *backlog.Tracker
	lock    *semaphore.Weighted
	runID   string
	running atomic.Bool
}

// NewSession validates def against the row schema and returns a Session.
func NewSession(def Definition, deps Deps) (*Session, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("workflow: store required")
	case deps.Rows == nil:
		return nil, errors.New("workflow: row schema required")
	case deps.Investigator == nil || deps.Structurer == nil:
		return nil, errors.New("workflow: investigator and structurer required")
	}
	if err := def.validate(deps.Rows); err != nil {
		return nil, err
	}
	if deps.Liveness == nil {
		deps.Liveness = nopLiveness{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = nooptrace.NewTracerProvider().Tracer(gsotel.TracerName)
	}
	if deps.Lock == nil {
		deps.Lock = semaphore.NewWeighted(1)
	}
	if def.Eligible == nil {
		def.Eligible = backlog.StatusEmpty(def.StatusField)
	}
	return &Session{
		def:     def,
		deps:    deps,
		logger:  deps.Logger.With("workflow", def.Name),
		backlog: backlog.New(deps.Store, deps.Rows, def.Eligible),
		lock:    deps.Lock,
		runID:   shared.NewRunID(),
	}, nil
}

// Definition returns the compiled workflow the session runs.
func (s *Session) Definition() Definition { return s.def }

// Backlog exposes the tracker, mainly for Load and inspection.
func (s *Session) Backlog() *backlog.Tracker { return s.backlog }

// Summary counts the outcomes of one Run.
type Summary struct {
	Eligible    int
	Excluded    int
	Done        int
	NeedsReview int
	Errors      int
	Skipped     int
	NoWork      int
	// Usage totals the estimates of every attempt.
	Usage pricing.Usage
}

func (s *Summary) add(r Result) {
	s.Usage = s.Usage.Add(r.Usage)
	switch r.Outcome {
	case OutcomeDone:
		s.Done++
	case OutcomeNeedsReview:
		s.NeedsReview++
	case OutcomeError:
		s.Errors++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeNoWork:
		s.NoWork++
	}
}

// Attempts is the number of attempts that took a row.
func (s Summary) Attempts() int {
	return s.Done + s.NeedsReview + s.Errors + s.Skipped
}

// Run loads the backlog and attempts rows until none remain. Failures tied to
// a single row are recorded on the row and do not stop the run; a liveness
// failure or cancellation does.
func (s *Session) Run(ctx context.Context) (Summary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Summary{}, ErrRunInProgress
	}
	defer s.running.Store(false)

	if shared.RunID(ctx) == "" {
		ctx = shared.WithRunID(ctx, shared.NewRunID())
	}
	logger := s.logger.With("run_id", shared.RunID(ctx))

	loaded, err := s.backlog.Load(ctx)
	if err != nil {
		return Summary{}, err
	}
	for _, le := range loaded.Errors {
		logger.Error("row excluded from backlog", "row", le.Key, "reason", le.Reason)
	}
	if s.deps.Metrics != nil && len(loaded.Errors) > 0 {
		s.deps.Metrics.LoadErrors.Add(ctx, int64(len(loaded.Errors)),
			metric.WithAttributes(gsotel.AttrWorkflow.String(s.def.Name)))
	}
	logger.Info("backlog loaded", "eligible", loaded.Count, "excluded", len(loaded.Errors))

	sum := Summary{Eligible: loaded.Count, Excluded: len(loaded.Errors)}
	for s.backlog.HasRemaining() {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		res, err := s.Attempt(ctx)
		if err != nil {
			return sum, err
		}
		sum.add(res)
	}
	logger.Info("workflow run finished",
		"done", sum.Done,
		"needs_review", sum.NeedsReview,
		"errors", sum.Errors,
		"skipped", sum.Skipped,
		"est_tokens", sum.Usage.Tokens(),
		"est_cost_usd", sum.Usage.CostUSD,
	)
	return sum, nil
}

// Running reports whether Run is in progress.
func (s *Session) Running() bool { return s.running.Load() }

func (s *Session) publish(topic string, payload any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(topic, payload)
	}
}

func (s *Session) newAggregator(logger *slog.Logger) *stream.Aggregator {
	return stream.New(s.deps.FlushThreshold, func(line string) {
		logger.Info(line)
	})
}

func wrapLiveness(err error) error {
	return fmt.Errorf("%w: %w", ErrLivenessFailed, err)
}
