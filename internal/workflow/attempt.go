package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-survey/internal/bus"
	"github.com/basket/go-survey/internal/engine"
	gsotel "github.com/basket/go-survey/internal/otel"
	"github.com/basket/go-survey/internal/pricing"
	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/safety"
	"github.com/basket/go-survey/internal/shared"
	"github.com/basket/go-survey/internal/stream"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

// Outcome is how an attempt ended.
type Outcome string

const (
	OutcomeNoWork      Outcome = "no_work"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeDone        Outcome = "done"
	OutcomeNeedsReview Outcome = "needs_review"
	OutcomeError       Outcome = "error"
)

// Result describes one attempt. Err carries the row-level failure for
// OutcomeError and the validation error for OutcomeNeedsReview.
type Result struct {
	Key     int64
	Outcome Outcome
	Err     error
	// Usage estimates the model calls made, zero when none were.
	Usage pricing.Usage
}

// finalizeTimeout bounds the result write when the attempt context is gone.
const finalizeTimeout = 30 * time.Second

// Attempt processes at most one backlog row while holding the session lock,
// which may be shared with other sessions on the same helpers. The returned
// error is non-nil only when the attempt could not start (lock wait
// cancelled) or the helper restart failed; row failures are reported through
// Result.
func (s *Session) Attempt(ctx context.Context) (res Result, err error) {
	if err := s.lock.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer s.lock.Release(1)

	if shared.RunID(ctx) == "" {
		ctx = shared.WithRunID(ctx, s.runID)
	}
	ctx = shared.WithWorkflow(ctx, s.def.Name)
	logger := s.logger.With("run_id", shared.RunID(ctx))

	started := time.Now()
	ctx, span := gsotel.StartSpan(ctx, s.deps.Tracer, gsotel.SpanAttempt,
		gsotel.AttrWorkflow.String(s.def.Name),
		gsotel.AttrRunID.String(shared.RunID(ctx)),
	)
	defer func() {
		span.SetAttributes(gsotel.AttrOutcome.String(string(res.Outcome)), gsotel.AttrRowKey.Int64(res.Key))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.recordAttempt(ctx, res, err, time.Since(started))
	}()

	before := s.deps.Liveness.Restarts()
	if err := s.deps.Liveness.Tick(ctx); err != nil {
		logger.Error("helper restart failed", "error", err)
		return Result{Outcome: OutcomeError, Err: err}, wrapLiveness(err)
	}
	if after := s.deps.Liveness.Restarts(); after > before {
		s.publish(bus.TopicHelpersRestarted, bus.HelpersRestartedEvent{
			RunID: shared.RunID(ctx), Workflow: s.def.Name, Restarts: after,
		})
		if s.deps.Metrics != nil {
			s.deps.Metrics.Restarts.Add(ctx, int64(after-before))
		}
	}

	key, ok := s.backlog.TakeNextKey()
	if !ok {
		logger.Warn("no rows left to investigate")
		return Result{Outcome: OutcomeNoWork}, nil
	}
	ctx = shared.WithRowKey(ctx, key)
	logger = logger.With("row", key)

	row, skipped, err := s.claim(ctx, logger, key)
	switch {
	case skipped:
		return Result{Key: key, Outcome: OutcomeSkipped}, nil
	case err != nil:
		return Result{Key: key, Outcome: OutcomeError, Err: err}, nil
	}
	return s.investigate(ctx, logger, row), nil
}

// claim re-reads the row and marks it in progress. Skipped rows are left
// untouched. A failed claim write is returned without touching the row again.
func (s *Session) claim(ctx context.Context, logger *slog.Logger, key int64) (row *rowstore.Row, skipped bool, err error) {
	row, err = s.deps.Store.FetchOne(ctx, key)
	switch {
	case err != nil:
		logger.Warn("skipping row: re-read failed", "error", err)
		s.skip(ctx, key, "re-read failed")
		return nil, true, nil
	case row == nil:
		logger.Info("skipping row: no longer exists")
		s.skip(ctx, key, "missing")
		return nil, true, nil
	}
	if err := s.deps.Rows.ValidateRow(row.Data); err != nil {
		logger.Info("skipping row: fails row schema", "error", err)
		s.skip(ctx, key, "invalid")
		return nil, true, nil
	}
	if status := row.Data.Get(s.def.StatusField); status != "" {
		logger.Info("skipping row: already claimed", "status", status)
		s.skip(ctx, key, "claimed")
		return nil, true, nil
	}

	claimed := rowstore.Data{
		s.def.StatusField: s.def.Statuses.InProgress,
		s.def.ErrorField:  "",
	}
	if err := s.deps.Store.WritePartial(ctx, key, claimed); err != nil {
		logger.Error("claim write failed", "error", err)
		return nil, false, fmt.Errorf("claim row %d: %w", key, err)
	}
	row.Data = row.Data.Merge(claimed)
	s.publish(bus.TopicRowClaimed, bus.RowEvent{
		RunID: shared.RunID(ctx), Workflow: s.def.Name, Key: key, Status: s.def.Statuses.InProgress,
	})
	return row, false, nil
}

func (s *Session) skip(ctx context.Context, key int64, reason string) {
	s.publish(bus.TopicRowSkipped, bus.RowEvent{
		RunID: shared.RunID(ctx), Workflow: s.def.Name, Key: key,
		Outcome: string(OutcomeSkipped), Error: reason,
	})
}

func (s *Session) input(row *rowstore.Row) engine.Input {
	in := engine.Input{Key: row.Key, Workflow: s.def.Name}
	for _, f := range s.def.InputFields {
		in.Fields = append(in.Fields, engine.Field{Name: f, Value: row.Data.Get(f)})
	}
	return in
}

// screen rejects rows whose input cells look like prompt injection.
func (s *Session) screen(logger *slog.Logger, in engine.Input) error {
	cells := make(map[string]string, len(in.Fields))
	for _, f := range in.Fields {
		cells[f.Name] = f.Value
	}
	findings := safety.ScreenInput(cells)
	if f, ok := safety.Blocked(findings); ok {
		return fmt.Errorf("%w: %s", ErrInputRejected, f)
	}
	for _, f := range findings {
		logger.Warn("suspicious input cell", "field", f.Field, "reason", f.Reason)
	}
	return nil
}

func (s *Session) investigate(ctx context.Context, logger *slog.Logger, row *rowstore.Row) (res Result) {
	var usage pricing.Usage
	defer func() {
		res.Usage = usage
		if usage.Tokens() > 0 {
			logger.Info("attempt usage estimate",
				"prompt_tokens", usage.PromptTokens,
				"completion_tokens", usage.CompletionTokens,
				"cost_usd", usage.CostUSD,
			)
		}
	}()

	in := s.input(row)
	if err := s.screen(logger, in); err != nil {
		return s.fail(ctx, logger, row.Key, err)
	}
	logger.Info("investigation started", "input", in.Prompt())

	agg := s.newAggregator(logger)
	transcript, err := stream.Consume(ctx, s.deps.Investigator.Investigate(ctx, in), agg)
	if s.deps.Metrics != nil {
		s.deps.Metrics.StreamFragments.Add(ctx, int64(agg.Fragments()),
			metric.WithAttributes(gsotel.AttrWorkflow.String(s.def.Name)))
	}
	usage = pricing.Estimate(s.def.Model, in.Prompt(), transcript)
	if err != nil {
		return s.fail(ctx, logger, row.Key, fmt.Errorf("investigate: %w", err))
	}

	record, err := s.deps.Structurer.Structure(ctx, transcript, s.def.Result)
	usage = usage.Add(pricing.Estimate(s.def.Model, transcript, ""))
	if err != nil {
		return s.fail(ctx, logger, row.Key, fmt.Errorf("structure: %w", err))
	}
	logger.Info("investigation complete", "record", record)

	data := s.resultData(logger, record)
	for _, f := range safety.ScrubSecrets(data) {
		logger.Warn("secret scrubbed from record", "field", f.Field, "reason", f.Reason)
	}
	verr := s.def.Result.Validate(record)
	switch {
	case verr == nil:
		data[s.def.StatusField] = s.def.Statuses.Done
		return s.finalize(ctx, logger, row.Key, data, Result{Key: row.Key, Outcome: OutcomeDone})
	case s.def.TrackValidation:
		logger.Warn("result needs review", "error", verr)
		data[s.def.StatusField] = s.def.Statuses.NeedsReview
		data[s.def.ErrorField] = verr.Error()
		return s.finalize(ctx, logger, row.Key, data, Result{Key: row.Key, Outcome: OutcomeNeedsReview, Err: verr})
	default:
		return s.fail(ctx, logger, row.Key, fmt.Errorf("structure: %w", verr))
	}
}

// resultData keeps the record fields the workflow may write: declared by the
// result schema, present in the row schema, and not the status or error field.
func (s *Session) resultData(logger *slog.Logger, record map[string]any) rowstore.Data {
	projected, dropped := s.def.Result.Project(record)
	data := make(rowstore.Data, len(projected)+2)
	for k, v := range projected {
		if !s.deps.Rows.Has(k) || k == s.def.StatusField || k == s.def.ErrorField {
			dropped = append(dropped, k)
			continue
		}
		data[k] = v
	}
	if len(dropped) > 0 {
		logger.Debug("record fields not written", "fields", dropped)
	}
	return data
}

func (s *Session) fail(ctx context.Context, logger *slog.Logger, key int64, err error) Result {
	logger.Error("investigation failed", "error", err, "error_class", string(engine.ClassifyError(err)))
	data := rowstore.Data{
		s.def.StatusField: s.def.Statuses.Error,
		s.def.ErrorField:  err.Error(),
	}
	return s.finalize(ctx, logger, key, data, Result{Key: key, Outcome: OutcomeError, Err: err})
}

// finalize writes the terminal row state. The write survives cancellation of
// ctx so a cancelled attempt does not leave its row in progress.
func (s *Session) finalize(ctx context.Context, logger *slog.Logger, key int64, data rowstore.Data, res Result) Result {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := s.deps.Store.WritePartial(wctx, key, data); err != nil {
		logger.Error("result write failed", "error", err, "status", data[s.def.StatusField])
		if res.Err == nil {
			res.Err = fmt.Errorf("write result: %w", err)
		} else {
			res.Err = errors.Join(res.Err, fmt.Errorf("write result: %w", err))
		}
		res.Outcome = OutcomeError
		return res
	}

	ev := bus.RowEvent{
		RunID:    shared.RunID(ctx),
		Workflow: s.def.Name,
		Key:      key,
		Status:   data[s.def.StatusField],
		Outcome:  string(res.Outcome),
	}
	if res.Err != nil {
		ev.Error = res.Err.Error()
	}
	s.publish(bus.TopicRowFinalized, ev)
	logger.Info("row finalized", "status", ev.Status, "outcome", ev.Outcome)
	return res
}

func (s *Session) recordAttempt(ctx context.Context, res Result, err error, elapsed time.Duration) {
	if s.deps.Metrics == nil {
		return
	}
	outcome := string(res.Outcome)
	if err != nil && res.Outcome == "" {
		outcome = "aborted"
	}
	attrs := metric.WithAttributes(
		gsotel.AttrWorkflow.String(s.def.Name),
		gsotel.AttrOutcome.String(outcome),
	)
	s.deps.Metrics.Attempts.Add(ctx, 1, attrs)
	s.deps.Metrics.AttemptDuration.Record(ctx, elapsed.Seconds(), attrs)
}
