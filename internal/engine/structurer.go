package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gsotel "github.com/basket/go-survey/internal/otel"
	"github.com/basket/go-survey/internal/schema"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errSequenceReused = errors.New("investigation sequence already consumed")

const structureSystem = "You convert research reports into JSON records. " +
	"Reply with exactly one JSON object and nothing else. " +
	"Use null for any field the report does not establish."

// ModelStructurer asks a Generator to restate a report as a JSON record.
// A reply with no JSON object is retried up to Retries more times.
type ModelStructurer struct {
	gen     Generator
	model   string
	retries int
	tracer  trace.Tracer
}

var _ Structurer = (*ModelStructurer)(nil)

// NewStructurer returns a Structurer that asks model for JSON and retries
// undecodable replies up to retries times.
func NewStructurer(gen Generator, model string, retries int) *ModelStructurer {
	if retries < 0 {
		retries = 0
	}
	return &ModelStructurer{gen: gen, model: model, retries: retries, tracer: tracerOrNoop(nil)}
}

// SetTracer sets the tracer for structure spans.
func (s *ModelStructurer) SetTracer(t trace.Tracer) { s.tracer = tracerOrNoop(t) }

// Structure returns the decoded candidate record. Validation against target
// is left to the caller.
func (s *ModelStructurer) Structure(ctx context.Context, text string, target *schema.Schema) (map[string]any, error) {
	ctx, span := gsotel.StartClientSpan(ctx, s.tracer, gsotel.SpanStructure,
		gsotel.AttrModel.String(s.model),
	)
	defer span.End()

	prompt := structurePrompt(text, string(target.Document()))

	var lastErr error
	for attempt := 0; attempt <= s.retries; attempt++ {
		req := Request{System: structureSystem, Prompt: prompt, Model: s.model}
		if lastErr != nil {
			req.Prompt = fmt.Sprintf("Your previous reply could not be used (%v). %s", lastErr, prompt)
		}
		reply, err := s.gen.Generate(ctx, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		record, err := decodeRecord(reply)
		if err == nil {
			return record, nil
		}
		lastErr = err
	}
	span.SetStatus(codes.Error, lastErr.Error())
	return nil, fmt.Errorf("structure %s: %w", target.Name(), lastErr)
}

func structurePrompt(report, schemaDoc string) string {
	var b strings.Builder
	b.WriteString("Extract a record matching this JSON Schema:\n")
	b.WriteString(schemaDoc)
	b.WriteString("\n\nReport:\n")
	b.WriteString(report)
	return b.String()
}
