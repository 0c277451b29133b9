package engine

import (
	"context"
	"iter"
	"sync"

	gsotel "github.com/basket/go-survey/internal/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ModelInvestigator streams a report from a Generator. The system
// instructions can be swapped while attempts are running; an attempt uses the
// instructions current when it starts.
type ModelInvestigator struct {
	gen      Generator
	model    string
	useTools bool
	tracer   trace.Tracer

	mu           sync.RWMutex
	instructions string
}

var _ Investigator = (*ModelInvestigator)(nil)

// NewInvestigator returns an investigator. An empty model uses the
// generator's default. useTools exposes the helper tools to the model.
func NewInvestigator(gen Generator, instructions, model string, useTools bool) *ModelInvestigator {
	return &ModelInvestigator{
		gen:          gen,
		model:        model,
		useTools:     useTools,
		instructions: instructions,
		tracer:       tracerOrNoop(nil),
	}
}

// SetTracer sets the tracer for investigate spans.
func (m *ModelInvestigator) SetTracer(t trace.Tracer) { m.tracer = tracerOrNoop(t) }

// SetInstructions replaces the system instructions for later investigations.
func (m *ModelInvestigator) SetInstructions(text string) {
	m.mu.Lock()
	m.instructions = text
	m.mu.Unlock()
}

func (m *ModelInvestigator) Instructions() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instructions
}

// Investigate returns a single-use sequence. Nothing is sent to the model
// until the sequence is ranged over.
func (m *ModelInvestigator) Investigate(ctx context.Context, in Input) iter.Seq2[string, error] {
	req := Request{
		System:   m.Instructions(),
		Prompt:   in.Prompt(),
		Model:    m.model,
		UseTools: m.useTools,
	}
	used := false
	return func(yield func(string, error) bool) {
		if used {
			yield("", errSequenceReused)
			return
		}
		used = true

		ctx, span := gsotel.StartClientSpan(ctx, m.tracer, gsotel.SpanInvestigate,
			gsotel.AttrWorkflow.String(in.Workflow),
			gsotel.AttrRowKey.Int64(in.Key),
			gsotel.AttrModel.String(m.model),
		)
		defer span.End()

		for fragment, err := range m.gen.Stream(ctx, req) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				yield("", err)
				return
			}
			if !yield(fragment, nil) {
				return
			}
		}
	}
}
