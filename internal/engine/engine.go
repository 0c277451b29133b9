// Package engine provides the two LLM capabilities a workflow drives: an
// investigator that streams a free-text report about one row, and a structurer
// that turns the report into a record matching a result schema.
package engine

import (
	"context"
	"iter"
	"strings"

	"github.com/basket/go-survey/internal/schema"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Field is one named input value taken from the row.
type Field struct {
	Name  string
	Value string
}

// Input describes the row being investigated.
type Input struct {
	Key      int64
	Workflow string
	Fields   []Field
}

// Prompt renders the input as "name: value" lines.
func (in Input) Prompt() string {
	var b strings.Builder
	for _, f := range in.Fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// Investigator produces a lazy, single-use sequence of text fragments.
type Investigator interface {
	Investigate(ctx context.Context, in Input) iter.Seq2[string, error]
}

// Structurer converts free text into a candidate record for target. The
// record is not validated.
type Structurer interface {
	Structure(ctx context.Context, text string, target *schema.Schema) (map[string]any, error)
}

// Request is one model call.
type Request struct {
	System string
	Prompt string
	// Model overrides the client's default model when set.
	Model    string
	UseTools bool
}

// Generator is the model backend.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

func tracerOrNoop(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return nooptrace.NewTracerProvider().Tracer("gosurvey")
}

// escapeFormat protects literal percent signs from the prompt formatter.
func escapeFormat(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}
