package workflow

import (
	"fmt"

	"github.com/basket/go-survey/internal/backlog"
	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/schema"
)

// Definition is a compiled workflow: which fields it reads and writes and
// how it labels rows.
type Definition struct {
	Name        string
	StatusField string
	ErrorField  string
	InputFields []string
	// Model is used for usage estimates only; the investigator picks the model.
	Model           string
	Statuses        config.StatusLabels
	TrackValidation bool
	Result          *schema.Schema
	Eligible        backlog.Predicate
}

// DefinitionFrom compiles a workflow from config.
func DefinitionFrom(wc config.WorkflowConfig) (Definition, error) {
	result, err := wc.ResultSchema()
	if err != nil {
		return Definition{}, fmt.Errorf("workflow %s: %w", wc.Name, err)
	}
	return Definition{
		Name:            wc.Name,
		StatusField:     wc.StatusField,
		ErrorField:      wc.ErrorField,
		InputFields:     append([]string(nil), wc.InputFields...),
		Model:           wc.Model,
		Statuses:        wc.Statuses,
		TrackValidation: wc.TrackValidation,
		Result:          result,
		Eligible:        wc.Eligible.Predicate(),
	}, nil
}

func (d Definition) validate(rows *schema.Schema) error {
	if d.Name == "" {
		return fmt.Errorf("workflow name required")
	}
	if d.Result == nil {
		return fmt.Errorf("workflow %s: result schema required", d.Name)
	}
	for _, f := range append([]string{d.StatusField, d.ErrorField}, d.InputFields...) {
		if !rows.Has(f) {
			return fmt.Errorf("workflow %s: field %q not in row schema", d.Name, f)
		}
	}
	return nil
}
