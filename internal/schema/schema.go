// Package schema declares the field layout of rows and of structured
// investigation results, and validates values against it with JSON Schema.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Field declares one named text column.
type Field struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Enum        []string `yaml:"enum"`
	Prefix      string   `yaml:"prefix"`
}

// Schema is a compiled, ordered set of fields.
type Schema struct {
	name     string
	fields   []Field
	index    map[string]int
	doc      json.RawMessage
	compiled *jsonschema.Schema
}

// ValidationError describes why a row or record does not match a schema.
type ValidationError struct {
	Schema string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("schema %s: %s", e.Schema, e.Detail)
}

// New compiles fields into a Schema. Field names must be unique and non-empty.
func New(name string, fields []Field) (*Schema, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %s: no fields declared", name)
	}
	s := &Schema{
		name:   name,
		fields: append([]Field(nil), fields...),
		index:  make(map[string]int, len(fields)),
	}
	properties := make(map[string]any, len(fields))
	var required []string
	for i, f := range fields {
		f.Name = strings.TrimSpace(f.Name)
		if f.Name == "" {
			return nil, fmt.Errorf("schema %s: field %d has no name", name, i)
		}
		if _, dup := s.index[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %q", name, f.Name)
		}
		s.fields[i] = f
		s.index[f.Name] = i

		prop := map[string]any{"type": "string"}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		if f.Prefix != "" {
			prop["pattern"] = "^" + regexp.QuoteMeta(f.Prefix)
		}
		if f.Required {
			prop["minLength"] = 1
			required = append(required, f.Name)
		}
		properties[f.Name] = prop
	}

	doc := map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("schema %s: marshal: %w", name, err)
	}
	s.doc = raw

	// Compile from the re-decoded document so numbers arrive as json.Number.
	decoded, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: unmarshal: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".json"
	if err := c.AddResource(resource, decoded); err != nil {
		return nil, fmt.Errorf("schema %s: add resource: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("schema %s: compile: %w", name, err)
	}
	s.compiled = compiled
	return s, nil
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Fields returns the declared fields in order.
func (s *Schema) Fields() []Field {
	return append([]Field(nil), s.fields...)
}

// Names returns the declared field names in order.
func (s *Schema) Names() []string {
	out := make([]string, len(s.fields))
	for i, f := range s.fields {
		out[i] = f.Name
	}
	return out
}

// Has reports whether name is a declared field.
func (s *Schema) Has(name string) bool {
	_, ok := s.index[name]
	return ok
}

// Document returns the JSON Schema document.
func (s *Schema) Document() json.RawMessage {
	return s.doc
}

// ValidateRow validates text cells. Empty cells count as absent.
func (s *Schema) ValidateRow(data map[string]string) error {
	instance := make(map[string]any, len(data))
	for k, v := range data {
		if v == "" {
			continue
		}
		instance[k] = v
	}
	return s.validate(instance)
}

// Validate validates a structured record. Null values count as absent.
func (s *Schema) Validate(record map[string]any) error {
	instance := make(map[string]any, len(record))
	for k, v := range record {
		if v == nil {
			continue
		}
		instance[k] = v
	}
	return s.validate(instance)
}

func (s *Schema) validate(instance map[string]any) error {
	err := s.compiled.Validate(instance)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if errors.As(err, &verr) {
		return &ValidationError{Schema: s.name, Detail: verr.Error()}
	}
	return &ValidationError{Schema: s.name, Detail: err.Error()}
}

// Project renders the record values that belong to declared fields as text.
// Keys not declared in s are returned sorted in dropped.
func (s *Schema) Project(record map[string]any) (data map[string]string, dropped []string) {
	data = make(map[string]string, len(record))
	for k, v := range record {
		if !s.Has(k) {
			dropped = append(dropped, k)
			continue
		}
		data[k] = Text(v)
	}
	sort.Strings(dropped)
	return data, dropped
}

// Text renders a decoded JSON value as cell text.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
