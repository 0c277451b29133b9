package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoRecord is returned when a model reply holds no JSON object.
var ErrNoRecord = errors.New("no json object in reply")

// findObject locates the first JSON object in a model reply. Fenced blocks
// win over bare objects in prose.
func findObject(text string) string {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		start := idx + len("```json")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isObject(candidate) {
				return candidate
			}
		}
	}

	if idx := strings.Index(text, "```\n"); idx >= 0 {
		start := idx + len("```\n")
		if end := strings.Index(text[start:], "```"); end >= 0 {
			if candidate := strings.TrimSpace(text[start : start+end]); isObject(candidate) {
				return candidate
			}
		}
	}

	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		if candidate := balancedObject(text[i:]); candidate != "" && isObject(candidate) {
			return candidate
		}
	}
	return ""
}

func isObject(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "{") && json.Valid([]byte(s))
}

// balancedObject returns the prefix of s up to the brace closing s[0].
func balancedObject(s string) string {
	if s == "" || s[0] != '{' {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && ch == '\\':
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
		}
	}
	return ""
}

// decodeRecord extracts and decodes the record in a reply. Numbers are kept
// as json.Number so they survive the round trip to cell text unchanged.
func decodeRecord(reply string) (map[string]any, error) {
	raw := findObject(reply)
	if raw == "" {
		return nil, ErrNoRecord
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record, nil
}
