// Package safety screens row cells before they reach the model and scrubs
// secrets from records before they are written back to the sheet.
package safety

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Action indicates the recommended response to a finding.
type Action int

const (
	// ActionAllow means the value is safe.
	ActionAllow Action = iota
	// ActionWarn means a potential issue was detected but the value may proceed.
	ActionWarn
	// ActionBlock means the row must not be investigated.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionWarn:
		return "warn"
	case ActionBlock:
		return "block"
	default:
		return "allow"
	}
}

// Finding is one pattern match in one field.
type Finding struct {
	Field  string
	Action Action
	Reason string
}

func (f Finding) String() string {
	return fmt.Sprintf("%s: %s", f.Field, f.Reason)
}

type injectionPattern struct {
	re     *regexp.Regexp
	action Action
	reason string
}

var injectionPatterns = []injectionPattern{
	{
		re:     regexp.MustCompile(`(?i)\b(ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?))\b`),
		action: ActionBlock,
		reason: "role manipulation: ignore previous instructions",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(you\s+are\s+now\s+(a|an|the)\s+\w+)`),
		action: ActionBlock,
		reason: "role manipulation: identity override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`),
		action: ActionBlock,
		reason: "role manipulation: system prompt override",
	},
	{
		re:     regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?)\b`),
		action: ActionBlock,
		reason: "prompt leaking: instruction extraction",
	},
	{
		re:     regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`),
		action: ActionWarn,
		reason: "injection marker: [SYSTEM] tag",
	},
	{
		re:     regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`),
		action: ActionWarn,
		reason: "injection marker: chat template tag",
	},
	{
		re:     regexp.MustCompile(`(?i)(aWdub3Jl|SWdub3Jl)`), // base64 of "ignore"/"Ignore"
		action: ActionWarn,
		reason: "potential encoded injection",
	},
}

// ScreenInput checks each cell for prompt-injection patterns. Findings are
// sorted by field; at most one is reported per field, the first matching
// pattern.
func ScreenInput(cells map[string]string) []Finding {
	var out []Finding
	for field, value := range cells {
		if strings.TrimSpace(value) == "" {
			continue
		}
		for _, pat := range injectionPatterns {
			if pat.re.MatchString(value) {
				out = append(out, Finding{Field: field, Action: pat.action, Reason: pat.reason})
				break
			}
		}
	}
	sortFindings(out)
	return out
}

// Blocked returns the first blocking finding.
func Blocked(findings []Finding) (Finding, bool) {
	for _, f := range findings {
		if f.Action == ActionBlock {
			return f, true
		}
	}
	return Finding{}, false
}

func sortFindings(fs []Finding) {
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Field < fs[j].Field })
}
