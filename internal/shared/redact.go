package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPattern redacts a match. When keep is set, submatch 1 (a key name
// with its separator, or a scheme) survives and suffix is appended after the
// placeholder.
type secretPattern struct {
	re     *regexp.Regexp
	keep   bool
	suffix string
}

// secretPatterns cover what passes through go-survey's logs and audit trail:
// provider API keys from config and env, service account keys from the
// Sheets credentials file, and credentials inside helper or base URLs.
var secretPatterns = []secretPattern{
	{re: regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password)\s*[:=]\s*)"?[A-Za-z0-9_\-./+=]{8,}"?`), keep: true},
	{re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`), keep: true},
	{re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{re: regexp.MustCompile(`sk-(?:ant-|or-)?[A-Za-z0-9_\-]{20,}`)},
	{re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[^-]*-----END [A-Z ]*PRIVATE KEY-----`)},
	{re: regexp.MustCompile(`(?i)("private_key"\s*:\s*)"[^"]+"`), keep: true},
	{re: regexp.MustCompile(`(?i)([a-z][a-z0-9+.\-]*://)[^/\s:@]+:[^/\s@]+@`), keep: true, suffix: "@"},
}

// Redact replaces secrets in input with [REDACTED]. Log values, row error
// messages and audit subjects pass through here.
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, p := range secretPatterns {
		if !p.keep {
			out = p.re.ReplaceAllString(out, redactedPlaceholder)
			continue
		}
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			return p.re.FindStringSubmatch(match)[1] + redactedPlaceholder + p.suffix
		})
	}
	return out
}

var (
	secretKeyWords  = []string{"token", "secret", "password", "passwd", "apikey", "authorization", "bearer", "cookie"}
	secretKeyPhrase = []string{"api_key", "private_key", "access_key"}
)

// SecretKey reports whether a config key, env name or log attribute name
// names a secret. Words match whole segments or segment suffixes, so
// "GEMINI_API_KEY" and "accessToken" match but "prompt_tokens" does not.
func SecretKey(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	norm := strings.NewReplacer("-", "_", ".", "_").Replace(lower)
	for _, p := range secretKeyPhrase {
		if strings.Contains(norm, p) {
			return true
		}
	}
	for _, seg := range strings.Split(norm, "_") {
		for _, w := range secretKeyWords {
			if strings.HasSuffix(seg, w) {
				return true
			}
		}
	}
	return false
}
