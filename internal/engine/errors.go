package engine

import "strings"

// ErrorClass groups model failures for logs and metrics.
type ErrorClass string

const (
	ErrorClassAuth            ErrorClass = "AUTH"
	ErrorClassRateLimit       ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout         ErrorClass = "TIMEOUT"
	ErrorClassBilling         ErrorClass = "BILLING"
	ErrorClassContextOverflow ErrorClass = "CONTEXT_OVERFLOW"
	ErrorClassConnection      ErrorClass = "CONNECTION"
	ErrorClassUnknown         ErrorClass = "UNKNOWN"
)

var errorPatterns = []struct {
	class    ErrorClass
	patterns []string
}{
	{ErrorClassAuth, []string{"401", "403", "unauthorized", "forbidden", "invalid key", "invalid api key", "api key not configured"}},
	{ErrorClassRateLimit, []string{"429", "rate limit", "rate_limit", "quota", "too many requests"}},
	{ErrorClassTimeout, []string{"deadline exceeded", "timeout", "timed out"}},
	{ErrorClassBilling, []string{"billing", "payment", "insufficient funds"}},
	{ErrorClassContextOverflow, []string{"context_length", "context length", "token limit", "max tokens", "maximum context", "context window"}},
	{ErrorClassConnection, []string{"connection refused", "connection reset", "connectionerror", "no such host", "eof"}},
}

// ClassifyError returns the first class whose pattern appears in err's
// message, checked in declaration order.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.class
			}
		}
	}
	return ErrorClassUnknown
}
