// Package pricing estimates token counts and model cost for an attempt. The
// figures are estimates from text length, not provider-reported usage.
package pricing

import "strings"

// Rate holds per-million-token costs in USD.
type Rate struct {
	PromptPer1M     float64
	CompletionPer1M float64
}

// Known model rates as of early 2026. Add new models as needed.
var rates = map[string]Rate{
	// Gemini
	"gemini-2.5-flash":      {0.30, 2.50},
	"gemini-2.5-flash-lite": {0.10, 0.40},
	"gemini-2.5-pro":        {1.25, 10.00},
	// Anthropic
	"claude-sonnet-4-5": {3.00, 15.00},
	"claude-haiku-4-5":  {1.00, 5.00},
	// OpenAI
	"gpt-4.1":      {2.00, 8.00},
	"gpt-4.1-mini": {0.40, 1.60},
	"gpt-4.1-nano": {0.10, 0.40},
}

// Usage is an estimated token count and its cost.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Add returns the sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		CostUSD:          u.CostUSD + o.CostUSD,
	}
}

// Tokens is the prompt plus completion estimate.
func (u Usage) Tokens() int { return u.PromptTokens + u.CompletionTokens }

// EstimateTokens returns a word-based token estimate: 1.33 tokens per word,
// with len/4 as the floor for code and text without spaces.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	wordEstimate := int(float64(len(strings.Fields(content))) * 1.33)
	charEstimate := len(content) / 4
	return max(wordEstimate, charEstimate)
}

// Estimate prices one model call. Unknown models cost 0.
func Estimate(model, prompt, completion string) Usage {
	u := Usage{
		PromptTokens:     EstimateTokens(prompt),
		CompletionTokens: EstimateTokens(completion),
	}
	if r, ok := rates[normalizeModel(model)]; ok {
		u.CostUSD = float64(u.PromptTokens)/1_000_000*r.PromptPer1M +
			float64(u.CompletionTokens)/1_000_000*r.CompletionPer1M
	}
	return u
}

// Known reports whether model has a rate.
func Known(model string) bool {
	_, ok := rates[normalizeModel(model)]
	return ok
}

// normalizeModel drops a registry prefix such as "googleai/".
func normalizeModel(model string) string {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	return strings.ToLower(strings.TrimSpace(model))
}
