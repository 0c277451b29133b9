package config

import "os"

const (
	ProviderGoogle           = "google"
	ProviderAnthropic        = "anthropic"
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderOpenRouter       = "openrouter"
)

// DefaultMaxTurns bounds tool-call rounds in one investigation.
const DefaultMaxTurns = 40

var providerEnvKeys = map[string][]string{
	ProviderGoogle:           {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	ProviderAnthropic:        {"ANTHROPIC_API_KEY"},
	ProviderOpenAI:           {"OPENAI_API_KEY"},
	ProviderOpenAICompatible: {"OPENAI_API_KEY"},
	ProviderOpenRouter:       {"OPENROUTER_API_KEY"},
}

func knownProvider(provider string) bool {
	_, ok := providerEnvKeys[provider]
	return ok
}

// DefaultModel returns the model used when none is configured. Providers
// without a sensible default return "".
func DefaultModel(provider string) string {
	switch provider {
	case ProviderGoogle, "":
		return "gemini-2.5-flash"
	case ProviderAnthropic:
		return "claude-sonnet-4-5"
	case ProviderOpenAI:
		return "gpt-4.1-mini"
	default:
		return ""
	}
}

// EnvAPIKey returns the first non-empty API key variable for provider.
func EnvAPIKey(provider string) string {
	for _, name := range providerEnvKeys[provider] {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// APIKeyEnvNames lists the variables EnvAPIKey consults.
func APIKeyEnvNames(provider string) []string {
	return append([]string(nil), providerEnvKeys[provider]...)
}

// ResolvedAPIKey returns the key from the config file or, failing that, the
// environment.
func (c Config) ResolvedAPIKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	return EnvAPIKey(c.LLM.Provider)
}

// AvailableModels suggests models for providers that have a key in the
// environment.
func AvailableModels() []string {
	var models []string
	if EnvAPIKey(ProviderGoogle) != "" {
		models = append(models, "gemini-2.5-pro", "gemini-2.5-flash")
	}
	if EnvAPIKey(ProviderAnthropic) != "" {
		models = append(models, "claude-sonnet-4-5", "claude-haiku-4-5")
	}
	if EnvAPIKey(ProviderOpenAI) != "" {
		models = append(models, "gpt-4.1-mini", "gpt-4.1-nano")
	}
	if EnvAPIKey(ProviderOpenRouter) != "" {
		models = append(models, "openrouter/auto")
	}
	return models
}
