package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/mcp"
	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrNoAPIKey is returned when the selected provider has no key configured.
var ErrNoAPIKey = errors.New("llm api key not configured")

// ToolSource supplies helper tools, typically the MCP manager.
type ToolSource interface {
	Tools(ctx context.Context) []mcp.Tool
	CallTool(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
}

// Client is a Generator backed by Genkit.
type Client struct {
	g        *genkit.Genkit
	provider string
	model    string
	maxTurns int

	mu    sync.RWMutex
	tools []ai.ToolRef
	names map[string]bool
}

var _ Generator = (*Client)(nil)

// NewClient initializes Genkit for the configured provider: google (Gemini),
// anthropic, openai, openai_compatible or openrouter.
func NewClient(ctx context.Context, cfg config.LLMConfig) (*Client, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = config.ProviderGoogle
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultModel(provider)
	}
	if model == "" {
		return nil, fmt.Errorf("llm provider %s: model required", provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = config.EnvAPIKey(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm provider %s: %w", provider, ErrNoAPIKey)
	}

	var g *genkit.Genkit
	switch provider {
	case config.ProviderAnthropic:
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case config.ProviderOpenAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case config.ProviderOpenAICompatible:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm provider %s: base_url required", provider)
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: firstNonEmpty(cfg.CompatibleProvider, "compat"),
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case config.ProviderOpenRouter:
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  "https://openrouter.ai/api/v1",
		}))
	case config.ProviderGoogle:
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+model),
		)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = config.DefaultMaxTurns
	}
	c := &Client{
		g:        g,
		provider: provider,
		model:    model,
		maxTurns: maxTurns,
		names:    map[string]bool{},
	}
	slog.Info("genkit client initialized", "provider", provider, "model", c.ModelName(""))
	return c, nil
}

// ModelName returns the registry name of model, or of the default model.
func (c *Client) ModelName(model string) string {
	return modelNameForProvider(c.provider, firstNonEmpty(model, c.model))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case config.ProviderAnthropic:
		return "anthropic/" + model
	case config.ProviderOpenAI:
		return "openai/" + model
	case config.ProviderOpenAICompatible, config.ProviderOpenRouter:
		// OpenRouter model names already carry their vendor, e.g. anthropic/claude-sonnet-4-5.
		return model
	default:
		return "googleai/" + model
	}
}

// RegisterMCPTools defines one Genkit tool per helper tool, named
// mcp_<server>_<tool>. Tools are looked up again on every call, so they keep
// working across helper restarts. Returns the number of new tools.
func (c *Client) RegisterMCPTools(ctx context.Context, src ToolSource) int {
	added := 0
	for _, tool := range src.Tools(ctx) {
		name := toolName(tool.Server, tool.Name)

		c.mu.Lock()
		exists := c.names[name]
		c.names[name] = true
		c.mu.Unlock()
		if exists {
			continue
		}

		server, mcpTool := tool.Server, tool.Name
		description := tool.Description
		if len(tool.InputSchema) > 0 {
			// The generic input type carries no schema, so show it to the model.
			description = fmt.Sprintf("%s\n\nInput Schema:\n%s", description, string(tool.InputSchema))
		}
		ref := genkit.DefineTool(c.g, name, description,
			func(tc *ai.ToolContext, input map[string]any) (any, error) {
				args, err := json.Marshal(input)
				if err != nil {
					return nil, fmt.Errorf("mcp tool %s/%s: marshal args: %w", server, mcpTool, err)
				}
				res, err := src.CallTool(tc.Context, server, mcpTool, args)
				if err != nil {
					return nil, fmt.Errorf("mcp tool %s/%s: %w", server, mcpTool, err)
				}
				text, isErr := mcp.ToolText(res)
				if isErr {
					return nil, fmt.Errorf("mcp tool %s/%s: %s", server, mcpTool, text)
				}
				return text, nil
			},
		)

		c.mu.Lock()
		c.tools = append(c.tools, ref)
		c.mu.Unlock()
		added++
	}
	if added > 0 {
		slog.Info("registered mcp tools", "count", added)
	}
	return added
}

func toolName(server, tool string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return "mcp_" + clean(server) + "_" + clean(tool)
}

func (c *Client) options(req Request) []ai.GenerateOption {
	opts := []ai.GenerateOption{
		ai.WithModelName(c.ModelName(req.Model)),
		ai.WithPrompt(escapeFormat(req.Prompt)),
	}
	if strings.TrimSpace(req.System) != "" {
		opts = append(opts, ai.WithSystem(escapeFormat(req.System)))
	}
	if req.UseTools {
		c.mu.RLock()
		tools := append([]ai.ToolRef(nil), c.tools...)
		c.mu.RUnlock()
		if len(tools) > 0 {
			opts = append(opts, ai.WithTools(tools...), ai.WithMaxTurns(c.maxTurns))
		}
	}
	return opts
}

// Generate runs a single non-streaming call and returns the response text.
func (c *Client) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := genkit.Generate(ctx, c.g, c.options(req)...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Stream yields text parts as they arrive. When the model sends no chunks the
// final response text is yielded once.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[string, error] {
	opts := c.options(req)
	return func(yield func(string, error) bool) {
		sawText := false
		for v, err := range genkit.GenerateStream(ctx, c.g, opts...) {
			if err != nil {
				yield("", err)
				return
			}
			if v.Chunk != nil {
				for _, part := range v.Chunk.Content {
					if part.Kind != ai.PartText || part.Text == "" {
						continue
					}
					sawText = true
					if !yield(part.Text, nil) {
						return
					}
				}
			}
			if v.Done {
				if !sawText && v.Response != nil {
					if text := v.Response.Text(); text != "" {
						yield(text, nil)
					}
				}
				return
			}
		}
	}
}
