package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/go-survey/internal/backlog"
	"github.com/basket/go-survey/internal/mcp"
	"github.com/basket/go-survey/internal/schema"
	"gopkg.in/yaml.v3"
)

const surveyInstructions = `You investigate online shops. You are given a site name and URL.
Explain each step as you go.

Use the browser tools to open pages.

1. Open the URL and confirm that it is a shop matching the name. A site with
   the right name may still not sell anything; look for shopping, cart or
   checkout wording.
2. Decide whether it is the brand's official shop, a storefront inside a
   marketplace, or something else.
3. Find the cart page and the login page and report their URLs.

Finish with a short summary listing every URL you found.
`

const itemsInstructions = `You investigate the product pages of an official online shop.
You are given the site name and URL. Explain each step as you go.

1. From the top page, find a page that lists products.
2. Open one product from that list.
3. Report the URL and the HTML title of both pages. URLs must be absolute
   and start with https://.
`

// StarterFields is the row schema written on first run.
func StarterFields() []schema.Field {
	return []schema.Field{
		{Name: "name", Required: true, Description: "site name"},
		{Name: "alias", Description: "common name"},
		{Name: "genre"},
		{Name: "url", Required: true, Description: "top page URL"},
		{Name: "status"},
		{Name: "siteKind", Enum: []string{"official", "mall", "other"}},
		{Name: "loginUrl"},
		{Name: "cartUrl"},
		{Name: "itemsStatus"},
		{Name: "itemsListUrl"},
		{Name: "itemsListTitle"},
		{Name: "itemUrl"},
		{Name: "itemTitle"},
		{Name: "notes"},
		{Name: "error"},
	}
}

// StarterWorkflows returns the survey and items workflows for first-run setup.
func StarterWorkflows() []WorkflowConfig {
	return []WorkflowConfig{
		{
			Name:             "survey",
			StatusField:      "status",
			ErrorField:       "error",
			InputFields:      []string{"name", "url"},
			Eligible:         backlog.Match{Empty: []string{"status"}},
			InstructionsFile: filepath.Join("instructions", "survey.md"),
			UseTools:         true,
			ResultFields: []schema.Field{
				{Name: "url", Description: "URL that was investigated"},
				{Name: "siteKind", Required: true, Enum: []string{"official", "mall", "other"},
					Description: "official shop, marketplace storefront or other"},
				{Name: "cartUrl", Description: "cart page URL"},
				{Name: "loginUrl", Description: "login page URL"},
			},
		},
		{
			Name:        "items",
			StatusField: "itemsStatus",
			ErrorField:  "error",
			InputFields: []string{"name", "url"},
			Eligible: backlog.Match{
				Equals: map[string]string{"status": StatusDone, "siteKind": "official"},
				Empty:  []string{"itemsStatus"},
			},
			InstructionsFile: filepath.Join("instructions", "items.md"),
			UseTools:         true,
			TrackValidation:  true,
			ResultFields: []schema.Field{
				{Name: "itemsListUrl", Required: true, Prefix: "https://", Description: "product list page URL"},
				{Name: "itemsListTitle", Required: true, Description: "product list page HTML title"},
				{Name: "itemUrl", Required: true, Prefix: "https://", Description: "product page URL"},
				{Name: "itemTitle", Required: true, Description: "product page HTML title"},
			},
		},
	}
}

// StarterConfig is the config written by WriteStarter.
func StarterConfig() Config {
	cfg := defaultConfig()
	cfg.Schema.Fields = StarterFields()
	cfg.Workflows = StarterWorkflows()
	cfg.Helpers.Match = []string{"@playwright/mcp"}
	cfg.Helpers.Servers = []mcp.ServerConfig{{
		Name:    "playwright",
		Command: "npx",
		Args:    []string{"-y", "@playwright/mcp@latest", "--headless", "--isolated"},
		Enabled: true,
	}}
	return cfg
}

// WriteStarter writes config.yaml and the instruction files into homeDir.
// Existing files are left alone.
func WriteStarter(homeDir string) error {
	files := map[string]string{
		filepath.Join(homeDir, "instructions", "survey.md"): surveyInstructions,
		filepath.Join(homeDir, "instructions", "items.md"):  itemsInstructions,
	}
	out, err := yaml.Marshal(StarterConfig())
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	files[ConfigPath(homeDir)] = string(out)

	for path, content := range files {
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
