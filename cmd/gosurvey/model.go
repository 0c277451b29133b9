package main

import (
	"fmt"
	"strings"

	"github.com/basket/go-survey/internal/audit"
	"github.com/basket/go-survey/internal/config"
	"github.com/spf13/cobra"
)

func newModelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "model [provider [model]]",
		Short: "Show or set the LLM provider and model",
		Long: `Without arguments, print the configured provider and model and the models
available for the API keys found in the environment. With a provider, write
it (and the model, or the provider's default) to config.yaml.`,
		Args: rangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				fmt.Fprintf(out, "provider: %s\nmodel: %s\n", cfg.LLM.Provider, cfg.LLM.Model)
				if cfg.LLM.StructureModel != "" {
					fmt.Fprintf(out, "structure_model: %s\n", cfg.LLM.StructureModel)
				}
				if models := config.AvailableModels(); len(models) > 0 {
					fmt.Fprintf(out, "available: %s\n", strings.Join(models, ", "))
				}
				return nil
			}

			provider := strings.ToLower(args[0])
			model := ""
			if len(args) == 2 {
				model = args[1]
			}
			if model == "" {
				model = config.DefaultModel(provider)
			}
			if err := audit.Init(cfg.HomeDir); err == nil {
				defer audit.Close()
			}
			err = config.SetModel(cfg.ConfigPath, provider, model)
			audit.Result("model", provider+" "+model, err)
			if err != nil {
				return usageError{err}
			}
			if _, err := config.LoadFrom(cfg.ConfigPath); err != nil {
				return fmt.Errorf("config no longer loads after update: %w", err)
			}
			fmt.Fprintf(out, "provider set to %s, model %s\n", provider, dash(model))
			return nil
		},
	}
}
