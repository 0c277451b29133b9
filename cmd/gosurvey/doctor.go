package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/doctor"
	"github.com/spf13/cobra"
)

func newDoctorCmd(opts *options) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFrom(opts.configPath)
			if err != nil && !cfg.NeedsGenesis {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error loading config: %v\n", err)
				// keep going; the checks explain what is wrong
			}

			diag := doctor.Run(cmd.Context(), &cfg, Version)
			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(diag); err != nil {
					return fmt.Errorf("encode json: %w", err)
				}
			} else {
				fmt.Fprintf(out, "gosurvey doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
				fmt.Fprintf(out, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
				fmt.Fprintln(out, "---")
				for _, res := range diag.Results {
					icon := "✅"
					switch res.Status {
					case doctor.StatusFail:
						icon = "❌"
					case doctor.StatusWarn:
						icon = "⚠️ "
					case doctor.StatusSkip:
						icon = "⏩"
					}
					fmt.Fprintf(out, "%s %-12s: %s\n", icon, res.Name, res.Message)
					if res.Detail != "" {
						fmt.Fprintf(out, "    %s\n", res.Detail)
					}
				}
			}
			if diag.Failed() {
				return errReported
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "print the report as JSON")
	return cmd
}
