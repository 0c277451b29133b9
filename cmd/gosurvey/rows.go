package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/basket/go-survey/internal/audit"
	"github.com/basket/go-survey/internal/config"
	"github.com/basket/go-survey/internal/rowstore"
	"github.com/basket/go-survey/internal/shared"
	"github.com/spf13/cobra"
)

// withApp opens the app with file-only logging, runs fn and closes it.
func withApp(cmd *cobra.Command, opts *options, fn func(context.Context, *app) error) error {
	a, err := openApp(cmd.Context(), opts, true)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func newInitCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the starter config and instruction files",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			home := config.HomeDir()
			if err := config.WriteStarter(home); err != nil {
				return err
			}
			cfg, _, err := loadConfig(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config: %s\n", cfg.ConfigPath)
			for _, w := range cfg.Workflows {
				src := "inline"
				if w.InstructionsPath != "" {
					src = w.InstructionsPath
				}
				fmt.Fprintf(cmd.OutOrStdout(), "workflow %s: instructions %s\n", w.Name, src)
			}
			return nil
		},
	}
}

func newHeadersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "headers",
		Short: "Print the row schema field names",
		Long: `Print the row schema field names tab-separated, in column order. Opening a
sheets store also writes them as the header of an empty tab.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(_ context.Context, a *app) error {
				fmt.Fprintln(cmd.OutOrStdout(), strings.Join(a.store.Fields(), "\t"))
				return nil
			})
		},
	}
}

func newImportCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Append rows from a CSV file",
		Long: `Append every record of a CSV file as a new row. The first record is the header
and names the row fields; every column must be a schema field. Rows that fail
the row schema are imported anyway and reported; workflows skip them until
they are fixed.`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				err := importCSV(ctx, a, f, cmd.OutOrStdout())
				audit.Result("import", args[0], err)
				return err
			})
		},
	}
}

func importCSV(ctx context.Context, a *app, r io.Reader, out io.Writer) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return errors.New("import: empty file")
	}
	if err != nil {
		return fmt.Errorf("import: read header: %w", err)
	}
	for i, h := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		if !a.rows.Has(header[i]) {
			return fmt.Errorf("import: column %q is not a schema field", header[i])
		}
	}

	imported, invalid := 0, 0
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("import: line %d: %w", line, err)
		}
		data := rowstore.Data{}
		for i, v := range record {
			if i < len(header) && v != "" {
				data[header[i]] = v
			}
		}
		if len(data) == 0 {
			continue
		}
		row, err := a.store.Append(ctx, data)
		if err != nil {
			return fmt.Errorf("import: line %d: %w", line, err)
		}
		imported++
		if err := a.rows.ValidateRow(data); err != nil {
			invalid++
			fmt.Fprintf(out, "row %d (line %d) is invalid: %v\n", row.Key, line, err)
		}
	}
	a.logger.Info("rows imported", "count", imported, "invalid", invalid)
	fmt.Fprintf(out, "imported %d rows (%d invalid)\n", imported, invalid)
	return nil
}

func newClearCmd(opts *options) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every row",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return usageError{errors.New("clear deletes every row; pass --yes to confirm")}
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				err := a.store.Clear(ctx)
				audit.Result("clear", a.cfg.Store.Backend, err)
				if err != nil {
					return err
				}
				a.logger.Info("rows cleared")
				fmt.Fprintln(cmd.OutOrStdout(), "all rows deleted")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting every row")
	return cmd
}

func newResetCmd(opts *options) *cobra.Command {
	var name, status string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear a workflow's status on rows so they are attempted again",
		Long: `Clear the status and error fields of a workflow on every row whose status
equals --status (default: the in-progress label, for rows left claimed by an
interrupted run).`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if name == "" {
				return usageError{errors.New("--workflow is required")}
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				wc, err := a.workflow(name)
				if err != nil {
					return err
				}
				if status == "" {
					status = wc.Statuses.InProgress
				}
				n, err := resetRows(ctx, a, wc, status)
				audit.Result("reset", fmt.Sprintf("%s %s=%q rows=%d", wc.Name, wc.StatusField, status, n), err)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "reset %d rows with %s=%q\n", n, wc.StatusField, status)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&name, "workflow", "w", "", "workflow whose status field is reset")
	cmd.Flags().StringVar(&status, "status", "", "status value to reset (default the in-progress label)")
	return cmd
}

func resetRows(ctx context.Context, a *app, wc config.WorkflowConfig, status string) (int, error) {
	ctx = shared.WithRunID(shared.WithWorkflow(ctx, wc.Name), shared.NewRunID())
	rows, err := a.store.FetchAll(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, row := range rows {
		if row.Data.Get(wc.StatusField) != status {
			continue
		}
		if err := a.store.WritePartial(ctx, row.Key, rowstore.Data{wc.StatusField: "", wc.ErrorField: ""}); err != nil {
			return n, fmt.Errorf("reset row %d: %w", row.Key, err)
		}
		n++
	}
	a.logger.Info("rows reset", "workflow", wc.Name, "status", status, "count", n)
	return n, nil
}

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Count rows per status for each workflow",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rows, err := a.store.FetchAll(ctx)
				if err != nil {
					return err
				}
				return writeStatus(cmd.OutOrStdout(), a.cfg, rows)
			})
		},
	}
}

func writeStatus(w io.Writer, cfg config.Config, rows []rowstore.Row) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "rows\t%d\n", len(rows))
	for _, wc := range cfg.Workflows {
		eligible := wc.Eligible.Predicate()
		counts := map[string]int{}
		ready := 0
		for _, row := range rows {
			counts[row.Data.Get(wc.StatusField)]++
			if eligible(row.Data) {
				ready++
			}
		}
		fmt.Fprintf(tw, "\nworkflow %s (%s)\n", wc.Name, wc.StatusField)
		fmt.Fprintf(tw, "  eligible\t%d\n", ready)
		labels := make([]string, 0, len(counts))
		for label := range counts {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			shown := label
			if shown == "" {
				shown = "(empty)"
			}
			fmt.Fprintf(tw, "  %s\t%d\n", shown, counts[label])
		}
	}
	return tw.Flush()
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <key>",
		Short: "List the recorded writes of a row (SQLite backend)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return usageError{fmt.Errorf("row key %q: %w", args[0], err)}
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.sqlite == nil {
					return fmt.Errorf("history: %w", errSheetsUnsupported)
				}
				events, err := a.sqlite.History(ctx, key, limit)
				if err != nil {
					return err
				}
				if len(events) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no history for row %d\n", key)
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				for _, ev := range events {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.EventType,
						dash(ev.Workflow), dash(ev.RunID), formatFields(ev.Fields))
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "show at most n events (0 for all)")
	return cmd
}

func formatFields(d rowstore.Data) string {
	parts := make([]string, 0, len(d))
	for _, k := range d.Keys() {
		parts = append(parts, fmt.Sprintf("%s=%q", k, d[k]))
	}
	return strings.Join(parts, " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newBackupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the SQLite row store",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.sqlite == nil {
					return fmt.Errorf("backup: %w", errSheetsUnsupported)
				}
				err := a.sqlite.Backup(ctx, args[0])
				audit.Result("backup", args[0], err)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", args[0])
				return nil
			})
		},
	}
}
