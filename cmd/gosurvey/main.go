package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1.0-dev"

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks errors caused by bad arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// errReported is returned by commands that already printed their failure.
var errReported = errors.New("reported")

// startupError carries a stable reason code for failures while wiring the
// runtime.
type startupError struct {
	code   string
	err    error
	logged bool
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

type options struct {
	configPath string
	quiet      bool
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// execute runs the command tree and maps its error to an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	var se *startupError
	var ue usageError
	switch {
	case errors.Is(err, errReported):
		return exitFailure
	case errors.As(err, &se):
		if se.logged {
			fmt.Fprintf(stderr, "error: %v\n", se)
		} else {
			writeStartupFailure(stderr, se.code, se.err)
		}
		return exitFailure
	case errors.As(err, &ue), strings.HasPrefix(err.Error(), "unknown command"):
		fmt.Fprintf(stderr, "error: %v\n", err)
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", root.CommandPath())
		return exitUsage
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "gosurvey",
		Short: "Investigate spreadsheet rows with an LLM and record structured results",
		Long: `gosurvey works through a table of rows one at a time. For each eligible row
a workflow claims the row, streams an investigation from the configured model
(optionally driving helper tools such as a headless browser), extracts a
structured record from the report and writes it back to the row.

Rows live in a local SQLite file or a Google Sheets tab. Configuration is
read from $GOSURVEY_HOME/config.yaml (default ~/.gosurvey).`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default $GOSURVEY_HOME/config.yaml)")
	root.PersistentFlags().BoolVarP(&opts.quiet, "quiet", "q", false, "log to the log file only")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	root.AddCommand(
		newInitCmd(opts),
		newRunCmd(opts),
		newDaemonCmd(opts),
		newHeadersCmd(opts),
		newImportCmd(opts),
		newClearCmd(opts),
		newResetCmd(opts),
		newStatusCmd(opts),
		newHistoryCmd(opts),
		newBackupCmd(opts),
		newDoctorCmd(opts),
		newModelCmd(opts),
	)
	return root
}

// exactArgs is cobra.ExactArgs with a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(min, max)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

// writeStartupFailure prints the structured fatal line used before a logger
// exists.
func writeStartupFailure(w io.Writer, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	fmt.Fprintf(
		w,
		`{"timestamp":"%s","level":"ERROR","component":"gosurvey","run_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
