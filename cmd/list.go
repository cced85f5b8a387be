package cmd

import (
	"context"
	"flag"
)

// RunList handles the `list` subcommand: it prints the resolved chain state
// of the configured dataset without changing anything.
func RunList(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to the YAML configuration file (required).")
	logLevelFlag := fs.String("log-level", "", "Override the configured log level: 'debug', 'info', 'warn', 'error'.")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runner, _, cleanup, err := newRunner(ctx, *configFlag, *logLevelFlag, false)
	if err != nil {
		return err
	}
	defer cleanup()

	return runner.ExecuteList(ctx)
}
