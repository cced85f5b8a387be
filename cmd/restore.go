package cmd

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-zback/pkg/engine"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
)

// RunRestore handles the `restore` subcommand.
func RunRestore(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("restore", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to the YAML configuration file (required).")
	targetFlag := fs.String("target-dataset", "", "Dataset to restore into (required). It will be rolled back to the backup state.")
	yesFlag := fs.Bool("yes", false, "Skip the confirmation prompt. For non-interactive use.")
	logLevelFlag := fs.String("log-level", "", "Override the configured log level: 'debug', 'info', 'warn', 'error'.")
	metricsFlag := fs.Bool("metrics", false, "Log transfer metrics after each artifact.")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *targetFlag == "" {
		return errors.New("the -target-dataset flag is required to run a restore")
	}

	runner, _, cleanup, err := newRunner(ctx, *configFlag, *logLevelFlag, *metricsFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	startTime := time.Now()
	err = runner.ExecuteRestore(ctx, *targetFlag, *yesFlag)
	duration := time.Since(startTime).Round(time.Millisecond)

	if errors.Is(err, engine.ErrRestoreDeclined) {
		plog.Info("Restore aborted by operator, nothing was changed.")
		return nil
	}
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" restore finished successfully.",
		"dataset", *targetFlag, "duration", duration)
	return nil
}
