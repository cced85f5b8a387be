package cmd

import (
	"context"
	"errors"
	"flag"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-zback/pkg/lockfile"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
)

// RunBackup handles the `backup` subcommand.
func RunBackup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("backup", flag.ContinueOnError)
	configFlag := fs.String("config", "", "Path to the YAML configuration file (required).")
	fullFlag := fs.Bool("full", false, "Force a full backup and start a new chain.")
	logLevelFlag := fs.String("log-level", "", "Override the configured log level: 'debug', 'info', 'warn', 'error'.")
	metricsFlag := fs.Bool("metrics", false, "Log transfer metrics after the run.")
	if err := fs.Parse(args); err != nil {
		return err
	}

	runner, cfg, cleanup, err := newRunner(ctx, *configFlag, *logLevelFlag, *metricsFlag)
	if err != nil {
		return err
	}
	defer cleanup()

	startTime := time.Now()
	err = runner.ExecuteBackup(ctx, *fullFlag)
	duration := time.Since(startTime).Round(time.Millisecond)

	var lockErr *lockfile.ErrLockActive
	if errors.As(err, &lockErr) {
		plog.Error("Another run is already working on this dataset", "detail", lockErr.Error())
		return err
	}
	if err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" backup finished successfully.",
		"dataset", cfg.Dataset, "duration", duration)
	return nil
}
