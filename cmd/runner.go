// Package cmd implements the CLI subcommands. Each Run* function parses its
// own flags, assembles an engine.Runner and executes one operation.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/paulschiretz/pgl-zback/pkg/compression"
	"github.com/paulschiretz/pgl-zback/pkg/config"
	"github.com/paulschiretz/pgl-zback/pkg/engine"
	"github.com/paulschiretz/pgl-zback/pkg/pipeline"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
	"github.com/paulschiretz/pgl-zback/pkg/remote"
	"github.com/paulschiretz/pgl-zback/pkg/snapshot"
	"github.com/paulschiretz/pgl-zback/pkg/zfs"
)

// lockDir returns the directory holding the per-dataset lock files.
func lockDir() string {
	return filepath.Join(os.TempDir(), "pgl-zback")
}

// newRunner loads the config and assembles the engine with its production
// collaborators. The returned cleanup releases the remote client, if any.
func newRunner(ctx context.Context, configPath string, logLevel string, collectMetrics bool) (*engine.Runner, *config.Config, func(), error) {
	if configPath == "" {
		return nil, nil, nil, fmt.Errorf("the -config flag is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	// A -log-level flag overrides the configured level for this run.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	plog.SetLevel(plog.LevelFromString(cfg.LogLevel))
	cfg.LogSummary()

	codec, err := compression.ForName(cfg.Compressor)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := remote.NewStore(ctx, cfg.Remote, cfg.BucketName, cfg.RemoteConfigPath)
	if err != nil {
		return nil, nil, nil, err
	}
	cleanup := func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				plog.Warn("Failed to close remote client", "error", err)
			}
		}
	}

	z := zfs.NewCLI()
	runner := engine.NewRunner(
		cfg,
		z,
		snapshot.NewManager(z, cfg.SnapshotPrefix),
		store,
		codec,
		pipeline.NewRunner(cfg.StallTimeout(), collectMetrics),
		lockDir(),
	)
	return runner, cfg, cleanup, nil
}
