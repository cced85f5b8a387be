package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-zback/cmd"
	"github.com/paulschiretz/pgl-zback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage of %s (version %s):\n", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(os.Stderr, `Streams ZFS snapshots to remote object storage as compressed full and
incremental backup chains, and restores them.

Commands:
  backup    Create a snapshot and upload it as a full or incremental artifact.
  restore   Replay the remote backup chain onto a dataset.
  list      Show the resolved remote chain state.
  version   Print the version and exit.

Run '%s <command> -h' for command flags.
`, os.Args[0])
}

// run dispatches to the subcommand and returns its error for main to handle.
func run(ctx context.Context) error {
	if len(os.Args) < 2 {
		usage()
		return fmt.Errorf("no command given")
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "backup":
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunBackup(ctx, args)
	case "restore":
		plog.Info("Starting "+buildinfo.Name, "version", buildinfo.Version, "pid", os.Getpid())
		return cmd.RunRestore(ctx, args)
	case "list":
		return cmd.RunList(ctx, args)
	case "version":
		fmt.Printf("%s version %s\n", buildinfo.Name, buildinfo.Version)
		return nil
	case "-h", "--help", "help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func main() {
	// Set up a context that is canceled when an interrupt signal is received.
	// Running transfers abort; snapshot cleanup still happens detached.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		plog.Warn("Received signal, aborting", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		os.Exit(1)
	}
}
