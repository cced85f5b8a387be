// Package engine orchestrates complete backup and restore runs: locking,
// chain resolution, snapshot lifecycle, transfer pipelines and cleanup.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/buildinfo"
	"github.com/paulschiretz/pgl-zback/pkg/chain"
	"github.com/paulschiretz/pgl-zback/pkg/compression"
	"github.com/paulschiretz/pgl-zback/pkg/config"
	"github.com/paulschiretz/pgl-zback/pkg/hints"
	"github.com/paulschiretz/pgl-zback/pkg/lockfile"
	"github.com/paulschiretz/pgl-zback/pkg/namecodec"
	"github.com/paulschiretz/pgl-zback/pkg/pipeline"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
	"github.com/paulschiretz/pgl-zback/pkg/remote"
	"github.com/paulschiretz/pgl-zback/pkg/snapshot"
	"github.com/paulschiretz/pgl-zback/pkg/util"
	"github.com/paulschiretz/pgl-zback/pkg/zfs"
)

// ErrNoRestorableChain is returned when the remote holds no full artifact for
// the dataset, so nothing can be restored.
var ErrNoRestorableChain = errors.New("no restorable backup chain on remote")

// ErrRestoreDeclined is returned when the operator answers the restore
// confirmation prompt with anything but yes.
var ErrRestoreDeclined = errors.New("restore declined by operator")

// Runner wires the collaborators of one configured dataset together and runs
// the top-level operations behind the CLI commands.
type Runner struct {
	cfg     *config.Config
	zfs     zfs.ZFS
	snaps   *snapshot.Manager
	store   remote.Store
	codec   compression.Codec
	pipe    *pipeline.Runner
	lockDir string

	// Now and Confirm are injectable for tests. Confirm asks the operator a
	// yes/no question and reports the answer.
	Now     func() time.Time
	Confirm func(prompt string) (bool, error)
	// Out receives operator-facing plan and listing output (not logs).
	Out io.Writer
}

// NewRunner assembles a Runner from its collaborators.
func NewRunner(cfg *config.Config, z zfs.ZFS, snaps *snapshot.Manager, store remote.Store, codec compression.Codec, pipe *pipeline.Runner, lockDir string) *Runner {
	return &Runner{
		cfg:     cfg,
		zfs:     z,
		snaps:   snaps,
		store:   store,
		codec:   codec,
		pipe:    pipe,
		lockDir: lockDir,
		Now:     time.Now,
		Confirm: confirmOnStdin,
		Out:     os.Stdout,
	}
}

// confirmOnStdin asks the question on stdout and accepts only "yes".
func confirmOnStdin(prompt string) (bool, error) {
	fmt.Printf("%s Type 'yes' to continue: ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("could not read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}

// resolveRemote lists the bucket and resolves the chain state of one dataset.
func (r *Runner) resolveRemote(ctx context.Context, dataset string) (*chain.State, error) {
	objects, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list remote artifacts: %w", err)
	}
	res := chain.Resolve(objects)
	if res.Skipped > 0 {
		plog.Warn("Remote listing contains foreign objects", "count", res.Skipped)
	}
	return res.Dataset(dataset), nil
}

// ExecuteBackup runs one complete backup of the configured dataset. forceFull
// bypasses the incremental decision and starts a fresh chain.
func (r *Runner) ExecuteBackup(ctx context.Context, forceFull bool) error {
	dataset := r.cfg.Dataset

	lock, err := lockfile.Acquire(ctx, r.lockDir, dataset, buildinfo.Name)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := r.resolveRemote(ctx, dataset)
	if err != nil {
		return err
	}
	if st.Corrupted() {
		plog.Warn("Remote chain carries orphaned artifacts",
			"dataset", dataset, "orphans", len(st.Orphans))
	}

	locals, err := r.snaps.List(ctx, dataset)
	if err != nil {
		return err
	}
	haveLocal := func(name string) bool {
		for _, s := range locals {
			if s.Name == name {
				return true
			}
		}
		return false
	}

	decision := chain.Decide(st, haveLocal, forceFull)
	plog.Info("Backup plan decided", "dataset", dataset, "kind", decision.Kind, "reason", decision.Reason)

	ts := r.Now().UTC().Truncate(time.Second)
	if decision.Kind == namecodec.Incremental && !decision.Parent.Artifact.Timestamp.Before(ts) {
		return fmt.Errorf("clock skew: parent snapshot %s is not older than now (%s)",
			decision.Parent.Name, ts.Format(namecodec.TimestampLayout))
	}

	snap, err := r.snaps.Create(ctx, dataset, ts)
	if err != nil {
		return err
	}
	plog.Info("Snapshot created", "snapshot", snap.Name)

	artifact := namecodec.Artifact{
		Dataset:   dataset,
		Prefix:    r.cfg.SnapshotPrefix,
		Kind:      decision.Kind,
		Timestamp: ts,
		Extension: r.codec.Extension(),
	}
	var parentSnapshot string
	if decision.Kind == namecodec.Incremental {
		artifact.Parent = decision.Parent.Artifact.Timestamp
		parentSnapshot = decision.Parent.Artifact.SnapshotName()
	}
	objectName, err := namecodec.Encode(artifact)
	if err != nil {
		return r.cleanupFailedBackup(ctx, snap.Name, err)
	}

	plog.Info("Starting transfer", "artifact", objectName, "compressor", r.codec.Name())
	sent, err := r.pipe.Run(ctx,
		pipeline.Producer{
			Name: "zfs-send",
			Run: func(ctx context.Context, dst io.Writer) error {
				return r.zfs.Send(ctx, snap.Name, parentSnapshot, dst)
			},
		},
		[]pipeline.Transform{{
			Name: "compress",
			Run: func(ctx context.Context, dst io.Writer, src io.Reader) error {
				return r.codec.Compress(dst, src)
			},
		}},
		pipeline.Consumer{
			Name: "upload",
			Run: func(ctx context.Context, src io.Reader) error {
				return r.store.Upload(ctx, objectName, src)
			},
		},
	)
	if err != nil {
		return r.cleanupFailedBackup(ctx, snap.Name, fmt.Errorf("backup transfer failed: %w", err))
	}

	plog.Info("Backup complete",
		"artifact", objectName,
		"uploaded", util.HumanReadableSize(sent),
	)

	if err := r.snaps.Prune(ctx, dataset, r.cfg.SnapshotRetention); err != nil {
		// The backup itself succeeded; pruning problems must not fail it.
		plog.Warn("Snapshot pruning incomplete", "error", err)
	}
	return nil
}

// cleanupFailedBackup destroys the snapshot of a failed run so that no
// unreferenced snapshot accumulates. It runs detached from ctx: the most
// common failure cause is cancellation, and cleanup must still happen then.
func (r *Runner) cleanupFailedBackup(ctx context.Context, snapName string, cause error) error {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
	defer cancel()

	if err := r.snaps.Destroy(cleanupCtx, snapName); err != nil {
		if hints.IsHint(err) {
			plog.Debug("Cleanup skip", "reason", err)
			return cause
		}
		plog.Error("Could not destroy snapshot of failed backup; remove it manually",
			"snapshot", snapName, "error", err)
		return errors.Join(cause, fmt.Errorf("cleanup of snapshot %s failed: %w", snapName, err))
	}
	plog.Info("Cleaned up snapshot of failed backup", "snapshot", snapName)
	return cause
}

// ExecuteRestore replays the active chain onto targetDataset, oldest first.
// The target dataset is forcibly rolled back to each received state; existing
// newer data on it is discarded.
func (r *Runner) ExecuteRestore(ctx context.Context, targetDataset string, assumeYes bool) error {
	if targetDataset == "" {
		return errors.New("target dataset must not be empty")
	}

	lock, err := lockfile.Acquire(ctx, r.lockDir, targetDataset, buildinfo.Name)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := r.resolveRemote(ctx, r.cfg.Dataset)
	if err != nil {
		return err
	}
	if _, ok := st.Tip(); !ok {
		return fmt.Errorf("%w: dataset %s", ErrNoRestorableChain, r.cfg.Dataset)
	}

	if st.Corrupted() {
		plog.Warn("Chain carries orphaned artifacts; they will NOT be restored",
			"orphans", len(st.Orphans))
		for _, o := range st.Orphans {
			plog.Warn("Orphaned artifact", "name", o.Name)
		}
	}

	fmt.Fprintf(r.Out, "Restore plan for %s -> %s:\n", r.cfg.Dataset, targetDataset)
	for _, e := range st.Chain {
		fmt.Fprintf(r.Out, "  %-12s %10s  %s\n", e.Artifact.Kind, util.HumanReadableSize(e.Size), e.Name)
	}
	fmt.Fprintf(r.Out, "Total download: %s in %d artifact(s)\n",
		util.HumanReadableSize(st.TotalSize()), len(st.Chain))
	fmt.Fprintf(r.Out, "WARNING: dataset %s will be rolled back; data newer than the backups is lost.\n", targetDataset)

	if !assumeYes {
		ok, err := r.Confirm("Proceed with restore?")
		if err != nil {
			return err
		}
		if !ok {
			return ErrRestoreDeclined
		}
	}

	for i, entry := range st.Chain {
		plog.Info("Restoring artifact",
			"step", fmt.Sprintf("%d/%d", i+1, len(st.Chain)), "name", entry.Name)
		if err := r.restoreArtifact(ctx, targetDataset, entry); err != nil {
			return fmt.Errorf("restore aborted at %s: %w", entry.Name, err)
		}
	}

	plog.Info("Restore complete", "dataset", targetDataset, "artifacts", len(st.Chain))
	return nil
}

// restoreArtifact streams one artifact through download -> decompress ->
// zfs receive.
func (r *Runner) restoreArtifact(ctx context.Context, targetDataset string, entry chain.Entry) error {
	codec, err := compression.ForExtension(entry.Artifact.Extension)
	if err != nil {
		return err
	}

	_, err = r.pipe.Run(ctx,
		pipeline.Producer{
			Name: "download",
			Run: func(ctx context.Context, dst io.Writer) error {
				rc, err := r.store.Download(ctx, entry.Name)
				if err != nil {
					return err
				}
				if _, err := io.Copy(dst, rc); err != nil {
					rc.Close()
					return err
				}
				return rc.Close()
			},
		},
		[]pipeline.Transform{{
			Name: "decompress",
			Run: func(ctx context.Context, dst io.Writer, src io.Reader) error {
				return codec.Decompress(dst, src)
			},
		}},
		pipeline.Consumer{
			Name: "zfs-receive",
			Run: func(ctx context.Context, src io.Reader) error {
				return r.zfs.Receive(ctx, targetDataset, src)
			},
		},
	)
	return err
}

// ExecuteList prints the resolved remote chain state of the configured
// dataset, including orphans and foreign objects.
func (r *Runner) ExecuteList(ctx context.Context) error {
	objects, err := r.store.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list remote artifacts: %w", err)
	}
	res := chain.Resolve(objects)
	st := res.Dataset(r.cfg.Dataset)

	if st == nil || len(st.Chain)+len(st.Orphans) == 0 {
		fmt.Fprintf(r.Out, "No artifacts for dataset %s on remote %s/%s.\n",
			r.cfg.Dataset, r.cfg.Remote, r.cfg.BucketName)
	} else {
		fmt.Fprintf(r.Out, "Backup chain for %s:\n", r.cfg.Dataset)
		for _, e := range st.Chain {
			fmt.Fprintf(r.Out, "  %-12s %10s  %s\n", e.Artifact.Kind, util.HumanReadableSize(e.Size), e.Name)
		}
		if len(st.Chain) > 0 {
			fmt.Fprintf(r.Out, "Total: %s in %d artifact(s)\n",
				util.HumanReadableSize(st.TotalSize()), len(st.Chain))
		}
		if st.Corrupted() {
			fmt.Fprintf(r.Out, "Orphaned artifacts (unrestorable, next backup will be full):\n")
			for _, o := range st.Orphans {
				fmt.Fprintf(r.Out, "  %-12s %10s  %s\n", o.Artifact.Kind, util.HumanReadableSize(o.Size), o.Name)
			}
		}
	}
	if res.Skipped > 0 {
		fmt.Fprintf(r.Out, "Ignored %d object(s) that are not backup artifacts.\n", res.Skipped)
	}
	return nil
}
