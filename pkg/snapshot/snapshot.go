// Package snapshot manages the local snapshot lifecycle: creation, listing,
// destruction and retention pruning. It layers naming and policy on top of
// the raw zfs collaborator; it never touches the remote.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/hints"
	"github.com/paulschiretz/pgl-zback/pkg/namecodec"
	"github.com/paulschiretz/pgl-zback/pkg/plog"
	"github.com/paulschiretz/pgl-zback/pkg/zfs"
)

// ErrCreateFailed marks a failed snapshot creation. This aborts a backup
// before any stream begins, so no cleanup is needed when it is returned.
var ErrCreateFailed = errors.New("snapshot creation failed")

// These are vars to allow modification during testing.
var (
	destroyRetries   = 5
	destroyRetryWait = 2 * time.Second
)

// Snapshot is one local point-in-time snapshot managed by this tool.
type Snapshot struct {
	// Name is the full ZFS snapshot name, dataset@prefix+timestamp.
	Name string
	// Timestamp is the creation time encoded in the name.
	Timestamp time.Time
}

// Manager creates, lists, destroys and prunes snapshots for datasets.
type Manager struct {
	zfs    zfs.ZFS
	prefix string
}

// NewManager creates a snapshot manager. Only snapshots carrying the given
// name prefix are considered managed; everything else is left alone.
func NewManager(z zfs.ZFS, prefix string) *Manager {
	return &Manager{zfs: z, prefix: prefix}
}

// Create allocates a new snapshot named after the given timestamp.
func (m *Manager) Create(ctx context.Context, dataset string, ts time.Time) (Snapshot, error) {
	name := namecodec.SnapshotName(dataset, m.prefix, ts)
	if err := m.zfs.Snapshot(ctx, name); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}
	return Snapshot{Name: name, Timestamp: ts}, nil
}

// List returns the managed snapshots of a dataset, oldest first. Snapshots
// outside the manager's prefix namespace are ignored.
func (m *Manager) List(ctx context.Context, dataset string) ([]Snapshot, error) {
	names, err := m.zfs.List(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("could not list snapshots of %s: %w", dataset, err)
	}

	var snaps []Snapshot
	for _, name := range names {
		ts, err := namecodec.SnapshotTimestamp(name, dataset, m.prefix)
		if err != nil {
			continue // foreign snapshot, not ours to manage
		}
		snaps = append(snaps, Snapshot{Name: name, Timestamp: ts})
	}
	// Names sort by timestamp for a fixed dataset and prefix.
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps, nil
}

// Has reports whether the named snapshot currently exists on the dataset.
func (m *Manager) Has(ctx context.Context, dataset, name string) (bool, error) {
	snaps, err := m.List(ctx, dataset)
	if err != nil {
		return false, err
	}
	for _, s := range snaps {
		if s.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Destroy removes a snapshot. Destroying an already-absent snapshot is not a
// failure (cleanup may race with manual operator action); it returns a hint
// so callers can log the skip. A busy snapshot is retried a few times before
// the busy error is surfaced.
func (m *Manager) Destroy(ctx context.Context, name string) error {
	var err error
	for attempt := 0; attempt < destroyRetries; attempt++ {
		err = m.zfs.Destroy(ctx, name)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, zfs.ErrNotFound):
			return hints.Wrap(fmt.Errorf("snapshot %s already absent: %w", name, err))
		case errors.Is(err, zfs.ErrBusy):
			if attempt == destroyRetries-1 {
				return err
			}
			plog.Warn("Snapshot is busy, retrying destroy",
				"snapshot", name, "attempt", attempt+1, "of", destroyRetries-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(destroyRetryWait):
			}
		default:
			return err
		}
	}
	return err
}

// Prune keeps the `retain` most recent managed snapshots and destroys the
// rest, oldest first. retain == 0 disables pruning entirely; it is not a
// destroy-all.
func (m *Manager) Prune(ctx context.Context, dataset string, retain int) error {
	if retain <= 0 {
		plog.Debug("Snapshot retention disabled, skipping pruning", "dataset", dataset)
		return nil
	}

	snaps, err := m.List(ctx, dataset)
	if err != nil {
		return err
	}
	if len(snaps) <= retain {
		return nil
	}

	excess := snaps[:len(snaps)-retain]
	plog.Info("Pruning old snapshots", "dataset", dataset, "count", len(excess), "retain", retain)

	var failures []error
	for _, s := range excess {
		if err := m.Destroy(ctx, s.Name); err != nil {
			switch {
			case hints.IsHint(err):
				plog.Debug("Prune skip", "snapshot", s.Name, "reason", err)
			case errors.Is(err, zfs.ErrBusy):
				// A busy old snapshot is a cleanliness issue, not data loss.
				plog.Warn("Could not prune busy snapshot", "snapshot", s.Name, "error", err)
			default:
				failures = append(failures, fmt.Errorf("prune %s: %w", s.Name, err))
			}
		}
	}
	return errors.Join(failures...)
}
