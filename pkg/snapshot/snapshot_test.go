package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/hints"
	"github.com/paulschiretz/pgl-zback/pkg/zfs"
)

// fakeZFS records calls and serves a scripted snapshot inventory.
type fakeZFS struct {
	snapshots []string
	listErr   error

	created   []string
	destroyed []string

	// destroyErrs maps snapshot name to a queue of errors returned by
	// successive Destroy calls. An exhausted queue means success.
	destroyErrs map[string][]error
}

func (f *fakeZFS) Snapshot(ctx context.Context, name string) error {
	f.created = append(f.created, name)
	f.snapshots = append(f.snapshots, name)
	return nil
}

func (f *fakeZFS) Destroy(ctx context.Context, name string) error {
	if queue := f.destroyErrs[name]; len(queue) > 0 {
		err := queue[0]
		f.destroyErrs[name] = queue[1:]
		return err
	}
	f.destroyed = append(f.destroyed, name)
	for i, s := range f.snapshots {
		if s == name {
			f.snapshots = append(f.snapshots[:i], f.snapshots[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeZFS) List(ctx context.Context, dataset string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]string(nil), f.snapshots...), nil
}

func (f *fakeZFS) Send(ctx context.Context, snapshot, fromSnapshot string, dst io.Writer) error {
	return nil
}

func (f *fakeZFS) Receive(ctx context.Context, dataset string, src io.Reader) error {
	return nil
}

func managedName(n int) string {
	ts := time.Date(2026, 1, n, 12, 0, 0, 0, time.UTC)
	return fmt.Sprintf("tank/data@zback-%s", ts.Format("2006-01-02_15-04-05"))
}

func TestCreateUsesPrefixedName(t *testing.T) {
	fake := &fakeZFS{}
	m := NewManager(fake, "zback-")

	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	snap, err := m.Create(context.Background(), "tank/data", ts)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	want := "tank/data@zback-2026-03-14_09-26-53"
	if snap.Name != want {
		t.Errorf("snapshot name = %q, want %q", snap.Name, want)
	}
	if len(fake.created) != 1 || fake.created[0] != want {
		t.Errorf("zfs snapshot called with %v", fake.created)
	}
}

func TestListIgnoresForeignSnapshots(t *testing.T) {
	fake := &fakeZFS{snapshots: []string{
		managedName(3),
		"tank/data@manual-checkpoint",
		managedName(1),
		"tank/data@zback-not-a-timestamp",
		managedName(2),
	}}
	m := NewManager(fake, "zback-")

	snaps, err := m.List(context.Background(), "tank/data")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(snaps) != 3 {
		t.Fatalf("got %d managed snapshots, want 3: %v", len(snaps), snaps)
	}
	for i := 1; i < len(snaps); i++ {
		if !snaps[i-1].Timestamp.Before(snaps[i].Timestamp) {
			t.Errorf("snapshots not sorted oldest first: %v", snaps)
		}
	}
}

func TestDestroyAbsentSnapshotIsHint(t *testing.T) {
	fake := &fakeZFS{destroyErrs: map[string][]error{
		"tank/data@gone": {zfs.ErrNotFound},
	}}
	m := NewManager(fake, "zback-")

	err := m.Destroy(context.Background(), "tank/data@gone")
	if err == nil {
		t.Fatal("expected a hint error")
	}
	if !hints.IsHint(err) {
		t.Errorf("expected hint, got %v", err)
	}
}

func TestDestroyRetriesBusy(t *testing.T) {
	restore := destroyRetryWait
	destroyRetryWait = time.Millisecond
	defer func() { destroyRetryWait = restore }()

	name := managedName(1)
	fake := &fakeZFS{
		snapshots:   []string{name},
		destroyErrs: map[string][]error{name: {zfs.ErrBusy, zfs.ErrBusy}},
	}
	m := NewManager(fake, "zback-")

	if err := m.Destroy(context.Background(), name); err != nil {
		t.Fatalf("Destroy after retries: %v", err)
	}
	if len(fake.destroyed) != 1 {
		t.Errorf("snapshot not destroyed: %v", fake.destroyed)
	}
}

func TestDestroyGivesUpOnPersistentBusy(t *testing.T) {
	restore := destroyRetryWait
	destroyRetryWait = time.Millisecond
	defer func() { destroyRetryWait = restore }()

	name := managedName(1)
	busyForever := make([]error, destroyRetries)
	for i := range busyForever {
		busyForever[i] = zfs.ErrBusy
	}
	fake := &fakeZFS{destroyErrs: map[string][]error{name: busyForever}}
	m := NewManager(fake, "zback-")

	err := m.Destroy(context.Background(), name)
	if !errors.Is(err, zfs.ErrBusy) {
		t.Fatalf("expected ErrBusy after exhausted retries, got %v", err)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	fake := &fakeZFS{snapshots: []string{
		managedName(1), managedName(2), managedName(3), managedName(4), managedName(5),
	}}
	m := NewManager(fake, "zback-")

	if err := m.Prune(context.Background(), "tank/data", 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(fake.destroyed) != 3 {
		t.Fatalf("destroyed %d snapshots, want 3: %v", len(fake.destroyed), fake.destroyed)
	}
	// Oldest first.
	if fake.destroyed[0] != managedName(1) || fake.destroyed[2] != managedName(3) {
		t.Errorf("wrong prune order: %v", fake.destroyed)
	}
	if len(fake.snapshots) != 2 {
		t.Errorf("remaining snapshots: %v", fake.snapshots)
	}
}

func TestPruneZeroRetentionIsNoop(t *testing.T) {
	fake := &fakeZFS{snapshots: []string{managedName(1), managedName(2)}}
	m := NewManager(fake, "zback-")

	if err := m.Prune(context.Background(), "tank/data", 0); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if len(fake.destroyed) != 0 {
		t.Errorf("retention 0 must not destroy anything, destroyed %v", fake.destroyed)
	}
}

func TestPruneToleratesBusySnapshots(t *testing.T) {
	restore := destroyRetryWait
	destroyRetryWait = time.Millisecond
	defer func() { destroyRetryWait = restore }()

	busyForever := make([]error, destroyRetries)
	for i := range busyForever {
		busyForever[i] = zfs.ErrBusy
	}
	fake := &fakeZFS{
		snapshots:   []string{managedName(1), managedName(2), managedName(3)},
		destroyErrs: map[string][]error{managedName(1): busyForever},
	}
	m := NewManager(fake, "zback-")

	if err := m.Prune(context.Background(), "tank/data", 1); err != nil {
		t.Fatalf("busy snapshot must not fail pruning: %v", err)
	}
	if len(fake.destroyed) != 1 || fake.destroyed[0] != managedName(2) {
		t.Errorf("expected only the second snapshot destroyed, got %v", fake.destroyed)
	}
}
