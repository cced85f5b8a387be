package engine_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/compression"
	"github.com/paulschiretz/pgl-zback/pkg/config"
	"github.com/paulschiretz/pgl-zback/pkg/engine"
	"github.com/paulschiretz/pgl-zback/pkg/pipeline"
	"github.com/paulschiretz/pgl-zback/pkg/remote"
	"github.com/paulschiretz/pgl-zback/pkg/snapshot"
)

// fakeZFS serves snapshots from memory and emits a recognizable payload per
// send so restores can be verified byte for byte.
type fakeZFS struct {
	mu        sync.Mutex
	snapshots []string
	sends     [][2]string // snapshot, fromSnapshot
	receives  []receiveCall
	destroyed []string
}

type receiveCall struct {
	dataset string
	payload string
}

func sendPayload(snapshot, from string) string {
	return fmt.Sprintf("stream[%s<-%s]", snapshot, from)
}

func (f *fakeZFS) Snapshot(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots = append(f.snapshots, name)
	return nil
}

func (f *fakeZFS) Destroy(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.snapshots...), nil
}

func (f *fakeZFS) Send(ctx context.Context, snapshot, fromSnapshot string, dst io.Writer) error {
	f.mu.Lock()
	f.sends = append(f.sends, [2]string{snapshot, fromSnapshot})
	f.mu.Unlock()
	_, err := io.WriteString(dst, sendPayload(snapshot, fromSnapshot))
	return err
}

func (f *fakeZFS) Receive(ctx context.Context, dataset string, src io.Reader) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receives = append(f.receives, receiveCall{dataset: dataset, payload: string(data)})
	return nil
}

// fakeStore is an in-memory object store with optional injected failures.
type fakeStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	uploadErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) List(ctx context.Context) ([]remote.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var objs []remote.Object
	for name, data := range s.objects {
		objs = append(objs, remote.Object{Name: name, Size: int64(len(data))})
	}
	return objs, nil
}

func (s *fakeStore) Upload(ctx context.Context, name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.uploadErr != nil {
		return s.uploadErr
	}
	s.objects[name] = data
	return nil
}

func (s *fakeStore) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s does not exist", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type harness struct {
	zfs    *fakeZFS
	store  *fakeStore
	runner *engine.Runner
	out    *bytes.Buffer
	clock  time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Dataset = "tank/data"
	cfg.Remote = "test"
	cfg.BucketName = "backups"
	cfg.SnapshotRetention = 10
	cfg.Compressor = "gzip"

	codec, err := compression.ForName(cfg.Compressor)
	if err != nil {
		t.Fatalf("codec: %v", err)
	}

	h := &harness{
		zfs:   &fakeZFS{},
		store: newFakeStore(),
		out:   &bytes.Buffer{},
		clock: time.Date(2026, 5, 1, 3, 0, 0, 0, time.UTC),
	}
	h.runner = engine.NewRunner(cfg, h.zfs, snapshot.NewManager(h.zfs, cfg.SnapshotPrefix),
		h.store, codec, pipeline.NewRunner(0, false), t.TempDir())
	h.runner.Now = func() time.Time { return h.clock }
	h.runner.Out = h.out
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func objectNames(s *fakeStore) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.objects {
		names = append(names, name)
	}
	return names
}

func TestFirstBackupIsFull(t *testing.T) {
	h := newHarness(t)

	if err := h.runner.ExecuteBackup(context.Background(), false); err != nil {
		t.Fatalf("ExecuteBackup: %v", err)
	}

	names := objectNames(h.store)
	if len(names) != 1 {
		t.Fatalf("expected one uploaded artifact, got %v", names)
	}
	want := "tank/data@zback-2026-05-01_03-00-00-full.gz"
	if names[0] != want {
		t.Errorf("artifact name = %q, want %q", names[0], want)
	}
	if len(h.zfs.snapshots) != 1 {
		t.Errorf("expected the backup snapshot to survive, have %v", h.zfs.snapshots)
	}
	if len(h.zfs.sends) != 1 || h.zfs.sends[0][1] != "" {
		t.Errorf("expected one full send, got %v", h.zfs.sends)
	}
}

func TestSecondBackupIsIncremental(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("full backup: %v", err)
	}
	h.advance(time.Hour)
	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("incremental backup: %v", err)
	}

	names := objectNames(h.store)
	if len(names) != 2 {
		t.Fatalf("expected two artifacts, got %v", names)
	}
	wantIncr := "tank/data@zback-2026-05-01_04-00-00-incr-2026-05-01_03-00-00.gz"
	found := false
	for _, n := range names {
		if n == wantIncr {
			found = true
		}
	}
	if !found {
		t.Errorf("missing incremental artifact %q in %v", wantIncr, names)
	}

	// The incremental send must diff against the previous snapshot.
	if len(h.zfs.sends) != 2 {
		t.Fatalf("expected two sends, got %v", h.zfs.sends)
	}
	if h.zfs.sends[1][1] != "tank/data@zback-2026-05-01_03-00-00" {
		t.Errorf("incremental send parent = %q", h.zfs.sends[1][1])
	}
}

func TestForceFullStartsNewChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("first backup: %v", err)
	}
	h.advance(time.Hour)
	if err := h.runner.ExecuteBackup(ctx, true); err != nil {
		t.Fatalf("forced full backup: %v", err)
	}

	for _, n := range objectNames(h.store) {
		if strings.Contains(n, "04-00-00") && !strings.HasSuffix(n, "-full.gz") {
			t.Errorf("forced backup produced a non-full artifact: %s", n)
		}
	}
}

func TestMissingLocalParentForcesFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("first backup: %v", err)
	}
	// Simulate the parent snapshot disappearing (manual destroy, pruning on
	// another host).
	h.zfs.snapshots = nil

	h.advance(time.Hour)
	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("second backup: %v", err)
	}
	if got := h.zfs.sends[1][1]; got != "" {
		t.Errorf("expected a full send without parent, got parent %q", got)
	}
}

func TestFailedUploadCleansUpSnapshot(t *testing.T) {
	h := newHarness(t)
	h.store.uploadErr = errors.New("bucket unavailable")

	err := h.runner.ExecuteBackup(context.Background(), false)
	if err == nil {
		t.Fatal("expected the backup to fail")
	}
	if !strings.Contains(err.Error(), "bucket unavailable") {
		t.Errorf("error does not surface the upload failure: %v", err)
	}
	if len(objectNames(h.store)) != 0 {
		t.Error("failed upload must not leave artifacts")
	}
	if len(h.zfs.snapshots) != 0 {
		t.Errorf("snapshot of the failed backup survives: %v", h.zfs.snapshots)
	}
	if len(h.zfs.destroyed) != 1 {
		t.Errorf("expected exactly one cleanup destroy, got %v", h.zfs.destroyed)
	}
}

func TestRetentionPruning(t *testing.T) {
	h := newHarness(t)

	// Rebuild the runner with retention 1.
	cfg := config.NewDefault()
	cfg.Dataset = "tank/data"
	cfg.Remote = "test"
	cfg.BucketName = "backups"
	cfg.SnapshotRetention = 1
	cfg.Compressor = "gzip"
	codec, _ := compression.ForName(cfg.Compressor)
	h.runner = engine.NewRunner(cfg, h.zfs, snapshot.NewManager(h.zfs, cfg.SnapshotPrefix),
		h.store, codec, pipeline.NewRunner(0, false), t.TempDir())
	h.runner.Now = func() time.Time { return h.clock }
	h.runner.Out = h.out

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := h.runner.ExecuteBackup(ctx, false); err != nil {
			t.Fatalf("backup %d: %v", i, err)
		}
		h.advance(time.Hour)
	}
	if len(h.zfs.snapshots) != 1 {
		t.Errorf("retention 1 should leave one snapshot, have %v", h.zfs.snapshots)
	}
	// Remote artifacts are never pruned.
	if len(objectNames(h.store)) != 3 {
		t.Errorf("remote artifacts must be kept, got %v", objectNames(h.store))
	}
}

func TestRestoreReplaysChainInOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("full backup: %v", err)
	}
	h.advance(time.Hour)
	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("incremental backup: %v", err)
	}

	if err := h.runner.ExecuteRestore(ctx, "tank/restore", true); err != nil {
		t.Fatalf("ExecuteRestore: %v", err)
	}

	if len(h.zfs.receives) != 2 {
		t.Fatalf("expected two receives, got %d", len(h.zfs.receives))
	}
	wantFirst := sendPayload("tank/data@zback-2026-05-01_03-00-00", "")
	wantSecond := sendPayload("tank/data@zback-2026-05-01_04-00-00", "tank/data@zback-2026-05-01_03-00-00")
	if h.zfs.receives[0].payload != wantFirst {
		t.Errorf("first receive = %q, want the full stream", h.zfs.receives[0].payload)
	}
	if h.zfs.receives[1].payload != wantSecond {
		t.Errorf("second receive = %q, want the incremental stream", h.zfs.receives[1].payload)
	}
	for _, rc := range h.zfs.receives {
		if rc.dataset != "tank/restore" {
			t.Errorf("receive targeted %q, want tank/restore", rc.dataset)
		}
	}
	if !strings.Contains(h.out.String(), "Restore plan") {
		t.Error("restore plan was not printed")
	}
}

func TestRestoreDeclined(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("backup: %v", err)
	}

	h.runner.Confirm = func(prompt string) (bool, error) { return false, nil }
	err := h.runner.ExecuteRestore(ctx, "tank/restore", false)
	if !errors.Is(err, engine.ErrRestoreDeclined) {
		t.Fatalf("expected ErrRestoreDeclined, got %v", err)
	}
	if len(h.zfs.receives) != 0 {
		t.Error("declined restore must not touch the target dataset")
	}
}

func TestRestoreWithoutChain(t *testing.T) {
	h := newHarness(t)
	err := h.runner.ExecuteRestore(context.Background(), "tank/restore", true)
	if !errors.Is(err, engine.ErrNoRestorableChain) {
		t.Fatalf("expected ErrNoRestorableChain, got %v", err)
	}
}

func TestListOutput(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if err := h.runner.ExecuteBackup(ctx, false); err != nil {
		t.Fatalf("backup: %v", err)
	}

	h.out.Reset()
	if err := h.runner.ExecuteList(ctx); err != nil {
		t.Fatalf("ExecuteList: %v", err)
	}
	out := h.out.String()
	if !strings.Contains(out, "tank/data@zback-2026-05-01_03-00-00-full.gz") {
		t.Errorf("listing does not show the artifact:\n%s", out)
	}
	if !strings.Contains(out, "Total:") {
		t.Errorf("listing does not show the total size:\n%s", out)
	}
}

func TestListEmptyRemote(t *testing.T) {
	h := newHarness(t)
	if err := h.runner.ExecuteList(context.Background()); err != nil {
		t.Fatalf("ExecuteList: %v", err)
	}
	if !strings.Contains(h.out.String(), "No artifacts") {
		t.Errorf("empty remote not reported:\n%s", h.out.String())
	}
}
