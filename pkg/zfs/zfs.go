// Package zfs wraps the zfs command-line tool behind a narrow interface.
//
// The send/receive byte-stream semantics are treated as opaque: a send stream
// is a correct binary delta (or full serialization) and receive applies it.
// Everything here is a thin, careful shell-out; classification of the two
// error conditions callers must react to (busy, not found) happens on the
// stderr text the tool emits.
package zfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// ErrBusy indicates the dataset or snapshot is held by a dependent resource
// (e.g. a clone) and the operation should be retried or escalated.
var ErrBusy = errors.New("dataset is busy")

// ErrNotFound indicates the snapshot does not exist. Cleanup paths treat this
// as success since it may race with manual operator action.
var ErrNotFound = errors.New("snapshot does not exist")

// ZFS is the local snapshot filesystem collaborator.
type ZFS interface {
	// Snapshot creates the named snapshot (dataset@name form).
	Snapshot(ctx context.Context, name string) error
	// Destroy removes the named snapshot.
	Destroy(ctx context.Context, name string) error
	// List returns all snapshot names under dataset, oldest first.
	List(ctx context.Context, dataset string) ([]string, error)
	// Send streams the snapshot into dst. A non-empty fromSnapshot produces
	// an incremental stream against that parent.
	Send(ctx context.Context, snapshot, fromSnapshot string, dst io.Writer) error
	// Receive applies a send stream from src onto dataset, discarding any
	// newer local state (zfs receive -F).
	Receive(ctx context.Context, dataset string, src io.Reader) error
}

// CLI is the production ZFS implementation shelling out to the zfs binary.
type CLI struct {
	// binary is overridable for tests.
	binary string
}

// Statically assert that *CLI implements the ZFS interface.
var _ ZFS = (*CLI)(nil)

// NewCLI creates a CLI wrapper using the `zfs` binary from PATH.
func NewCLI() *CLI {
	return &CLI{binary: "zfs"}
}

// command builds an exec.Cmd with process-group handling so that canceling
// the context terminates the whole child tree, not just the direct child.
func (c *CLI) command(ctx context.Context, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	configureCommand(cmd)
	return cmd
}

// run executes a short-lived zfs command and returns its stdout.
func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := c.command(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", classify(args[0], err, stderr.String())
	}
	return stdout.String(), nil
}

// classify maps zfs stderr text onto the sentinel errors callers switch on.
func classify(verb string, err error, stderr string) error {
	msg := strings.TrimSpace(stderr)
	switch {
	case strings.Contains(msg, "dataset is busy"):
		return fmt.Errorf("zfs %s: %w: %s", verb, ErrBusy, msg)
	case strings.Contains(msg, "could not find any snapshots to destroy"),
		strings.Contains(msg, "does not exist"):
		return fmt.Errorf("zfs %s: %w: %s", verb, ErrNotFound, msg)
	case msg == "":
		return fmt.Errorf("zfs %s failed: %w", verb, err)
	default:
		return fmt.Errorf("zfs %s failed: %w: %s", verb, err, msg)
	}
}

// Snapshot creates a snapshot.
func (c *CLI) Snapshot(ctx context.Context, name string) error {
	_, err := c.run(ctx, "snapshot", name)
	return err
}

// Destroy removes a snapshot.
func (c *CLI) Destroy(ctx context.Context, name string) error {
	_, err := c.run(ctx, "destroy", name)
	return err
}

// List returns snapshot names for the dataset in creation order.
func (c *CLI) List(ctx context.Context, dataset string) ([]string, error) {
	out, err := c.run(ctx, "list", "-t", "snapshot", "-H", "-o", "name", "-s", "creation", "-r", dataset)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		// -r also lists snapshots of child datasets; only keep our own.
		if line != "" && strings.HasPrefix(line, dataset+"@") {
			names = append(names, line)
		}
	}
	return names, nil
}

// Send streams the snapshot (optionally incremental) into dst.
// The -c flag keeps blocks compressed as stored, avoiding a decompress/
// recompress cycle for datasets with on-disk compression.
func (c *CLI) Send(ctx context.Context, snapshot, fromSnapshot string, dst io.Writer) error {
	args := []string{"send", "-c"}
	if fromSnapshot != "" {
		args = append(args, "-i", fromSnapshot)
	}
	args = append(args, snapshot)

	cmd := c.command(ctx, args...)
	cmd.Stdout = dst
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return classify("send", err, stderr.String())
	}
	return nil
}

// Receive applies a send stream onto the target dataset.
func (c *CLI) Receive(ctx context.Context, dataset string, src io.Reader) error {
	cmd := c.command(ctx, "receive", "-F", dataset)
	cmd.Stdin = src
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return classify("receive", err, stderr.String())
	}
	return nil
}
