package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// Rclone is a Store backed by the rclone binary. rclone's rcat writes to a
// temporary object and server-side-moves it into place on success, which
// gives us the commit-on-completion behavior the chain model depends on.
type Rclone struct {
	remote     string
	bucket     string
	configPath string
	// binary is overridable for tests.
	binary string
}

// NewRclone creates an rclone-backed store for remote:bucket.
func NewRclone(remoteName, bucket, configPath string) *Rclone {
	return &Rclone{
		remote:     remoteName,
		bucket:     bucket,
		configPath: configPath,
		binary:     "rclone",
	}
}

// lsjsonEntry mirrors the fields of `rclone lsjson` output we consume.
type lsjsonEntry struct {
	Path  string `json:"Path"`
	Name  string `json:"Name"`
	Size  int64  `json:"Size"`
	IsDir bool   `json:"IsDir"`
}

func (r *Rclone) path(objectName string) string {
	base := r.remote + ":" + r.bucket
	if objectName == "" {
		return base
	}
	return base + "/" + objectName
}

func (r *Rclone) args(extra ...string) []string {
	var args []string
	if r.configPath != "" {
		args = append(args, "--config", r.configPath)
	}
	return append(args, extra...)
}

// List returns all files under the bucket, recursively.
func (r *Rclone) List(ctx context.Context) ([]Object, error) {
	cmd := exec.CommandContext(ctx, r.binary, r.args("lsjson", "--recursive", "--files-only", r.path(""))...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("rclone lsjson failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	var entries []lsjsonEntry
	if err := json.Unmarshal(stdout.Bytes(), &entries); err != nil {
		return nil, fmt.Errorf("could not parse rclone lsjson output: %w", err)
	}

	objects := make([]Object, 0, len(entries))
	for _, e := range entries {
		if e.IsDir {
			continue
		}
		objects = append(objects, Object{Name: e.Path, Size: e.Size})
	}
	return objects, nil
}

// Upload streams into `rclone rcat`, which only finalizes the object name
// after the full stream has been written.
func (r *Rclone) Upload(ctx context.Context, name string, src io.Reader) error {
	cmd := exec.CommandContext(ctx, r.binary, r.args("rcat", r.path(name))...)
	cmd.Stdin = src
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rclone rcat %s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Download streams an object via `rclone cat`.
func (r *Rclone) Download(ctx context.Context, name string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, r.binary, r.args("cat", r.path(name))...)
	cmd.WaitDelay = 5 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("could not open rclone stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start rclone cat %s: %w", name, err)
	}
	return &cmdReadCloser{name: name, rc: stdout, cmd: cmd, stderr: &stderr}, nil
}

// cmdReadCloser adapts a running subprocess's stdout into a ReadCloser whose
// Close surfaces the process exit status. Read-to-EOF alone is not enough:
// rclone may exit non-zero after emitting a truncated stream.
type cmdReadCloser struct {
	name   string
	rc     io.ReadCloser
	cmd    *exec.Cmd
	stderr *bytes.Buffer
}

func (c *cmdReadCloser) Read(p []byte) (int, error) {
	return c.rc.Read(p)
}

func (c *cmdReadCloser) Close() error {
	// Closing stdout unblocks Wait even if the consumer stopped early.
	c.rc.Close()
	if err := c.cmd.Wait(); err != nil {
		return fmt.Errorf("rclone cat %s failed: %w: %s", c.name, err, strings.TrimSpace(c.stderr.String()))
	}
	return nil
}
