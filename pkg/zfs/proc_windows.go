//go:build windows

package zfs

import (
	"os/exec"
	"time"
)

// configureCommand on Windows relies on the default process kill behavior.
// ZFS is not natively available here; this keeps the package building.
func configureCommand(cmd *exec.Cmd) {
	cmd.WaitDelay = 10 * time.Second
}
