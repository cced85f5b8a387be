//go:build !windows

package zfs

import (
	"os/exec"
	"time"

	"golang.org/x/sys/unix"
)

// configureCommand puts the child in its own process group and arranges for
// context cancellation to signal the whole group. zfs send can spawn helpers;
// signaling only the direct child would leak them.
func configureCommand(cmd *exec.Cmd) {
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return unix.Kill(-cmd.Process.Pid, unix.SIGTERM)
	}
	// Escalates to SIGKILL via the runtime if the group ignores SIGTERM.
	cmd.WaitDelay = 10 * time.Second
}
