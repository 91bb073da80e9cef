//go:build unix

package engine

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// killProcessGroup starts cmd in its own process group and replaces the
// default cancel (SIGKILL to the shell alone) with SIGTERM to the whole
// group, followed by SIGKILL once grace has passed. Descendants of the
// shell are stopped with it.
func killProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		err := syscall.Kill(pgid, syscall.SIGTERM)
		// Children that ignore SIGTERM outlive the shell; the group id
		// stays valid while any member is alive.
		time.AfterFunc(grace, func() { _ = syscall.Kill(pgid, syscall.SIGKILL) })
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
}
