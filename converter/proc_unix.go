//go:build unix

package converter

import (
	"os/exec"
	"syscall"
)

// configureProcess starts the binary in its own process group so a timeout
// kills every child it spawned.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
