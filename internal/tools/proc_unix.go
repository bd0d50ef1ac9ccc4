//go:build unix

package tools

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the tool in its own process group so a timeout
// kills the launcher script together with the JVM or Python child it spawned.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
