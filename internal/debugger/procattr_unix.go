//go:build unix

package debugger

import (
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd to start its own process group so that
// stop() can kill the debugger and every helper process it spawns (e.g. a
// symbol-server child) with one signal.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup force-kills the process group led by pid.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
