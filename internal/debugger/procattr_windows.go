//go:build windows

package debugger

import (
	"os/exec"
	"syscall"
)

// setProcessGroup configures cmd to start in a new process group so the
// interrupt byte (Ctrl+C equivalent) and shutdown don't also hit this
// process.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}

// killProcessGroup force-kills the process with TerminateProcess. Windows
// has no POSIX-style negative-PID group kill, and only the process pid
// itself is terminated; child processes it spawned are not.
func killProcessGroup(pid int) error {
	proc, err := syscall.OpenProcess(syscall.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer syscall.CloseHandle(proc)
	return syscall.TerminateProcess(proc, 1)
}
