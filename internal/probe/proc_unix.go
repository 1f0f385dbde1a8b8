//go:build !windows

package probe

import (
	"os/exec"
	"syscall"
)

// configureProcAttr places the subprocess in its own process group so
// cancellation reaches every child it spawns, not just the direct one.
// Stdio bridges commonly fork further children.
func configureProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup force-terminates the subprocess and its entire
// process group. Safe to call when the process never started or has
// already exited.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Setpgid makes the child its own group leader, so -pid addresses
	// the whole group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
