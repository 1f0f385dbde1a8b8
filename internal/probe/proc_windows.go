//go:build windows

package probe

import "os/exec"

// configureProcAttr is a no-op on Windows; there are no Unix process
// groups to join.
func configureProcAttr(cmd *exec.Cmd) {}

// killProcessGroup terminates the direct child. Grandchildren cannot
// be addressed as a group on Windows.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
