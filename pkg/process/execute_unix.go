//go:build !windows

package process

import (
	"os/exec"
	"syscall"
)

// setupProcessAttributes configures Unix-specific process attributes.
// The child gets its own session, so a Ctrl-C delivered to the
// supervisor's foreground process group never reaches the VM: the guest
// must be brought down through the control socket, not by the terminal.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
