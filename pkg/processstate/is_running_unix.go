//go:build !windows

package processstate

import (
	"os"
	"syscall"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
)

// IsRunning reports whether a process with the given pid still exists.
// Used post-mortem to tell an abandoned-but-alive VM apart from one that
// died without delivering an exit status.
func IsRunning(pid int) (bool, error) {
	if pid <= 0 {
		return false, errors.NewValidationError("invalid pid", nil).WithContext("pid", pid)
	}

	// On Unix FindProcess always succeeds; signal 0 performs the actual
	// existence check.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true, nil
	}
	if err.Error() == "os: process already finished" {
		return false, nil
	}
	errno, ok := err.(syscall.Errno)
	if !ok {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		return true, nil
	}
	return false, err
}
