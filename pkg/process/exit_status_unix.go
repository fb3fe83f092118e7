//go:build !windows

package process

import (
	"os"
	"syscall"
)

// ExitStatus extracts the child's exit status, keeping signal deaths
// distinguishable: a process killed by signal N reports -N, not the
// collapsed -1 that ProcessState.ExitCode would give.
func ExitStatus(state *os.ProcessState) int {
	if ws, ok := state.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	return state.ExitCode()
}
