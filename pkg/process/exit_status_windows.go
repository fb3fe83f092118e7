//go:build windows

package process

import "os"

// ExitStatus extracts the child's exit status. Windows has no signal
// deaths, so the plain exit code is the full story.
func ExitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
