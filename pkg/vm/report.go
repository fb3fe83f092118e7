package vm

import (
	"fmt"
	"strconv"
)

// ReportOutcome prints the end-of-run verdict for the user, mirrors it
// into the session log without timestamps and returns the exit status for
// the whole command: the subprocess's own, or 1 when none was collected.
func (c *Control) ReportOutcome(result Result) int {
	if result.ExitStatus != nil && *result.ExitStatus == 0 {
		msg := "\nVM process completed successfully"
		fmt.Fprint(c.options.Stdout, msg+"\n\n")
		c.slog.Raw(msg)
	} else {
		end := fmt.Sprintf("see %s\n", c.slog.Path())
		var msg string
		switch {
		case result.ExitStatus == nil && result.PID == 0:
			msg = fmt.Sprintf("\nFailed to start VM process: %s", end)
		case result.ExitStatus == nil:
			if c.processDied(result.PID) {
				// Unexpected: the child normally remains a zombie until
				// its status is collected.
				msg = fmt.Sprintf("\nVM process died uncleanly: %s", end)
			} else {
				msg = fmt.Sprintf("\nApparently failed to shut down VM process: %s"+
					"\nTry logging in with ssh and issuing \"sudo shutdown now\" manually; otherwise\n"+
					"kill process %d if it's unresponsive.\n", end, result.PID)
			}
		case *result.ExitStatus < 0:
			msg = fmt.Sprintf("\nVM process killed with signal %d: %s", -*result.ExitStatus, end)
		default:
			msg = fmt.Sprintf("\nVM process completed with error status %d: %s", *result.ExitStatus, end)
		}
		fmt.Fprint(c.options.Stderr, msg+"\n")
		c.slog.Raw(msg)

		if result.MemErr {
			mem := strconv.FormatFloat(c.options.MemGB, 'f', -1, 64)
			advice := fmt.Sprintf("It looks like QEMU failed to allocate %sGB of contiguous memory to run the VM.\n\n"+
				"Try restarting large programs such as your Web browser, to reduce memory\n"+
				"fragmentation (or closing them entirely if that doesn't solve it). If the\n"+
				"problem persists, try reducing \"mem\" in the configuration (without going\n"+
				"below 0.25 to 0.5GB, for acceptable performance with a minimal installation).\n", mem)
			fmt.Fprint(c.options.Stderr, advice+"\n")
			c.slog.Raw(advice)
		}
	}

	if result.ExitStatus == nil {
		return 1
	}
	return *result.ExitStatus
}

// processDied reports whether the subprocess is positively known to be
// gone. Permission errors and lookup failures count as still running, so
// the report errs towards telling the user how to clean up by hand.
func (c *Control) processDied(pid int) bool {
	alive, err := c.options.ProcessAlive(pid)
	if err != nil {
		return false
	}
	return !alive
}
