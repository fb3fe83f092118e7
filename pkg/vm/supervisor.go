package vm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"

	"github.com/GeminiDRSoftware/IRAF-VM/pkg/errors"
	"github.com/GeminiDRSoftware/IRAF-VM/pkg/process"
)

// qemuMemoryErrorText is the message QEMU prints when it cannot allocate
// guest RAM; its generic exit status 1 does not distinguish that from
// other failures. The text appears not to depend on the locale.
const qemuMemoryErrorText = "cannot set up guest memory"

// runVM launches the hypervisor and waits for it to exit, recording pid
// and exit status along the way. Whichever way it returns, it cancels the
// run and forces the phase to off, so no supervising task outlives the
// process. A cancelled run abandons the child rather than killing it: the
// guest may still be writing its disk image.
func (c *Control) runVM(ctx context.Context) error {
	defer func() {
		c.cancelAll()
		c.setPhase(PhaseOff)
	}()

	logFile, err := os.OpenFile(c.options.LogPath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return errors.NewIOError("failed to open session log for subprocess output", err).
			WithContext("path", c.options.LogPath)
	}
	defer logFile.Close()

	proc, stdin, err := c.options.ExecuteCmd(ctx, logFile)
	if err != nil {
		return err
	}
	defer stdin.Close()

	c.setPID(proc.Pid)
	c.logger.Infof("Subprocess Id %d", proc.Pid)

	type waitOutcome struct {
		state *os.ProcessState
		err   error
	}
	waitDone := make(chan waitOutcome, 1)
	go func() {
		state, waitErr := proc.Wait()
		waitDone <- waitOutcome{state: state, err: waitErr}
	}()

	select {
	case outcome := <-waitDone:
		if outcome.err != nil {
			return errors.NewProcessError("failed to await subprocess", outcome.err).
				WithContext("pid", proc.Pid)
		}
		status := process.ExitStatus(outcome.state)
		c.setExitStatus(status)
		if status == 1 {
			memErr, scanErr := scanForMemoryError(logFile)
			if scanErr != nil {
				c.logger.Warnf("Could not scan log for memory errors: %v", scanErr)
			} else if memErr {
				c.setMemErr(true)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func scanForMemoryError(logFile *os.File) (bool, error) {
	if _, err := logFile.Seek(0, io.SeekStart); err != nil {
		return false, err
	}
	defer logFile.Seek(0, io.SeekEnd)

	scanner := bufio.NewScanner(logFile)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if bytes.Contains(scanner.Bytes(), []byte(qemuMemoryErrorText)) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
