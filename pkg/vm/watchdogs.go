package vm

import (
	"context"
	"fmt"
	"time"
)

// bootTimeout bounds how long the guest may stay in booting, with enough
// slack for a normal fsck. If the deadline passes while the phase is
// still booting the whole run is abandoned; the hypervisor process may
// survive that in the background. Standing down because the boot probe
// finished first is the expected outcome.
func (c *Control) bootTimeout(ctx context.Context) error {
	timer := time.NewTimer(c.options.BootTimeout)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-c.bootFinished:
		return nil
	case <-ctx.Done():
		return nil
	}

	if ctx.Err() != nil {
		return nil
	}
	if c.Phase() == PhaseBooting {
		fmt.Fprint(c.options.Stderr, "\nTimed out.\n")
		c.cancelAll()
	}
	return nil
}

// shutdownTimeout arms once the boot probe has finished and a shutdown
// has been requested, then gives the guest a fixed grace period to power
// down before the run is abandoned. No phase check before firing: if the
// process had exited, the supervisor's cancel would already have stopped
// the clock.
func (c *Control) shutdownTimeout(ctx context.Context) error {
	select {
	case <-c.bootFinished:
	case <-ctx.Done():
		return nil
	}
	select {
	case <-c.shutdownRequest.Done():
	case <-ctx.Done():
		return nil
	}

	timer := time.NewTimer(c.options.ShutdownTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil
	}

	if ctx.Err() != nil {
		return nil
	}
	fmt.Fprint(c.options.Stderr, "\nShut down timed out.\n")
	c.cancelAll()
	return nil
}
