package vm

import (
	"context"
	"fmt"
	"time"
)

// progress prints one phase-initial character per tick so an interactive
// user can watch the boot and shutdown advance, and announces a shutdown
// request exactly once. Purely observational: it never changes state.
func (c *Control) progress(ctx context.Context) error {
	ticker := time.NewTicker(c.options.ProgressInterval)
	defer ticker.Stop()

	announced := false
	for c.Phase() != PhaseOff {
		fmt.Fprint(c.options.Stdout, c.Phase().Initial())
		if !announced && c.shutdownRequest.Requested() {
			announced = true
			fmt.Fprint(c.options.Stdout, "\nShutdown requested\n")
			c.logger.Infof("Shutdown requested")
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
