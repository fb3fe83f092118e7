package vm

// Phase is the stage of the VM's supervised lifecycle. Progression is
// monotonic: off -> booting -> running -> shutting_down, and only the
// supervisor observing process exit brings it back to off.
type Phase string

const (
	PhaseOff          Phase = "off"
	PhaseBooting      Phase = "booting"
	PhaseRunning      Phase = "running"
	PhaseShuttingDown Phase = "shutting_down"
)

func (p Phase) IsValid() bool {
	switch p {
	case PhaseOff, PhaseBooting, PhaseRunning, PhaseShuttingDown:
		return true
	}
	return false
}

// Initial returns the single-character heartbeat marker for the phase.
func (p Phase) Initial() string {
	if p == "" {
		return "?"
	}
	return string(p[0])
}
