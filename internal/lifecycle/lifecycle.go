package lifecycle

import "sync/atomic"

// Phase is the process lifecycle state reported by /health.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseServing      Phase = "serving"
	PhaseShuttingDown Phase = "shutting-down"
)

var (
	phase        atomic.Value
	shuttingDown atomic.Bool
)

func init() {
	phase.Store(PhaseStarting)
}

// SetPhase records the current phase. Entering PhaseShuttingDown also raises the shutdown flag.
func SetPhase(p Phase) {
	phase.Store(p)
	shuttingDown.Store(p == PhaseShuttingDown)
}

// CurrentPhase returns the last phase set.
func CurrentPhase() Phase {
	return phase.Load().(Phase)
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	if v {
		SetPhase(PhaseShuttingDown)
		return
	}
	SetPhase(PhaseServing)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return shuttingDown.Load()
}
