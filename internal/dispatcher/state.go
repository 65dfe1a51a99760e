package dispatcher

import "github.com/JakeFAU/crawl-frontier/internal/metrics"

// State is the engine lifecycle phase.
type State int32

// Engine states. ForcedStop is absorbing.
const (
	Starting State = iota
	Running
	Draining
	Stopped
	ForcedStop
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	case ForcedStop:
		return "forced_stop"
	default:
		return "unknown"
	}
}

// State returns the current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

func (e *Engine) setState(next State) {
	for {
		cur := e.state.Load()
		if State(cur) == ForcedStop && next != ForcedStop {
			return
		}
		if e.state.CompareAndSwap(cur, int32(next)) {
			metrics.SetEngineState(int(next))
			return
		}
	}
}
