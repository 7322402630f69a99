package dome

import (
	"fmt"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

// Decision is what one poll tick does with a pair of sensor readings.
type Decision struct {
	Next       model.RoofState
	StopRelays bool
	Done       bool
	Alert      bool
	TimedOut   bool
	Message    string
}

// decide evaluates the position sensors for a roof in motion. ticks counts
// polls since the move started, including this one.
func decide(current model.RoofState, opened, closed bool, ticks int, timeoutSeconds float64) Decision {
	switch {
	case opened && !closed:
		return Decision{Next: model.RoofOpened, StopRelays: true, Done: true, Message: "Roof opened"}
	case closed && !opened:
		return Decision{Next: model.RoofClosed, StopRelays: true, Done: true, Message: "Roof closed"}
	case opened && closed:
		return Decision{
			Next:       model.RoofUnknown,
			StopRelays: true,
			Done:       true,
			Alert:      true,
			Message:    "Opened and closed sensors are both asserted",
		}
	}
	if float64(ticks) > timeoutSeconds {
		return Decision{
			Next:       model.RoofUnknown,
			StopRelays: true,
			Done:       true,
			Alert:      true,
			TimedOut:   true,
			Message:    fmt.Sprintf("Roof did not reach a limit within %.0f seconds", timeoutSeconds),
		}
	}
	return Decision{Next: current}
}

// sensorState maps the two position sensors to a terminal state, if any.
func sensorState(opened, closed bool) (model.RoofState, bool) {
	switch {
	case opened && !closed:
		return model.RoofOpened, true
	case closed && !opened:
		return model.RoofClosed, true
	}
	return model.RoofUnknown, false
}

// reconcile checks the sensors against the last known state before a move.
// A roof that was at a limit and now reads at neither (or both) has been
// moved by hand and must be resolved by the operator. A roof that was not at
// a limit is taken back over as soon as the sensors show one. This only runs
// when a move is requested, never during motion.
func reconcile(prev model.RoofState, opened, closed bool) (next model.RoofState, message string, ok bool) {
	seen, terminal := sensorState(opened, closed)
	if prev.Terminal() {
		if !terminal {
			return model.RoofUnknown, fmt.Sprintf("Roof was %s but sensors no longer agree, resolve manually", prev), false
		}
		if seen != prev {
			return seen, fmt.Sprintf("Roof was %s by hand", seen), true
		}
		return prev, "", true
	}
	if terminal {
		return seen, fmt.Sprintf("Sensors report roof %s, control regained", seen), true
	}
	return prev, "", true
}

func asserted(v int) bool {
	return v > model.SensorAssertThreshold
}
