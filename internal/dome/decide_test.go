package dome

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

func TestDecideTable(t *testing.T) {
	tests := []struct {
		name     string
		opened   bool
		closed   bool
		ticks    int
		want     model.RoofState
		stop     bool
		done     bool
		alert    bool
		timedOut bool
	}{
		{"opened", true, false, 1, model.RoofOpened, true, true, false, false},
		{"closed", false, true, 1, model.RoofClosed, true, true, false, false},
		{"contradictory", true, true, 1, model.RoofUnknown, true, true, true, false},
		{"neither within timeout", false, false, 3, model.RoofOpening, false, false, false, false},
		{"neither at timeout", false, false, 10, model.RoofOpening, false, false, false, false},
		{"neither past timeout", false, false, 11, model.RoofUnknown, true, true, true, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := decide(model.RoofOpening, tc.opened, tc.closed, tc.ticks, 10)
			assert.Equal(t, tc.want, d.Next)
			assert.Equal(t, tc.stop, d.StopRelays)
			assert.Equal(t, tc.done, d.Done)
			assert.Equal(t, tc.alert, d.Alert)
			assert.Equal(t, tc.timedOut, d.TimedOut)
		})
	}
}

func TestDecideLimitBeatsTimeout(t *testing.T) {
	d := decide(model.RoofClosing, false, true, 500, 10)
	assert.Equal(t, model.RoofClosed, d.Next)
	assert.False(t, d.TimedOut)
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name   string
		prev   model.RoofState
		opened bool
		closed bool
		want   model.RoofState
		ok     bool
		msg    string
	}{
		{"closed and still closed", model.RoofClosed, false, true, model.RoofClosed, true, ""},
		{"closed then opened by hand", model.RoofClosed, true, false, model.RoofOpened, true, "Roof was opened by hand"},
		{"opened then closed by hand", model.RoofOpened, false, true, model.RoofClosed, true, "Roof was closed by hand"},
		{"closed then between limits", model.RoofClosed, false, false, model.RoofUnknown, false, "Roof was closed but sensors no longer agree, resolve manually"},
		{"opened then both sensors", model.RoofOpened, true, true, model.RoofUnknown, false, "Roof was opened but sensors no longer agree, resolve manually"},
		{"unknown regains opened", model.RoofUnknown, true, false, model.RoofOpened, true, "Sensors report roof opened, control regained"},
		{"stopped regains closed", model.RoofStoppedWhileOpening, false, true, model.RoofClosed, true, "Sensors report roof closed, control regained"},
		{"stopped stays stopped", model.RoofStoppedWhileClosing, false, false, model.RoofStoppedWhileClosing, true, ""},
		{"unknown with both asserted", model.RoofUnknown, true, true, model.RoofUnknown, true, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, msg, ok := reconcile(tc.prev, tc.opened, tc.closed)
			assert.Equal(t, tc.want, next)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.msg, msg)
		})
	}
}

func TestAssertedThreshold(t *testing.T) {
	assert.False(t, asserted(512))
	assert.True(t, asserted(513))
	assert.False(t, asserted(0))
}
