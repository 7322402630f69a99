package dome

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/roof-controller/internal/host"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/protocol"
	"github.com/thatsimonsguy/roof-controller/internal/relay"
	"github.com/thatsimonsguy/roof-controller/internal/transport"
	"github.com/thatsimonsguy/roof-controller/internal/transport/transporttest"
)

const (
	high = 1000
	low  = 0
)

type mockNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (m *mockNotifier) Send(title, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, title+": "+message)
	return nil
}

func (m *mockNotifier) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type rig struct {
	dome     *Dome
	ctrl     *transporttest.Controller
	rec      *host.Recorder
	notifier *mockNotifier
}

// newRig builds a dome on the fake controller. Sensors 0/1/2 are opened,
// closed and parked; the button press does not sleep.
func newRig(t *testing.T, wiring model.ButtonWiring, settings model.DomeSettings, opened, closed, parked int) *rig {
	t.Helper()
	ctrl := transporttest.New()
	ctrl.SetSensor(0, opened)
	ctrl.SetSensor(1, closed)
	ctrl.SetSensor(2, parked)

	link := transport.NewLink("fake://dragonfly", ctrl.Opener())
	require.NoError(t, link.Acquire())
	t.Cleanup(link.Release)

	codec := protocol.New(link)
	bank := relay.New(codec, nil)
	t.Cleanup(bank.Close)

	rec := &host.Recorder{}
	notifier := &mockNotifier{}
	d := New("Dragonfly Dome", DefaultLayout(), bank, codec, rec, settings, wiring, Deps{
		Sleep:    func(time.Duration) {},
		Tick:     2 * time.Millisecond,
		Notifier: notifier,
	})
	t.Cleanup(d.Close)

	require.NoError(t, d.Sync())
	ctrl.ResetCommands()
	rec.Reset()
	return &rig{dome: d, ctrl: ctrl, rec: rec, notifier: notifier}
}

// slowSettings keeps the first poll far away so a test can inspect the
// state right after the button press.
func slowSettings() model.DomeSettings {
	s := model.DefaultDomeSettings()
	s.ReadSensorsDelaySeconds = 6
	return s
}

func fastSettings(timeout float64) model.DomeSettings {
	s := model.DefaultDomeSettings()
	s.ReadSensorsDelaySeconds = 0.005
	s.OpenCloseTimeoutSeconds = timeout
	return s
}

func TestSyncSeedsState(t *testing.T) {
	assert.Equal(t, model.RoofClosed, newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high).dome.State())
	assert.Equal(t, model.RoofOpened, newRig(t, model.WiringThreeButtonMomentary, slowSettings(), high, low, high).dome.State())
	assert.Equal(t, model.RoofUnknown, newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, low, high).dome.State())
}

func TestRequestShutterAlreadyThereIsNoop(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)

	require.NoError(t, r.dome.RequestShutter(model.RoofClosed))
	assert.Empty(t, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofClosed, r.dome.State())

	last, ok := r.rec.Last(host.PropShutter)
	require.True(t, ok)
	assert.Equal(t, model.StateOk, last.State)
}

func TestRequestShutterRequiresPark(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, 100)

	err := r.dome.RequestShutter(model.RoofOpened)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Empty(t, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofClosed, r.dome.State())

	last, _ := r.rec.Last(host.PropShutter)
	assert.Equal(t, model.StateAlert, last.State)
	assert.Equal(t, "Mount is not parked", last.Message)
}

func TestParkThresholdIsConfigurable(t *testing.T) {
	s := slowSettings()
	s.ParkSensorThreshold = 50
	r := newRig(t, model.WiringThreeButtonMomentary, s, low, high, 100)

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Equal(t, model.RoofOpening, r.dome.State())
}

func TestOneButtonFromUnknown(t *testing.T) {
	r := newRig(t, model.WiringOneButtonToggle, slowSettings(), low, low, high)

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Equal(t, []string{
		"!relio rlset 0 0 1#",
		"!relio rlset 0 0 0#",
	}, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofOpeningOrClosing, r.dome.State())

	last, _ := r.rec.Last(host.PropShutter)
	assert.Equal(t, model.StateBusy, last.State)
}

func TestOneButtonFromClosed(t *testing.T) {
	r := newRig(t, model.WiringOneButtonToggle, slowSettings(), low, high, high)

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Equal(t, model.RoofOpening, r.dome.State())
}

func TestRejectWhileMoving(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	r.ctrl.ResetCommands()

	err := r.dome.RequestShutter(model.RoofClosed)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Empty(t, r.ctrl.Commands(), "a rejected move must not even read sensors")
	assert.Equal(t, model.RoofOpening, r.dome.State())
}

func TestThreeButtonOpenEndToEnd(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, fastSettings(60), low, high, high)
	r.ctrl.OnCommand = func(cmd string) {
		if cmd == "!relio rlset 0 1 0#" {
			r.ctrl.SetSensor(0, high)
			r.ctrl.SetSensor(1, low)
		}
	}

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Contains(t, []model.RoofState{model.RoofOpening, model.RoofOpened}, r.dome.State())

	assert.Eventually(t, func() bool { return r.dome.State() == model.RoofOpened }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return len(r.ctrl.RelayCommands()) == 4 }, time.Second, time.Millisecond)

	assert.Equal(t, []string{
		"!relio rlset 0 1 1#",
		"!relio rlset 0 1 0#",
		"!relio rlset 0 1 0#",
		"!relio rlset 0 2 0#",
	}, r.ctrl.RelayCommands())

	last, _ := r.rec.Last(host.PropShutter)
	assert.Equal(t, model.StateOk, last.State)
	assert.Equal(t, "Roof opened", last.Message)

	// the poll timer has stopped: no further sensor reads happen
	reads := len(r.ctrl.Commands())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, reads, len(r.ctrl.Commands()))
	assert.False(t, r.dome.poll.Pending())
}

func TestTwoButtonHoldReleasesAtLimit(t *testing.T) {
	r := newRig(t, model.WiringTwoButtonHold, fastSettings(60), high, low, high)
	r.ctrl.OnCommand = func(cmd string) {
		if cmd == "!relio rlset 0 2 1#" {
			r.ctrl.SetSensor(0, low)
			r.ctrl.SetSensor(1, high)
		}
	}

	require.NoError(t, r.dome.RequestShutter(model.RoofClosed))
	assert.Eventually(t, func() bool { return r.dome.State() == model.RoofClosed }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return r.ctrl.Relay(2) == 0 }, time.Second, time.Millisecond)

	// the close relay stays engaged until the poll sees the limit
	assert.Equal(t, []string{
		"!relio rlset 0 2 1#",
		"!relio rlset 0 1 0#",
		"!relio rlset 0 2 0#",
	}, r.ctrl.RelayCommands())
}

func TestTimeoutAlertsOnce(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, fastSettings(3), low, high, high)
	r.ctrl.OnCommand = func(cmd string) {
		if cmd == "!relio rlset 0 1 0#" {
			r.ctrl.SetSensor(1, low)
		}
	}

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Eventually(t, func() bool { return r.dome.State() == model.RoofUnknown }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	var alerts []host.Update
	for _, u := range r.rec.For(host.PropShutter) {
		if u.State == model.StateAlert {
			alerts = append(alerts, u)
		}
	}
	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0].Message, "did not reach a limit")
	assert.Len(t, r.notifier.Calls(), 1)

	sensorReads := 0
	for _, cmd := range r.ctrl.Commands() {
		if cmd == protocol.CmdReadSensors {
			sensorReads++
		}
	}
	// one read for the request, then timeout+1 polls
	assert.Equal(t, 1+4, sensorReads)

	cmds := r.ctrl.RelayCommands()
	require.GreaterOrEqual(t, len(cmds), 2)
	assert.Equal(t, []string{"!relio rlset 0 1 0#", "!relio rlset 0 2 0#"}, cmds[len(cmds)-2:])
}

func TestTimeoutFiresWhileSensorReadsFail(t *testing.T) {
	r := newRig(t, model.WiringTwoButtonHold, fastSettings(3), low, high, high)
	short := strings.TrimSuffix(protocol.CmdReadSensors, "#") + ":1,2#"
	r.ctrl.OnCommand = func(cmd string) {
		if cmd == "!relio rlset 0 1 1#" {
			r.ctrl.SetOverride(protocol.CmdReadSensors, short)
		}
	}

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Eventually(t, func() bool { return r.dome.State() == model.RoofUnknown }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return r.ctrl.Relay(1) == 0 }, time.Second, time.Millisecond)

	var alerts int
	for _, u := range r.rec.For(host.PropShutter) {
		if u.State == model.StateAlert {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts)
	assert.Len(t, r.notifier.Calls(), 1)
	assert.Equal(t, []string{
		"!relio rlset 0 1 1#",
		"!relio rlset 0 1 0#",
		"!relio rlset 0 2 0#",
	}, r.ctrl.RelayCommands())
}

func TestContradictorySensorsDuringMotion(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, fastSettings(60), low, high, high)
	r.ctrl.OnCommand = func(cmd string) {
		if cmd == "!relio rlset 0 1 0#" {
			r.ctrl.SetSensor(0, high)
		}
	}

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Eventually(t, func() bool { return r.dome.State() == model.RoofUnknown }, time.Second, time.Millisecond)

	last, _ := r.rec.Last(host.PropShutter)
	assert.Equal(t, model.StateAlert, last.State)
	assert.Contains(t, last.Message, "both asserted")
}

func TestAbortThreeButton(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	r.ctrl.ResetCommands()

	require.NoError(t, r.dome.RequestAbort())
	assert.Equal(t, []string{
		"!relio rlset 0 1 0#",
		"!relio rlset 0 2 0#",
		"!relio rlset 0 0 1#",
		"!relio rlset 0 0 0#",
	}, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofStoppedWhileOpening, r.dome.State())

	last, _ := r.rec.Last(host.PropAbort)
	assert.Equal(t, model.StateOk, last.State)
	assert.Equal(t, "Roof stopped", last.Message)
}

func TestAbortTwoButtonDoesNotPressStop(t *testing.T) {
	r := newRig(t, model.WiringTwoButtonHold, slowSettings(), high, low, high)
	require.NoError(t, r.dome.RequestShutter(model.RoofClosed))
	r.ctrl.ResetCommands()

	require.NoError(t, r.dome.RequestAbort())
	assert.Equal(t, []string{
		"!relio rlset 0 1 0#",
		"!relio rlset 0 2 0#",
	}, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofStoppedWhileClosing, r.dome.State())
}

func TestAbortOpeningOrClosingBecomesUnknown(t *testing.T) {
	r := newRig(t, model.WiringOneButtonToggle, slowSettings(), low, low, high)
	require.NoError(t, r.dome.RequestShutter(model.RoofClosed))
	require.Equal(t, model.RoofOpeningOrClosing, r.dome.State())

	require.NoError(t, r.dome.RequestAbort())
	assert.Equal(t, model.RoofUnknown, r.dome.State())
}

func TestAbortWhenIdleIsNoop(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	require.NoError(t, r.dome.RequestAbort())
	assert.Empty(t, r.ctrl.Commands())
	assert.Equal(t, model.RoofClosed, r.dome.State())
}

func TestAbortFailureReportsAlert(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	r.ctrl.SetOverride("!relio rlset 0 1 0#", "!relio rlset 0 1 0:-1#")

	err := r.dome.RequestAbort()
	assert.ErrorIs(t, err, protocol.ErrRefused)
	assert.Equal(t, model.RoofOpening, r.dome.State(), "a failed stop keeps the roof in motion")

	last, _ := r.rec.Last(host.PropAbort)
	assert.Equal(t, model.StateAlert, last.State)
	assert.Equal(t, "Cannot stop the roof", last.Message)
}

func TestRelayRefusalAbortsMove(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, fastSettings(60), low, high, high)
	r.ctrl.RequireAuth = true

	err := r.dome.RequestShutter(model.RoofOpened)
	assert.ErrorIs(t, err, protocol.ErrRefused)
	assert.Equal(t, model.RoofClosed, r.dome.State())
	assert.False(t, r.dome.poll.Pending())

	last, _ := r.rec.Last(host.PropShutter)
	assert.Equal(t, model.StateAlert, last.State)
	assert.True(t, strings.HasSuffix(last.Message, "did you authorize?"))
}

func TestHandOperatedRoofAdopted(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	r.ctrl.SetSensor(0, high)
	r.ctrl.SetSensor(1, low)

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Empty(t, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofOpened, r.dome.State())
	assert.Contains(t, r.rec.Messages(), "Roof was opened by hand")
}

func TestHandOperatedRoofBetweenLimits(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	r.ctrl.SetSensor(1, low)

	err := r.dome.RequestShutter(model.RoofOpened)
	assert.ErrorIs(t, err, ErrPrecondition)
	assert.Empty(t, r.ctrl.RelayCommands())
	assert.Equal(t, model.RoofUnknown, r.dome.State())
	assert.Len(t, r.notifier.Calls(), 1)

	// once the state is unknown the next request proceeds
	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.Equal(t, model.RoofOpening, r.dome.State())
}

func TestSetWiringRefusedWhileMoving(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	require.NoError(t, r.dome.SetWiring(model.WiringOneButtonToggle))
	assert.Equal(t, model.WiringOneButtonToggle, r.dome.Wiring())

	require.NoError(t, r.dome.RequestShutter(model.RoofOpened))
	assert.ErrorIs(t, r.dome.SetWiring(model.WiringTwoButtonHold), ErrPrecondition)
	assert.Equal(t, model.WiringOneButtonToggle, r.dome.Wiring())
	assert.Error(t, r.dome.SetWiring("bogus"))
}

func TestSetSettingsValidates(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	bad := model.DefaultDomeSettings()
	bad.OpenCloseTimeoutSeconds = 301
	assert.Error(t, r.dome.SetSettings(bad))
	assert.Equal(t, slowSettings(), r.dome.Settings())

	good := model.DefaultDomeSettings()
	good.ParkSensorThreshold = 700
	require.NoError(t, r.dome.SetSettings(good))
	assert.Equal(t, 700, r.dome.Settings().ParkSensorThreshold)
}

func TestRequestAfterClose(t *testing.T) {
	r := newRig(t, model.WiringThreeButtonMomentary, slowSettings(), low, high, high)
	r.dome.Close()
	assert.ErrorIs(t, r.dome.RequestShutter(model.RoofOpened), ErrClosed)
}

func TestIOErrorIsReported(t *testing.T) {
	ctrl := transporttest.New()
	link := transport.NewLink("fake://dragonfly", ctrl.Opener())
	require.NoError(t, link.Acquire())
	defer link.Release()

	codec := protocol.New(link)
	var got error
	d := New("Dragonfly Dome", DefaultLayout(), relay.New(codec, nil), codec, nil, slowSettings(), model.WiringThreeButtonMomentary, Deps{
		OnIOError: func(err error) { got = err },
	})
	defer d.Close()

	ctrl.FailWrite = true
	assert.Error(t, d.Sync())
	assert.ErrorIs(t, got, protocol.ErrIO)
}
