package dome

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/datadog"
	"github.com/thatsimonsguy/roof-controller/internal/host"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/protocol"
	"github.com/thatsimonsguy/roof-controller/internal/timer"
)

var (
	// ErrTimeout is reported when a move reaches neither limit in time.
	ErrTimeout = errors.New("roof motion timed out")
	// ErrPrecondition is returned before any relay is touched.
	ErrPrecondition = errors.New("precondition failed")
	// ErrClosed is returned by requests after Close.
	ErrClosed = errors.New("dome session closed")
)

const relayFailedMessage = "Relay operation failed, did you authorize?"

// Layout assigns the roof roles to relay and sensor channels.
type Layout struct {
	OpenCloseRelay model.RelayID  `yaml:"open_close_relay"`
	OpenRelay      model.RelayID  `yaml:"open_relay"`
	CloseRelay     model.RelayID  `yaml:"close_relay"`
	OpenedSensor   model.SensorID `yaml:"opened_sensor"`
	ClosedSensor   model.SensorID `yaml:"closed_sensor"`
	ParkedSensor   model.SensorID `yaml:"parked_sensor"`
}

// DefaultLayout drives relays 0/1/2 and reads sensors 0/1/2.
func DefaultLayout() Layout {
	return Layout{
		OpenCloseRelay: 0,
		OpenRelay:      1,
		CloseRelay:     2,
		OpenedSensor:   0,
		ClosedSensor:   1,
		ParkedSensor:   2,
	}
}

// Relays returns the relays the dome drives.
func (l Layout) Relays() []model.RelayID {
	return []model.RelayID{l.OpenCloseRelay, l.OpenRelay, l.CloseRelay}
}

// Sensors returns the sensors the dome reads.
func (l Layout) Sensors() []model.SensorID {
	return []model.SensorID{l.OpenedSensor, l.ClosedSensor, l.ParkedSensor}
}

// Relays is the part of the relay bank the dome drives.
type Relays interface {
	SetLevel(id model.RelayID, on bool) error
}

// Sensors reads all analog inputs in one round trip.
type Sensors interface {
	ReadSensors() (model.SensorSnapshot, error)
}

// Notifier delivers roof alerts outside the host.
type Notifier interface {
	Send(title, message string) error
}

// Deps carries the timing and side channels a dome needs. Zero values are
// replaced with production defaults.
type Deps struct {
	Sleep     func(time.Duration)
	Tick      time.Duration
	Notifier  Notifier
	OnIOError func(error)
}

type Dome struct {
	device  string
	layout  Layout
	relays  Relays
	sensors Sensors
	host    host.Host
	deps    Deps
	poll    *timer.Timer

	// op serializes requests, aborts and poll ticks.
	op sync.Mutex

	mu       sync.RWMutex
	state    model.RoofState
	ticks    int
	settings model.DomeSettings
	wiring   model.ButtonWiring
	closed   bool
}

func New(device string, layout Layout, relays Relays, sensors Sensors, h host.Host, settings model.DomeSettings, wiring model.ButtonWiring, deps Deps) *Dome {
	if deps.Sleep == nil {
		deps.Sleep = time.Sleep
	}
	if deps.Tick <= 0 {
		deps.Tick = time.Second
	}
	if h == nil {
		h = host.Discard{}
	}
	d := &Dome{
		device:   device,
		layout:   layout,
		relays:   relays,
		sensors:  sensors,
		host:     h,
		deps:     deps,
		state:    model.RoofUnknown,
		settings: settings,
		wiring:   wiring,
	}
	d.poll = timer.New(d.tick)
	return d
}

func (d *Dome) State() model.RoofState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

func (d *Dome) Settings() model.DomeSettings {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.settings
}

func (d *Dome) Wiring() model.ButtonWiring {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.wiring
}

func (d *Dome) Layout() Layout { return d.layout }

// Parked applies the park threshold to a snapshot.
func (d *Dome) Parked(snap model.SensorSnapshot) bool {
	return snap[d.layout.ParkedSensor] > d.Settings().ParkSensorThreshold
}

func (d *Dome) setState(s model.RoofState) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()

	if prev != s {
		log.Info().Str("device", d.device).Str("from", string(prev)).Str("to", string(s)).Msg("Roof state changed")
	}
	datadog.Gauge("roof.state", s.Code(), "device:"+d.device)
}

func (d *Dome) report(state model.PropertyState, message string) {
	d.host.Update(d.device, host.PropShutter, state, message, map[string]any{"state": d.State()})
}

func (d *Dome) alert(message string) {
	d.report(model.StateAlert, message)
	if d.deps.Notifier != nil {
		if err := d.deps.Notifier.Send("Roof Alert", fmt.Sprintf("%s: %s", d.device, message)); err != nil {
			log.Warn().Err(err).Msg("Failed to send roof notification")
		}
	}
}

func (d *Dome) ioError(err error) {
	if errors.Is(err, protocol.ErrIO) && d.deps.OnIOError != nil {
		d.deps.OnIOError(err)
	}
}

// Sync seeds the roof state from the sensors. Used once after connecting.
func (d *Dome) Sync() error {
	d.op.Lock()
	defer d.op.Unlock()

	snap, err := d.sensors.ReadSensors()
	if err != nil {
		d.report(model.StateAlert, "Cannot read roof sensors")
		d.ioError(err)
		return err
	}
	state, _ := sensorState(asserted(snap[d.layout.OpenedSensor]), asserted(snap[d.layout.ClosedSensor]))
	d.setState(state)
	d.report(model.StateOk, fmt.Sprintf("Roof is %s", state))
	return nil
}

// RequestShutter starts moving the roof toward target, which must be
// RoofOpened or RoofClosed.
func (d *Dome) RequestShutter(target model.RoofState) error {
	if !target.Terminal() {
		return fmt.Errorf("invalid shutter target %q", target)
	}

	d.op.Lock()
	defer d.op.Unlock()

	if d.isClosed() {
		return ErrClosed
	}

	state := d.State()
	if state.Moving() {
		d.report(model.StateBusy, fmt.Sprintf("Roof is %s, abort first", state))
		return fmt.Errorf("%w: roof is %s", ErrPrecondition, state)
	}

	snap, err := d.sensors.ReadSensors()
	if err != nil {
		d.report(model.StateAlert, "Cannot read roof sensors")
		d.ioError(err)
		return err
	}

	next, msg, ok := reconcile(state, asserted(snap[d.layout.OpenedSensor]), asserted(snap[d.layout.ClosedSensor]))
	if next != state {
		d.setState(next)
	}
	if !ok {
		d.alert(msg)
		return fmt.Errorf("%w: %s", ErrPrecondition, msg)
	}
	if msg != "" {
		d.host.Message(d.device, msg)
	}
	state = next

	if !d.Parked(snap) {
		d.report(model.StateAlert, "Mount is not parked")
		return fmt.Errorf("%w: mount is not parked", ErrPrecondition)
	}

	if state == target {
		d.report(model.StateOk, fmt.Sprintf("Roof is already %s", state))
		return nil
	}

	moving, err := d.drive(target, state)
	if err != nil {
		d.alert(relayFailedMessage)
		d.ioError(err)
		return err
	}

	d.setState(moving)
	d.mu.Lock()
	d.ticks = 0
	delay := secondsToDuration(d.settings.ReadSensorsDelaySeconds)
	d.mu.Unlock()
	d.poll.Schedule(delay)

	d.report(model.StateBusy, fmt.Sprintf("Roof is %s", moving))
	return nil
}

// drive presses the buttons for the configured wiring and returns the state
// the roof is now in.
func (d *Dome) drive(target, current model.RoofState) (model.RoofState, error) {
	moving := model.RoofOpening
	relay := d.layout.OpenRelay
	if target == model.RoofClosed {
		moving = model.RoofClosing
		relay = d.layout.CloseRelay
	}

	switch d.Wiring() {
	case model.WiringOneButtonToggle:
		if err := d.press(d.layout.OpenCloseRelay); err != nil {
			return current, err
		}
		if current == model.RoofUnknown {
			return model.RoofOpeningOrClosing, nil
		}
		return moving, nil
	case model.WiringTwoButtonHold:
		if err := d.relays.SetLevel(relay, true); err != nil {
			return current, err
		}
		return moving, nil
	default:
		if err := d.press(relay); err != nil {
			return current, err
		}
		return moving, nil
	}
}

// press holds a relay on for the configured button pulse and releases it.
func (d *Dome) press(id model.RelayID) error {
	if err := d.relays.SetLevel(id, true); err != nil {
		return err
	}
	d.deps.Sleep(secondsToDuration(d.Settings().ButtonPulseSeconds))
	return d.relays.SetLevel(id, false)
}

func (d *Dome) stopRelays() error {
	errOpen := d.relays.SetLevel(d.layout.OpenRelay, false)
	errClose := d.relays.SetLevel(d.layout.CloseRelay, false)
	return errors.Join(errOpen, errClose)
}

// RequestAbort stops a roof in motion. It does nothing when the roof is idle.
func (d *Dome) RequestAbort() error {
	d.op.Lock()
	defer d.op.Unlock()

	state := d.State()
	if !state.Moving() {
		d.host.Update(d.device, host.PropAbort, model.StateOk, "Roof is not moving", nil)
		return nil
	}

	err := d.stopRelays()
	if err == nil && d.Wiring() != model.WiringTwoButtonHold {
		err = d.press(d.layout.OpenCloseRelay)
	}
	if err != nil {
		d.host.Update(d.device, host.PropAbort, model.StateAlert, "Cannot stop the roof", nil)
		d.alert("Cannot stop the roof")
		d.ioError(err)
		return err
	}

	next := model.RoofUnknown
	switch state {
	case model.RoofOpening:
		next = model.RoofStoppedWhileOpening
	case model.RoofClosing:
		next = model.RoofStoppedWhileClosing
	}
	d.setState(next)
	d.mu.Lock()
	d.ticks = 0
	d.mu.Unlock()

	d.host.Update(d.device, host.PropAbort, model.StateOk, "Roof stopped", nil)
	d.report(model.StateOk, "Roof stopped")
	return nil
}

// tick runs one poll of the position sensors while the roof is moving and
// reschedules itself until a limit, a contradiction or the timeout.
func (d *Dome) tick() {
	d.op.Lock()
	defer d.op.Unlock()

	state := d.State()
	if d.isClosed() || !state.Moving() {
		return
	}

	// Failed reads count toward the timeout so a held relay is always released.
	d.mu.Lock()
	d.ticks++
	ticks := d.ticks
	timeout := d.settings.OpenCloseTimeoutSeconds
	d.mu.Unlock()

	var dec Decision
	snap, err := d.sensors.ReadSensors()
	if err != nil {
		log.Warn().Err(err).Str("device", d.device).Int("ticks", ticks).Msg("Sensor read failed during roof motion")
		d.ioError(err)
		dec = decide(state, false, false, ticks, timeout)
		if !dec.Done {
			d.report(model.StateBusy, "Sensor read failed, retrying")
		}
	} else {
		dec = decide(state, asserted(snap[d.layout.OpenedSensor]), asserted(snap[d.layout.ClosedSensor]), ticks, timeout)
	}
	if !dec.Done {
		d.poll.Schedule(d.deps.Tick)
		return
	}

	if dec.StopRelays {
		if err := d.stopRelays(); err != nil {
			log.Error().Err(err).Str("device", d.device).Msg("Failed to release roof relays")
		}
	}
	d.setState(dec.Next)
	d.mu.Lock()
	d.ticks = 0
	d.mu.Unlock()

	if dec.TimedOut {
		datadog.Count("roof.timeout", 1, "device:"+d.device)
		log.Error().Err(ErrTimeout).Str("device", d.device).Int("ticks", ticks).Msg("Roof motion timed out")
	}
	if dec.Alert {
		d.alert(dec.Message)
		return
	}
	d.report(model.StateOk, dec.Message)
}

// SetSettings validates and applies new dome settings.
func (d *Dome) SetSettings(s model.DomeSettings) error {
	if err := s.Validate(); err != nil {
		d.host.Update(d.device, host.PropSettings, model.StateAlert, err.Error(), d.Settings())
		return err
	}
	d.mu.Lock()
	d.settings = s
	d.mu.Unlock()
	d.host.Update(d.device, host.PropSettings, model.StateOk, "", s)
	return nil
}

// SetWiring changes the button wiring. It is refused while the roof moves
// because the release path depends on it.
func (d *Dome) SetWiring(w model.ButtonWiring) error {
	if _, err := model.ParseButtonWiring(string(w)); err != nil {
		return err
	}
	d.op.Lock()
	defer d.op.Unlock()

	if d.State().Moving() {
		d.host.Update(d.device, host.PropWiring, model.StateAlert, "Cannot change wiring while the roof is moving", d.Wiring())
		return fmt.Errorf("%w: roof is moving", ErrPrecondition)
	}
	d.mu.Lock()
	d.wiring = w
	d.mu.Unlock()
	d.host.Update(d.device, host.PropWiring, model.StateOk, "", w)
	return nil
}

// Close stops the poll timer and waits for a running tick. Requests after
// Close fail with ErrClosed.
func (d *Dome) Close() {
	d.op.Lock()
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.op.Unlock()
	d.poll.Cancel()
}

func (d *Dome) isClosed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
