package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/datadog"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/timer"
)

// PulseMargin is added to every pulse before the mirror flips the relay back
// off, covering the controller's own rounding.
const PulseMargin = 20 * time.Millisecond

// ErrClosed is returned by Pulse once the bank has been closed.
var ErrClosed = errors.New("relay bank closed")

// Wire is the part of the codec the bank drives.
type Wire interface {
	SetRelay(id model.RelayID, on bool) error
	PulseRelay(id model.RelayID, millis uint32) error
	ReadRelays() ([model.NumChannels]bool, error)
}

// Levels is the observable on/off state of every relay.
type Levels [model.NumChannels]bool

// Bank mirrors the relay outputs of one controller. Wire calls happen
// outside mu; only the mirror and the auto-off timers are guarded by it.
type Bank struct {
	wire     Wire
	onChange func(Levels)

	mu          sync.Mutex
	level       Levels
	active      [model.NumChannels]bool
	pending     [model.NumChannels]*timer.Timer
	gen         [model.NumChannels]uint64
	pulseMillis [model.NumChannels]uint32
	closed      bool
}

// New creates a bank. onChange, when set, receives the levels after every
// change and is called without the bank lock held.
func New(wire Wire, onChange func(Levels)) *Bank {
	return &Bank{wire: wire, onChange: onChange}
}

func checkID(id model.RelayID) error {
	if !id.Valid() {
		return fmt.Errorf("relay %d out of range", id)
	}
	return nil
}

func (b *Bank) SetLevel(id model.RelayID, on bool) error {
	if err := checkID(id); err != nil {
		return err
	}
	err := b.wire.SetRelay(id, on)
	countCommand("set", err)
	if err != nil {
		log.Error().Err(err).Int("relay", int(id)).Bool("on", on).Msg("Failed to set relay")
		return err
	}

	// Switching off ends a running pulse, so its auto-off timer goes too.
	b.mu.Lock()
	b.level[id] = on
	var old *timer.Timer
	if !on {
		b.gen[id]++
		old = b.pending[id]
		b.pending[id] = nil
		b.active[id] = false
	}
	levels := b.level
	b.mu.Unlock()

	if old != nil {
		old.Cancel()
	}
	b.publish(levels)
	return nil
}

// Pulse turns the relay on for millis and arms an auto-off timer that clears
// the mirror once the controller has released it.
func (b *Bank) Pulse(id model.RelayID, millis uint32) error {
	if err := checkID(id); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	err := b.wire.PulseRelay(id, millis)
	countCommand("pulse", err)
	if err != nil {
		log.Error().Err(err).Int("relay", int(id)).Uint32("ms", millis).Msg("Failed to pulse relay")
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.gen[id]++
	gen := b.gen[id]
	old := b.pending[id]
	t := timer.New(func() { b.expire(id, gen) })
	b.pending[id] = t
	b.active[id] = true
	b.level[id] = true
	t.Schedule(time.Duration(millis)*time.Millisecond + PulseMargin)
	levels := b.level
	b.mu.Unlock()

	// The superseded timer's callback sees a stale generation and does nothing.
	if old != nil {
		old.Cancel()
	}
	b.publish(levels)
	return nil
}

func (b *Bank) expire(id model.RelayID, gen uint64) {
	b.mu.Lock()
	if b.gen[id] != gen {
		b.mu.Unlock()
		return
	}
	b.active[id] = false
	b.pending[id] = nil
	b.level[id] = false
	levels := b.level
	b.mu.Unlock()

	log.Debug().Int("relay", int(id)).Msg("Relay pulse released")
	b.publish(levels)
}

// ReadAll reads every relay in one round trip without touching the mirror.
func (b *Bank) ReadAll() (Levels, error) {
	levels, err := b.wire.ReadRelays()
	return Levels(levels), err
}

// Sync seeds the mirror from the controller and drops any pending pulses.
func (b *Bank) Sync() error {
	levels, err := b.ReadAll()
	if err != nil {
		return err
	}
	timers := b.clearPending()
	for _, t := range timers {
		t.Cancel()
	}

	b.mu.Lock()
	b.level = levels
	b.mu.Unlock()

	b.publish(levels)
	return nil
}

// Toggle applies the momentary/latching policy for a single user request:
// turning on a relay with a pulse length pulses it, anything else sets the
// level. A relay whose pulse is still running is left alone.
func (b *Bank) Toggle(id model.RelayID, on bool) error {
	if err := checkID(id); err != nil {
		return err
	}
	b.mu.Lock()
	pulse := b.pulseMillis[id]
	active := b.active[id]
	b.mu.Unlock()

	if on && pulse > 0 {
		if active {
			return nil
		}
		return b.Pulse(id, pulse)
	}
	return b.SetLevel(id, on)
}

// ApplyAll reconciles the exposed relays with desired. The controller is read
// first so only relays that differ are commanded.
func (b *Bank) ApplyAll(desired Levels, exposed []model.RelayID) error {
	current, err := b.ReadAll()
	if err != nil {
		return err
	}
	for _, id := range exposed {
		if !id.Valid() || current[id] == desired[id] {
			continue
		}
		b.mu.Lock()
		pulse := b.pulseMillis[id]
		active := b.active[id]
		b.mu.Unlock()

		switch {
		case pulse > 0 && desired[id] && !active:
			err = b.Pulse(id, pulse)
		case pulse == 0 || (!desired[id] && !active):
			err = b.SetLevel(id, desired[id])
		default:
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (b *Bank) SetPulseLength(id model.RelayID, millis uint32) error {
	if err := checkID(id); err != nil {
		return err
	}
	if millis > model.MaxPulseMillis {
		return fmt.Errorf("pulse length %d ms exceeds %d", millis, model.MaxPulseMillis)
	}
	b.mu.Lock()
	b.pulseMillis[id] = millis
	b.mu.Unlock()
	return nil
}

func (b *Bank) PulseLengths() [model.NumChannels]uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pulseMillis
}

func (b *Bank) Levels() Levels {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.level
}

// Active reports whether a pulse is running on the relay and whether an
// auto-off timer is held for it. The two always agree.
func (b *Bank) Active(id model.RelayID) (active bool, timerHeld bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active[id], b.pending[id] != nil
}

// Close cancels every auto-off timer and waits for running callbacks. Pulses
// after Close fail with ErrClosed.
func (b *Bank) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	for _, t := range b.clearPending() {
		t.Cancel()
	}
}

func (b *Bank) clearPending() []*timer.Timer {
	b.mu.Lock()
	defer b.mu.Unlock()

	var timers []*timer.Timer
	for i := range b.pending {
		if b.pending[i] != nil {
			timers = append(timers, b.pending[i])
		}
		b.gen[i]++
		b.pending[i] = nil
		b.active[i] = false
	}
	return timers
}

func (b *Bank) publish(levels Levels) {
	if b.onChange != nil {
		b.onChange(levels)
	}
}

func countCommand(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	datadog.Count("relay.command", 1, "op:"+op, "result:"+result)
}
