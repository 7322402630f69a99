package model

import (
	"errors"
	"fmt"
	"strings"
)

// NumChannels is the number of relay outputs and analog inputs on a Dragonfly.
const NumChannels = 8

// SensorAssertThreshold is the raw analog value above which the opened and
// closed position sensors count as asserted.
const SensorAssertThreshold = 512

// MaxPulseMillis bounds the configurable pulse length of a relay.
const MaxPulseMillis = 100000

type RelayID int

type SensorID int

func (id RelayID) Valid() bool  { return id >= 0 && id < NumChannels }
func (id SensorID) Valid() bool { return id >= 0 && id < NumChannels }

type RoofState string

const (
	RoofOpened              RoofState = "opened"
	RoofClosed              RoofState = "closed"
	RoofOpening             RoofState = "opening"
	RoofStoppedWhileOpening RoofState = "stopped_while_opening"
	RoofClosing             RoofState = "closing"
	RoofStoppedWhileClosing RoofState = "stopped_while_closing"
	RoofOpeningOrClosing    RoofState = "opening_or_closing"
	RoofUnknown             RoofState = "unknown"
)

func (s RoofState) String() string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// Moving reports whether the poll timer is driving sensor checks in this state.
func (s RoofState) Moving() bool {
	return s == RoofOpening || s == RoofClosing || s == RoofOpeningOrClosing
}

// Terminal reports whether the roof is known to be fully open or fully closed.
func (s RoofState) Terminal() bool {
	return s == RoofOpened || s == RoofClosed
}

// Code is the numeric form used for metrics.
func (s RoofState) Code() float64 {
	switch s {
	case RoofOpened:
		return 0
	case RoofClosed:
		return 1
	case RoofOpening:
		return 2
	case RoofStoppedWhileOpening:
		return 3
	case RoofClosing:
		return 4
	case RoofStoppedWhileClosing:
		return 5
	case RoofOpeningOrClosing:
		return 6
	default:
		return -1
	}
}

type ButtonWiring string

const (
	WiringOneButtonToggle      ButtonWiring = "one_button_toggle"
	WiringTwoButtonHold        ButtonWiring = "two_button_hold"
	WiringThreeButtonMomentary ButtonWiring = "three_button_momentary"
)

func ParseButtonWiring(s string) (ButtonWiring, error) {
	switch w := ButtonWiring(strings.ToLower(strings.TrimSpace(s))); w {
	case WiringOneButtonToggle, WiringTwoButtonHold, WiringThreeButtonMomentary:
		return w, nil
	}
	return "", fmt.Errorf("unknown button wiring %q", s)
}

type DomeSettings struct {
	ButtonPulseSeconds      float64 `json:"button_pulse_seconds" yaml:"button_pulse_seconds"`
	ReadSensorsDelaySeconds float64 `json:"read_sensors_delay_seconds" yaml:"read_sensors_delay_seconds"`
	OpenCloseTimeoutSeconds float64 `json:"open_close_timeout_seconds" yaml:"open_close_timeout_seconds"`
	ParkSensorThreshold     int     `json:"park_sensor_threshold" yaml:"park_sensor_threshold"`
}

func DefaultDomeSettings() DomeSettings {
	return DomeSettings{
		ButtonPulseSeconds:      1,
		ReadSensorsDelaySeconds: 2,
		OpenCloseTimeoutSeconds: 60,
		ParkSensorThreshold:     512,
	}
}

// Validate checks every field against the range the controller accepts.
func (s DomeSettings) Validate() error {
	var errs []error
	if s.ButtonPulseSeconds < 0 || s.ButtonPulseSeconds > 3 {
		errs = append(errs, fmt.Errorf("button_pulse_seconds %.1f out of range 0..3", s.ButtonPulseSeconds))
	}
	if s.ReadSensorsDelaySeconds < 0 || s.ReadSensorsDelaySeconds > 6 {
		errs = append(errs, fmt.Errorf("read_sensors_delay_seconds %.1f out of range 0..6", s.ReadSensorsDelaySeconds))
	}
	if s.OpenCloseTimeoutSeconds < 0 || s.OpenCloseTimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("open_close_timeout_seconds %.1f out of range 0..300", s.OpenCloseTimeoutSeconds))
	}
	if s.ParkSensorThreshold < 0 || s.ParkSensorThreshold > 1024 {
		errs = append(errs, fmt.Errorf("park_sensor_threshold %d out of range 0..1024", s.ParkSensorThreshold))
	}
	return errors.Join(errs...)
}

type AccessLevel int

const (
	AccessUnknown   AccessLevel = 0
	AccessReadOnly  AccessLevel = 1
	AccessReadWrite AccessLevel = 2
	AccessFull      AccessLevel = 3
)

func (a AccessLevel) String() string {
	switch a {
	case AccessReadOnly:
		return "Read only"
	case AccessReadWrite:
		return "Read / Write"
	case AccessFull:
		return "Full access"
	default:
		return "Unknown"
	}
}

// PropertyState is the tri-state status attached to every host notification.
type PropertyState string

const (
	StateOk    PropertyState = "ok"
	StateBusy  PropertyState = "busy"
	StateAlert PropertyState = "alert"
)

type Personality string

const (
	PersonalityAux  Personality = "aux"
	PersonalityDome Personality = "dome"
)

func ParsePersonality(s string) (Personality, error) {
	switch p := Personality(strings.ToLower(strings.TrimSpace(s))); p {
	case PersonalityAux, PersonalityDome:
		return p, nil
	}
	return "", fmt.Errorf("unknown personality %q", s)
}

type SensorSnapshot [NumChannels]int

// Info is the decoded answer to a version request.
type Info struct {
	Operative int    `json:"operative"`
	Model     string `json:"model"`
	FwMajor   int    `json:"fw_major"`
	FwMinor   int    `json:"fw_minor"`
}

func (i Info) Firmware() string {
	return fmt.Sprintf("%d.%d", i.FwMajor, i.FwMinor)
}

// Profile holds the persisted per-device records: names, pulse lengths,
// and for a dome its settings and wiring.
type Profile struct {
	Device      string              `json:"device"`
	RelayNames  [NumChannels]string `json:"relay_names"`
	SensorNames [NumChannels]string `json:"sensor_names"`
	PulseMillis [NumChannels]uint32 `json:"pulse_millis"`
	Settings    DomeSettings        `json:"settings"`
	Wiring      ButtonWiring        `json:"wiring"`
}

// DefaultProfile returns a profile with generic names and level-mode relays.
func DefaultProfile(device string) Profile {
	p := Profile{
		Device:   device,
		Settings: DefaultDomeSettings(),
		Wiring:   WiringThreeButtonMomentary,
	}
	for i := 0; i < NumChannels; i++ {
		p.RelayNames[i] = fmt.Sprintf("Output #%d", i+1)
		p.SensorNames[i] = fmt.Sprintf("Sensor #%d", i+1)
	}
	return p
}
