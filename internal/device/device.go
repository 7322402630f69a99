package device

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/auth"
	"github.com/thatsimonsguy/roof-controller/internal/dome"
	"github.com/thatsimonsguy/roof-controller/internal/host"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/protocol"
	"github.com/thatsimonsguy/roof-controller/internal/relay"
	"github.com/thatsimonsguy/roof-controller/internal/sensors"
	"github.com/thatsimonsguy/roof-controller/internal/transport"
)

const requiredModel = "Dragonfly"

const relayFailedMessage = "Relay operation failed, did you authorize?"

var (
	ErrNotConnected = errors.New("device not connected")
	ErrNotExposed   = errors.New("channel not exposed by this device")
	ErrNotDome      = errors.New("device has no roof")
	ErrWrongModel   = errors.New("controller is not a Dragonfly")
	ErrInvalidValue = errors.New("invalid value")
)

// Options describe one logical device on a physical controller.
type Options struct {
	Name        string
	Personality model.Personality
	Password    string
	// Relays and Sensors are the channels offered as outlets and sensor values.
	Relays  []model.RelayID
	Sensors []model.SensorID
	Layout  dome.Layout
	Profile model.Profile

	PollInterval      time.Duration
	KeepAliveInterval time.Duration
	DomeDeps          dome.Deps
	Recorder          sensors.Recorder
}

// Session owns the relay bank, sensor poller and, for a dome, the roof state
// machine of one logical device. The link is shared with other sessions on
// the same controller.
type Session struct {
	ID    string
	opts  Options
	link  *transport.Link
	codec *protocol.Codec
	host  host.Host

	// lifecycle serializes Connect and Disconnect. Timer callbacks never take it.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	connected bool
	info      model.Info
	access    model.AccessLevel
	profile   model.Profile
	bank      *relay.Bank
	poller    *sensors.Poller
	keepAlive *auth.KeepAlive
	roof      *dome.Dome
}

func New(opts Options, link *transport.Link, h host.Host) *Session {
	if h == nil {
		h = host.Discard{}
	}
	if opts.Profile.Device == "" {
		opts.Profile = model.DefaultProfile(opts.Name)
	}
	return &Session{
		ID:      uuid.New().String(),
		opts:    opts,
		link:    link,
		codec:   protocol.New(link),
		host:    h,
		profile: opts.Profile,
	}
}

func (s *Session) Name() string                   { return s.opts.Name }
func (s *Session) Personality() model.Personality { return s.opts.Personality }
func (s *Session) Link() *transport.Link          { return s.link }

func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Connect opens (or joins) the link, identifies the controller, mirrors the
// relays, authenticates and starts polling. A dome also seeds its roof state
// and starts the access keep-alive.
func (s *Session) Connect() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.Connected() {
		return nil
	}
	logger := log.With().Str("device", s.opts.Name).Str("session", s.ID).Logger()

	s.host.Update(s.opts.Name, host.PropConnection, model.StateBusy, "Connecting", nil)
	if err := s.link.Acquire(); err != nil {
		s.host.Update(s.opts.Name, host.PropConnection, model.StateAlert, "Failed to connect to "+s.link.URL(), nil)
		return fmt.Errorf("%w: %v", protocol.ErrIO, err)
	}

	info, err := s.codec.Version()
	if err == nil && info.Model != requiredModel {
		err = fmt.Errorf("%w: found %s", ErrWrongModel, info.Model)
	}
	if err != nil {
		s.link.Release()
		s.host.Update(s.opts.Name, host.PropConnection, model.StateAlert, "Controller identification failed", nil)
		return err
	}
	logger.Info().Str("model", info.Model).Str("firmware", info.Firmware()).Msg("Controller identified")
	s.host.Update(s.opts.Name, host.PropInfo, model.StateOk, "", info)

	s.mu.RLock()
	profile := s.profile
	s.mu.RUnlock()

	bank := relay.New(s.codec, s.publishOutlets)
	for _, id := range s.opts.Relays {
		if err := bank.SetPulseLength(id, profile.PulseMillis[id]); err != nil {
			logger.Warn().Err(err).Int("relay", int(id)).Msg("Ignoring stored pulse length")
		}
	}
	if err := bank.Sync(); err != nil {
		logger.Warn().Err(err).Msg("Failed to read relay states")
		s.host.Update(s.opts.Name, host.PropOutlets, model.StateAlert, "Failed to read relay states", nil)
	}

	access, err := auth.Authenticate(s.codec, s.opts.Password)
	if err != nil {
		logger.Warn().Err(err).Msg("Authentication failed")
		s.host.Update(s.opts.Name, host.PropAuth, model.StateAlert, "Authentication failed", nil)
	} else {
		s.host.Update(s.opts.Name, host.PropAuth, model.StateOk, "", int(access))
		s.host.Message(s.opts.Name, auth.AccessMessage(access))
	}

	poller := sensors.NewPoller(s.opts.Name, s.codec, s.opts.PollInterval, s.onSensors, s.opts.Recorder)

	var keepAlive *auth.KeepAlive
	var roof *dome.Dome
	if s.opts.Personality == model.PersonalityDome {
		keepAlive = auth.NewKeepAlive(s.opts.Name, s.codec, s.opts.KeepAliveInterval, s.onIOError)
		deps := s.opts.DomeDeps
		deps.OnIOError = s.onIOError
		roof = dome.New(s.opts.Name, s.opts.Layout, bank, s.codec, s.host, profile.Settings, profile.Wiring, deps)
	}

	s.mu.Lock()
	s.connected = true
	s.info = info
	s.access = access
	s.bank = bank
	s.poller = poller
	s.keepAlive = keepAlive
	s.roof = roof
	s.mu.Unlock()

	poller.Start()
	if roof != nil {
		keepAlive.Start()
		if err := roof.Sync(); err != nil {
			logger.Warn().Err(err).Msg("Failed to read initial roof state")
		}
	}

	s.publishProfile(profile)
	s.host.Update(s.opts.Name, host.PropConnection, model.StateOk, "Connected", nil)
	logger.Info().Str("personality", string(s.opts.Personality)).Msg("Device connected")
	return nil
}

// Disconnect cancels every timer the session owns, waiting for running
// callbacks, before releasing the link.
func (s *Session) Disconnect() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return
	}
	s.connected = false
	roof, keepAlive, poller, bank := s.roof, s.keepAlive, s.poller, s.bank
	s.mu.Unlock()

	if roof != nil {
		roof.Close()
	}
	if keepAlive != nil {
		keepAlive.Stop()
	}
	poller.Stop()
	bank.Close()
	s.link.Release()

	s.host.Update(s.opts.Name, host.PropConnection, model.StateOk, "Disconnected", nil)
	log.Info().Str("device", s.opts.Name).Str("session", s.ID).Msg("Device disconnected")
}

// onIOError is called from timer callbacks, so the teardown runs elsewhere.
func (s *Session) onIOError(err error) {
	if !errors.Is(err, protocol.ErrIO) {
		return
	}
	log.Error().Err(err).Str("device", s.opts.Name).Msg("Transport failure, disconnecting")
	s.host.Update(s.opts.Name, host.PropConnection, model.StateAlert, "Transport failure", nil)
	go s.Disconnect()
}

func (s *Session) onSensors(snap model.SensorSnapshot, err error) {
	if err != nil {
		s.host.Update(s.opts.Name, host.PropSensors, model.StateAlert, "Failed to read sensors", nil)
		s.onIOError(err)
		return
	}

	s.mu.RLock()
	names := s.profile.SensorNames
	roof := s.roof
	s.mu.RUnlock()

	values := make(map[string]int, len(s.opts.Sensors))
	for _, id := range s.opts.Sensors {
		values[names[id]] = snap[id]
	}
	s.host.Update(s.opts.Name, host.PropSensors, model.StateOk, "", values)

	if roof != nil {
		s.host.Update(s.opts.Name, host.PropParked, model.StateOk, "", roof.Parked(snap))
	}
}

func (s *Session) publishOutlets(levels relay.Levels) {
	s.mu.RLock()
	names := s.profile.RelayNames
	s.mu.RUnlock()

	values := make(map[string]bool, len(s.opts.Relays))
	for _, id := range s.opts.Relays {
		values[names[id]] = levels[id]
	}
	s.host.Update(s.opts.Name, host.PropOutlets, model.StateOk, "", values)
}

func (s *Session) publishProfile(p model.Profile) {
	relayNames := make(map[int]string, len(s.opts.Relays))
	pulses := make(map[string]uint32, len(s.opts.Relays))
	for _, id := range s.opts.Relays {
		relayNames[int(id)] = p.RelayNames[id]
		pulses[p.RelayNames[id]] = p.PulseMillis[id]
	}
	sensorNames := make(map[int]string, len(s.opts.Sensors))
	for _, id := range s.opts.Sensors {
		sensorNames[int(id)] = p.SensorNames[id]
	}
	s.host.Update(s.opts.Name, host.PropOutletNames, model.StateOk, "", relayNames)
	s.host.Update(s.opts.Name, host.PropPulseLengths, model.StateOk, "", pulses)
	s.host.Update(s.opts.Name, host.PropSensorNames, model.StateOk, "", sensorNames)
}

func (s *Session) connectedBank() (*relay.Bank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.bank, nil
}

func (s *Session) exposesRelay(id model.RelayID) bool {
	for _, r := range s.opts.Relays {
		if r == id {
			return true
		}
	}
	return false
}

func (s *Session) exposesSensor(id model.SensorID) bool {
	for _, r := range s.opts.Sensors {
		if r == id {
			return true
		}
	}
	return false
}

// SetOutlet switches one exposed relay using its momentary/latching policy.
func (s *Session) SetOutlet(id model.RelayID, on bool) error {
	bank, err := s.connectedBank()
	if err != nil {
		return err
	}
	if !s.exposesRelay(id) {
		return fmt.Errorf("%w: relay %d", ErrNotExposed, id)
	}
	if err := bank.Toggle(id, on); err != nil {
		s.host.Update(s.opts.Name, host.PropOutlets, model.StateAlert, relayFailedMessage, nil)
		s.onIOError(err)
		return err
	}
	return nil
}

// SetOutlets reconciles every exposed relay with values in one pass.
func (s *Session) SetOutlets(values relay.Levels) error {
	bank, err := s.connectedBank()
	if err != nil {
		return err
	}
	if err := bank.ApplyAll(values, s.opts.Relays); err != nil {
		s.host.Update(s.opts.Name, host.PropOutlets, model.StateAlert, relayFailedMessage, nil)
		s.onIOError(err)
		return err
	}
	return nil
}

// SetPulseLengths updates the pulse length of the relays named in values.
// Relays this device does not expose are rejected.
func (s *Session) SetPulseLengths(values map[model.RelayID]uint32) error {
	for id, ms := range values {
		if !s.exposesRelay(id) {
			return fmt.Errorf("%w: relay %d", ErrNotExposed, id)
		}
		if ms > model.MaxPulseMillis {
			return fmt.Errorf("%w: pulse length %d ms exceeds %d", ErrInvalidValue, ms, model.MaxPulseMillis)
		}
	}

	s.mu.Lock()
	for id, ms := range values {
		s.profile.PulseMillis[id] = ms
	}
	bank := s.bank
	connected := s.connected
	profile := s.profile
	s.mu.Unlock()

	if connected {
		for id, ms := range values {
			if err := bank.SetPulseLength(id, ms); err != nil {
				return err
			}
		}
	}
	s.publishProfile(profile)
	return nil
}

func (s *Session) SetRelayNames(names map[model.RelayID]string) error {
	for id := range names {
		if !s.exposesRelay(id) {
			return fmt.Errorf("%w: relay %d", ErrNotExposed, id)
		}
	}
	s.mu.Lock()
	for id, name := range names {
		s.profile.RelayNames[id] = name
	}
	profile := s.profile
	bank := s.bank
	s.mu.Unlock()

	s.publishProfile(profile)
	if bank != nil {
		s.publishOutlets(bank.Levels())
	}
	return nil
}

func (s *Session) SetSensorNames(names map[model.SensorID]string) error {
	for id := range names {
		if !s.exposesSensor(id) {
			return fmt.Errorf("%w: sensor %d", ErrNotExposed, id)
		}
	}
	s.mu.Lock()
	for id, name := range names {
		s.profile.SensorNames[id] = name
	}
	profile := s.profile
	s.mu.Unlock()

	s.publishProfile(profile)
	return nil
}

// Authenticate repeats the earnaccess handshake with a new password.
func (s *Session) Authenticate(password string) (model.AccessLevel, error) {
	if !s.Connected() {
		return model.AccessUnknown, ErrNotConnected
	}
	access, err := auth.Authenticate(s.codec, password)
	if err != nil {
		s.host.Update(s.opts.Name, host.PropAuth, model.StateAlert, "Authentication failed", nil)
		s.onIOError(err)
		return access, err
	}
	s.mu.Lock()
	s.access = access
	s.opts.Password = password
	s.mu.Unlock()

	s.host.Update(s.opts.Name, host.PropAuth, model.StateOk, "", int(access))
	s.host.Message(s.opts.Name, auth.AccessMessage(access))
	return access, nil
}

// Poll reads the sensors now instead of waiting for the next tick.
func (s *Session) Poll() (model.SensorSnapshot, error) {
	s.mu.RLock()
	poller := s.poller
	connected := s.connected
	s.mu.RUnlock()
	if !connected {
		return model.SensorSnapshot{}, ErrNotConnected
	}
	snap, err := poller.PollOnce()
	s.onSensors(snap, err)
	return snap, err
}

// Dome returns the roof state machine of a connected dome session.
func (s *Session) Dome() (*dome.Dome, error) {
	if s.opts.Personality != model.PersonalityDome {
		return nil, ErrNotDome
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	return s.roof, nil
}

// SetDomeSettings applies settings to the running roof, or only to the
// profile while disconnected.
func (s *Session) SetDomeSettings(settings model.DomeSettings) error {
	if s.opts.Personality != model.PersonalityDome {
		return ErrNotDome
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	s.mu.RLock()
	roof := s.roof
	connected := s.connected
	s.mu.RUnlock()
	if connected {
		if err := roof.SetSettings(settings); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.profile.Settings = settings
	s.mu.Unlock()
	return nil
}

func (s *Session) SetWiring(w model.ButtonWiring) error {
	if s.opts.Personality != model.PersonalityDome {
		return ErrNotDome
	}
	if _, err := model.ParseButtonWiring(string(w)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	s.mu.RLock()
	roof := s.roof
	connected := s.connected
	s.mu.RUnlock()
	if connected {
		if err := roof.SetWiring(w); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.profile.Wiring = w
	s.mu.Unlock()
	return nil
}

// Profile returns the records to persist on save.
func (s *Session) Profile() model.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

type Status struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Personality model.Personality `json:"personality"`
	URL         string            `json:"url"`
	Connected   bool              `json:"connected"`
	Info        *model.Info       `json:"info,omitempty"`
	Firmware    string            `json:"firmware,omitempty"`
	Access      string            `json:"access,omitempty"`
	Roof        model.RoofState   `json:"roof,omitempty"`
	Outlets     map[int]bool      `json:"outlets,omitempty"`
	Sensors     map[int]int       `json:"sensors,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		ID:          s.ID,
		Name:        s.opts.Name,
		Personality: s.opts.Personality,
		URL:         s.link.URL(),
		Connected:   s.connected,
	}
	if !s.connected {
		return st
	}
	info := s.info
	st.Info = &info
	st.Firmware = info.Firmware()
	st.Access = s.access.String()
	if s.roof != nil {
		st.Roof = s.roof.State()
	}
	levels := s.bank.Levels()
	st.Outlets = make(map[int]bool, len(s.opts.Relays))
	for _, id := range s.opts.Relays {
		st.Outlets[int(id)] = levels[id]
	}
	snap, _ := s.poller.Last()
	st.Sensors = make(map[int]int, len(s.opts.Sensors))
	for _, id := range s.opts.Sensors {
		st.Sensors[int(id)] = snap[id]
	}
	return st
}
