package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/thatsimonsguy/roof-controller/internal/datadog"
	"github.com/thatsimonsguy/roof-controller/internal/dome"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/telemetry"
)

const (
	DefaultDeviceURL = "udp://dragonfly"
	DefaultBaudRate  = 115200
	DefaultAPIPort   = 8080
)

type DomeConfig struct {
	dome.Layout `yaml:",inline"`
	Name        string             `yaml:"name"`
	Settings    model.DomeSettings `yaml:"settings"`
	Wiring      model.ButtonWiring `yaml:"wiring"`
}

type AuxConfig struct {
	Name    string           `yaml:"name"`
	Relays  []model.RelayID  `yaml:"relays"`
	Sensors []model.SensorID `yaml:"sensors"`
}

type Config struct {
	ConfigFile string        `yaml:"-"`
	LogLevel   zerolog.Level `yaml:"-"`
	LogFile    string        `yaml:"log_file"`

	DeviceURL     string              `yaml:"device_url"`
	BaudRate      int                 `yaml:"baud_rate"`
	Password      string              `yaml:"password"`
	Personalities []model.Personality `yaml:"personalities"`

	PollIntervalSeconds      float64 `yaml:"poll_interval_seconds"`
	KeepAliveIntervalSeconds float64 `yaml:"keep_alive_interval_seconds"`

	Dome DomeConfig `yaml:"dome"`
	Aux  AuxConfig  `yaml:"aux"`

	DBPath      string           `yaml:"db_path"`
	APIPort     int              `yaml:"api_port"`
	Datadog     datadog.Config   `yaml:"datadog"`
	NtfyTopic   string           `yaml:"ntfy_topic"`
	Influx      telemetry.Config `yaml:"influx"`
	ServicePath string           `yaml:"service_path"`
}

func Default() Config {
	return Config{
		LogLevel:                 zerolog.InfoLevel,
		DeviceURL:                DefaultDeviceURL,
		BaudRate:                 DefaultBaudRate,
		Personalities:            []model.Personality{model.PersonalityAux, model.PersonalityDome},
		PollIntervalSeconds:      1,
		KeepAliveIntervalSeconds: 10,
		Dome: DomeConfig{
			Layout:   dome.DefaultLayout(),
			Name:     "Dragonfly Dome",
			Settings: model.DefaultDomeSettings(),
			Wiring:   model.WiringThreeButtonMomentary,
		},
		Aux:         AuxConfig{Name: "Dragonfly AUX"},
		DBPath:      "data/roof.db",
		APIPort:     DefaultAPIPort,
		ServicePath: "/etc/systemd/system/roof-controller.service",
	}
}

// Load reads the YAML file at path over the defaults. A missing file keeps
// the defaults. Invalid settings panic, the same as a malformed file.
func Load(path string) Config {
	cfg := Default()
	cfg.ConfigFile = path

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		panic("Failed to load config file: " + err.Error())
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			panic("Failed to parse config file: " + err.Error())
		}
	}

	cfg.applyDefaults()
	cfg.validate()
	return cfg
}

func (cfg *Config) HasDome() bool { return cfg.has(model.PersonalityDome) }
func (cfg *Config) HasAux() bool  { return cfg.has(model.PersonalityAux) }

func (cfg *Config) has(p model.Personality) bool {
	for _, q := range cfg.Personalities {
		if q == p {
			return true
		}
	}
	return false
}

// applyDefaults fills the aux channel lists. With a dome on the same box the
// first three channels belong to the roof.
func (cfg *Config) applyDefaults() {
	first := 0
	if cfg.HasDome() {
		first = 3
	}
	if cfg.Aux.Relays == nil {
		for i := first; i < model.NumChannels; i++ {
			cfg.Aux.Relays = append(cfg.Aux.Relays, model.RelayID(i))
		}
	}
	if cfg.Aux.Sensors == nil {
		for i := first; i < model.NumChannels; i++ {
			cfg.Aux.Sensors = append(cfg.Aux.Sensors, model.SensorID(i))
		}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
}

func (cfg *Config) validate() {
	var problems []string
	bad := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if cfg.DeviceURL == "" {
		bad("device_url is required")
	}
	if len(cfg.Personalities) == 0 {
		bad("at least one personality is required")
	}
	seen := map[model.Personality]bool{}
	for _, p := range cfg.Personalities {
		if _, err := model.ParsePersonality(string(p)); err != nil {
			bad("%v", err)
		}
		if seen[p] {
			bad("personality %s listed twice", p)
		}
		seen[p] = true
	}
	if cfg.APIPort < 0 || cfg.APIPort > 65535 {
		bad("api_port %d out of range", cfg.APIPort)
	}

	usedRelays := map[model.RelayID]string{}
	claimRelay := func(id model.RelayID, role string) {
		if !id.Valid() {
			bad("%s %d out of range 0..%d", role, id, model.NumChannels-1)
			return
		}
		if other, exists := usedRelays[id]; exists {
			bad("%s and %s both use relay %d", role, other, id)
			return
		}
		usedRelays[id] = role
	}

	if cfg.HasDome() {
		l := cfg.Dome.Layout
		claimRelay(l.OpenCloseRelay, "dome.open_close_relay")
		claimRelay(l.OpenRelay, "dome.open_relay")
		claimRelay(l.CloseRelay, "dome.close_relay")

		usedSensors := map[model.SensorID]string{}
		for _, s := range []struct {
			id   model.SensorID
			role string
		}{
			{l.OpenedSensor, "dome.opened_sensor"},
			{l.ClosedSensor, "dome.closed_sensor"},
			{l.ParkedSensor, "dome.parked_sensor"},
		} {
			if !s.id.Valid() {
				bad("%s %d out of range 0..%d", s.role, s.id, model.NumChannels-1)
				continue
			}
			if other, exists := usedSensors[s.id]; exists {
				bad("%s and %s both use sensor %d", s.role, other, s.id)
				continue
			}
			usedSensors[s.id] = s.role
		}

		if err := cfg.Dome.Settings.Validate(); err != nil {
			bad("dome.settings: %s", strings.ReplaceAll(err.Error(), "\n", ", "))
		}
		if _, err := model.ParseButtonWiring(string(cfg.Dome.Wiring)); err != nil {
			bad("dome.wiring: %v", err)
		}
	}

	if cfg.HasAux() {
		for _, id := range cfg.Aux.Relays {
			claimRelay(id, fmt.Sprintf("aux.relays[%d]", id))
		}
		for _, id := range cfg.Aux.Sensors {
			if !id.Valid() {
				bad("aux.sensors %d out of range 0..%d", id, model.NumChannels-1)
			}
		}
	}

	if len(problems) > 0 {
		panic("Invalid config: " + strings.Join(problems, "; "))
	}
}
