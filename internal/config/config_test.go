package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Equal(t, DefaultDeviceURL, cfg.DeviceURL)
	assert.Equal(t, DefaultBaudRate, cfg.BaudRate)
	assert.True(t, cfg.HasDome())
	assert.True(t, cfg.HasAux())
	assert.Equal(t, []model.RelayID{3, 4, 5, 6, 7}, cfg.Aux.Relays)
	assert.Equal(t, []model.SensorID{3, 4, 5, 6, 7}, cfg.Aux.Sensors)
	assert.Equal(t, model.DefaultDomeSettings(), cfg.Dome.Settings)
}

func TestLoad_AuxOnlyExposesAllChannels(t *testing.T) {
	cfg := Load(writeConfig(t, `
device_url: serial:///dev/ttyUSB0
personalities: [aux]
`))
	assert.False(t, cfg.HasDome())
	assert.Len(t, cfg.Aux.Relays, model.NumChannels)
	assert.Equal(t, "serial:///dev/ttyUSB0", cfg.DeviceURL)
}

func TestLoad_DomeSection(t *testing.T) {
	cfg := Load(writeConfig(t, `
password: hunter2
dome:
  open_close_relay: 5
  open_relay: 6
  close_relay: 7
  opened_sensor: 3
  closed_sensor: 4
  parked_sensor: 5
  wiring: two_button_hold
  settings:
    button_pulse_seconds: 0.5
    read_sensors_delay_seconds: 2
    open_close_timeout_seconds: 120
    park_sensor_threshold: 300
aux:
  relays: [0, 1, 2]
  sensors: [0, 1]
influx:
  url: http://localhost:8086
  bucket: roof
`))
	assert.Equal(t, "hunter2", cfg.Password)
	assert.Equal(t, model.RelayID(6), cfg.Dome.OpenRelay)
	assert.Equal(t, model.SensorID(5), cfg.Dome.ParkedSensor)
	assert.Equal(t, model.WiringTwoButtonHold, cfg.Dome.Wiring)
	assert.Equal(t, 120.0, cfg.Dome.Settings.OpenCloseTimeoutSeconds)
	assert.Equal(t, 300, cfg.Dome.Settings.ParkSensorThreshold)
	assert.Equal(t, []model.RelayID{0, 1, 2}, cfg.Aux.Relays)
	assert.True(t, cfg.Influx.Enabled())
}

func TestValidate_Panics(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed yaml", "dome: [\n"},
		{"dome relay collision", "dome:\n  open_relay: 0\n"},
		{"dome and aux share a relay", "aux:\n  relays: [2, 3]\n"},
		{"relay out of range", "personalities: [aux]\naux:\n  relays: [8]\n"},
		{"sensor collision", "dome:\n  parked_sensor: 0\n"},
		{"settings out of range", "dome:\n  settings:\n    open_close_timeout_seconds: 301\n"},
		{"unknown wiring", "dome:\n  wiring: four_buttons\n"},
		{"unknown personality", "personalities: [telescope]\n"},
		{"duplicate personality", "personalities: [aux, aux]\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			assert.Panics(t, func() { Load(path) })
		})
	}
}

func TestValidate_JoinsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.applyDefaults()
	cfg.Dome.OpenRelay = 0
	cfg.Dome.Wiring = "bogus"

	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic due to invalid config, but got none")
		msg := r.(string)
		assert.Contains(t, msg, "dome.open_relay and dome.open_close_relay both use relay 0")
		assert.Contains(t, msg, "dome.wiring")
	}()

	cfg.validate()
}
