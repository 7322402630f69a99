package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

// StartTransaction starts a new database transaction.
func StartTransaction(db *sql.DB) (*sql.Tx, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	return tx, nil
}

// CommitTransaction commits the given transaction.
func CommitTransaction(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RollbackTransaction rolls back the given transaction.
func RollbackTransaction(tx *sql.Tx) {
	tx.Rollback()
}

// SaveProfileWithTx writes the names and pulse lengths of every channel of
// one device.
func SaveProfileWithTx(tx *sql.Tx, p model.Profile) error {
	for i := 0; i < model.NumChannels; i++ {
		_, err := tx.Exec(`INSERT OR REPLACE INTO relays (device, idx, name, pulse_ms) VALUES (?, ?, ?, ?)`,
			p.Device, i, p.RelayNames[i], p.PulseMillis[i])
		if err != nil {
			return fmt.Errorf("save relay %d of %s: %w", i, p.Device, err)
		}
		_, err = tx.Exec(`INSERT OR REPLACE INTO sensors (device, idx, name) VALUES (?, ?, ?)`,
			p.Device, i, p.SensorNames[i])
		if err != nil {
			return fmt.Errorf("save sensor %d of %s: %w", i, p.Device, err)
		}
	}
	return nil
}

func SaveDomeSettingsWithTx(tx *sql.Tx, s model.DomeSettings, w model.ButtonWiring) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO dome_settings (id, button_pulse_seconds, read_sensors_delay_seconds, open_close_timeout_seconds, park_sensor_threshold, wiring) VALUES (1, ?, ?, ?, ?, ?)`,
		s.ButtonPulseSeconds, s.ReadSensorsDelaySeconds, s.OpenCloseTimeoutSeconds, s.ParkSensorThreshold, string(w))
	if err != nil {
		return fmt.Errorf("save dome settings: %w", err)
	}
	return nil
}

// SaveProfiles persists every profile in one transaction. The dome settings
// are taken from the profile of the dome device, if any.
func SaveProfiles(db *sql.DB, profiles []model.Profile, domeDevice string) error {
	tx, err := StartTransaction(db)
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if err := SaveProfileWithTx(tx, p); err != nil {
			RollbackTransaction(tx)
			return err
		}
		if p.Device == domeDevice {
			if err := SaveDomeSettingsWithTx(tx, p.Settings, p.Wiring); err != nil {
				RollbackTransaction(tx)
				return err
			}
		}
	}
	return CommitTransaction(tx)
}

// LoadProfile overlays stored records on the defaults of device. Missing
// rows keep their defaults.
func LoadProfile(db *sql.DB, device string) (model.Profile, error) {
	p := model.DefaultProfile(device)

	rows, err := db.Query(`SELECT idx, name, pulse_ms FROM relays WHERE device = ?`, device)
	if err != nil {
		return p, fmt.Errorf("failed to query relays: %w", err)
	}
	for rows.Next() {
		var idx int
		var name string
		var pulse uint32
		if err := rows.Scan(&idx, &name, &pulse); err != nil {
			rows.Close()
			return p, fmt.Errorf("failed to scan relay: %w", err)
		}
		if !model.RelayID(idx).Valid() {
			log.Warn().Str("device", device).Int("idx", idx).Msg("Skipping relay record out of range")
			continue
		}
		p.RelayNames[idx] = name
		p.PulseMillis[idx] = pulse
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return p, fmt.Errorf("failed to read relays: %w", err)
	}

	rows, err = db.Query(`SELECT idx, name FROM sensors WHERE device = ?`, device)
	if err != nil {
		return p, fmt.Errorf("failed to query sensors: %w", err)
	}
	for rows.Next() {
		var idx int
		var name string
		if err := rows.Scan(&idx, &name); err != nil {
			rows.Close()
			return p, fmt.Errorf("failed to scan sensor: %w", err)
		}
		if !model.SensorID(idx).Valid() {
			log.Warn().Str("device", device).Int("idx", idx).Msg("Skipping sensor record out of range")
			continue
		}
		p.SensorNames[idx] = name
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return p, fmt.Errorf("failed to read sensors: %w", err)
	}

	settings, wiring, found, err := LoadDomeSettings(db)
	if err != nil {
		return p, err
	}
	if found {
		p.Settings = settings
		p.Wiring = wiring
	}
	return p, nil
}

func LoadDomeSettings(db *sql.DB) (model.DomeSettings, model.ButtonWiring, bool, error) {
	var s model.DomeSettings
	var wiring string
	err := db.QueryRow(`SELECT button_pulse_seconds, read_sensors_delay_seconds, open_close_timeout_seconds, park_sensor_threshold, wiring FROM dome_settings WHERE id = 1`).
		Scan(&s.ButtonPulseSeconds, &s.ReadSensorsDelaySeconds, &s.OpenCloseTimeoutSeconds, &s.ParkSensorThreshold, &wiring)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DefaultDomeSettings(), model.WiringThreeButtonMomentary, false, nil
	}
	if err != nil {
		return s, "", false, fmt.Errorf("failed to get dome settings: %w", err)
	}
	w, err := model.ParseButtonWiring(wiring)
	if err != nil {
		return s, "", false, err
	}
	return s, w, true, nil
}

// ensureDomeSettingsWithTx inserts the default row so single-column updates
// have something to change.
func ensureDomeSettingsWithTx(tx *sql.Tx) error {
	d := model.DefaultDomeSettings()
	_, err := tx.Exec(`INSERT OR IGNORE INTO dome_settings (id, button_pulse_seconds, read_sensors_delay_seconds, open_close_timeout_seconds, park_sensor_threshold, wiring) VALUES (1, ?, ?, ?, ?, ?)`,
		d.ButtonPulseSeconds, d.ReadSensorsDelaySeconds, d.OpenCloseTimeoutSeconds, d.ParkSensorThreshold, string(model.WiringThreeButtonMomentary))
	if err != nil {
		return fmt.Errorf("seed dome settings: %w", err)
	}
	return nil
}

func SetWiringWithTx(tx *sql.Tx, w model.ButtonWiring) error {
	if err := ensureDomeSettingsWithTx(tx); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE dome_settings SET wiring = ? WHERE id = 1`, string(w)); err != nil {
		return fmt.Errorf("update wiring: %w", err)
	}
	return nil
}

func applySetting(s *model.DomeSettings, name string, value float64) error {
	switch name {
	case "button_pulse_seconds":
		s.ButtonPulseSeconds = value
	case "read_sensors_delay_seconds":
		s.ReadSensorsDelaySeconds = value
	case "open_close_timeout_seconds":
		s.OpenCloseTimeoutSeconds = value
	case "park_sensor_threshold":
		s.ParkSensorThreshold = int(value)
	default:
		return fmt.Errorf("unknown dome setting %q", name)
	}
	return nil
}

// SetDomeSettingWithTx changes one setting after checking the result is
// still a valid set.
func SetDomeSettingWithTx(tx *sql.Tx, name string, value float64) error {
	if err := applySetting(&model.DomeSettings{}, name, value); err != nil {
		return err
	}
	if err := ensureDomeSettingsWithTx(tx); err != nil {
		return err
	}

	var s model.DomeSettings
	err := tx.QueryRow(`SELECT button_pulse_seconds, read_sensors_delay_seconds, open_close_timeout_seconds, park_sensor_threshold FROM dome_settings WHERE id = 1`).
		Scan(&s.ButtonPulseSeconds, &s.ReadSensorsDelaySeconds, &s.OpenCloseTimeoutSeconds, &s.ParkSensorThreshold)
	if err != nil {
		return fmt.Errorf("read dome settings: %w", err)
	}
	applySetting(&s, name, value)
	if err := s.Validate(); err != nil {
		return err
	}

	_, err = tx.Exec(`UPDATE dome_settings SET button_pulse_seconds = ?, read_sensors_delay_seconds = ?, open_close_timeout_seconds = ?, park_sensor_threshold = ? WHERE id = 1`,
		s.ButtonPulseSeconds, s.ReadSensorsDelaySeconds, s.OpenCloseTimeoutSeconds, s.ParkSensorThreshold)
	if err != nil {
		return fmt.Errorf("update %s: %w", name, err)
	}
	return nil
}

func SetRelayNameWithTx(tx *sql.Tx, device string, id model.RelayID, name string) error {
	if !id.Valid() {
		return fmt.Errorf("relay %d out of range", id)
	}
	_, err := tx.Exec(`INSERT INTO relays (device, idx, name, pulse_ms) VALUES (?, ?, ?, 0)
		ON CONFLICT(device, idx) DO UPDATE SET name = excluded.name`, device, int(id), name)
	if err != nil {
		return fmt.Errorf("update relay name: %w", err)
	}
	return nil
}
