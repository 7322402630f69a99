package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS relays (
	device TEXT NOT NULL,
	idx INTEGER NOT NULL CHECK(idx BETWEEN 0 AND 7),
	name TEXT NOT NULL,
	pulse_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device, idx)
);

CREATE TABLE IF NOT EXISTS sensors (
	device TEXT NOT NULL,
	idx INTEGER NOT NULL CHECK(idx BETWEEN 0 AND 7),
	name TEXT NOT NULL,
	PRIMARY KEY (device, idx)
);

CREATE TABLE IF NOT EXISTS dome_settings (
	id INTEGER PRIMARY KEY CHECK(id=1),
	button_pulse_seconds REAL NOT NULL,
	read_sensors_delay_seconds REAL NOT NULL,
	open_close_timeout_seconds REAL NOT NULL,
	park_sensor_threshold INTEGER NOT NULL,
	wiring TEXT NOT NULL
);
`

// Open opens the sqlite file at path and applies the schema.
func Open(path string) (*sql.DB, error) {
	dbConn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := ApplySchema(dbConn); err != nil {
		dbConn.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Msg("Database ready")
	return dbConn, nil
}

func ApplySchema(dbConn *sql.DB) error {
	if _, err := dbConn.Exec(schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
