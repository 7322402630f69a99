package db

import (
	"database/sql"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

func withTx(dbPath string, fn func(tx *sql.Tx) error) error {
	dbConn, err := Open(dbPath)
	if err != nil {
		return err
	}
	defer dbConn.Close()

	tx, err := StartTransaction(dbConn)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		RollbackTransaction(tx)
		return err
	}
	return CommitTransaction(tx)
}

func SetWiringCLI(dbPath, wiring string) error {
	w, err := model.ParseButtonWiring(wiring)
	if err != nil {
		return err
	}
	return withTx(dbPath, func(tx *sql.Tx) error {
		return SetWiringWithTx(tx, w)
	})
}

func SetDomeSettingCLI(dbPath, name string, value float64) error {
	return withTx(dbPath, func(tx *sql.Tx) error {
		return SetDomeSettingWithTx(tx, name, value)
	})
}

func SetRelayNameCLI(dbPath, device string, relay int, name string) error {
	return withTx(dbPath, func(tx *sql.Tx) error {
		return SetRelayNameWithTx(tx, device, model.RelayID(relay), name)
	})
}
