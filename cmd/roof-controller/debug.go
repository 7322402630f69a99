package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/roof-controller/db"
	"github.com/thatsimonsguy/roof-controller/internal/host"
	"github.com/thatsimonsguy/roof-controller/internal/transport"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Offline edits of stored settings and a one-shot controller probe",
}

var setWiringCmd = &cobra.Command{
	Use:   "set-wiring <one_button_toggle|two_button_hold|three_button_momentary>",
	Short: "Store the roof button wiring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		return report("set-wiring", db.SetWiringCLI(cfg.DBPath, args[0]))
	},
}

var setSettingCmd = &cobra.Command{
	Use:   "set-setting <name> <value>",
	Short: "Store one dome setting",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		value, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid value %q: %w", args[1], err)
		}
		return report("set-setting", db.SetDomeSettingCLI(cfg.DBPath, args[0], value))
	},
}

var setRelayNameCmd = &cobra.Command{
	Use:   "set-relay-name <device> <relay> <name>",
	Short: "Store the name of one relay",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		relay, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid relay %q: %w", args[1], err)
		}
		return report("set-relay-name", db.SetRelayNameCLI(cfg.DBPath, args[0], relay, args[2]))
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Connect once, print what every session reports and disconnect",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		database, err := db.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()

		rec := &host.Recorder{}
		link := transport.NewRegistry(cfg.BaudRate).Link(cfg.DeviceURL)
		sessions, err := buildSessions(cfg, database, link, rec, nil)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, s := range sessions {
			if err := s.Connect(); err != nil {
				fmt.Printf("%s: connect failed: %v\n", s.Name(), err)
				continue
			}
			if _, err := s.Poll(); err != nil {
				fmt.Printf("%s: sensor read failed: %v\n", s.Name(), err)
			}
			enc.Encode(s.Status())
			s.Disconnect()
		}
		for _, m := range rec.Messages() {
			fmt.Println(m)
		}
		return nil
	},
}

func init() {
	debugCmd.AddCommand(setWiringCmd, setSettingCmd, setRelayNameCmd, probeCmd)
}

func report(command string, err error) error {
	if err != nil {
		return fmt.Errorf("command %s failed: %w", command, err)
	}
	fmt.Printf("Command %s completed successfully\n", command)
	return nil
}
