package main

import (
	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/roof-controller/internal/config"
	"github.com/thatsimonsguy/roof-controller/internal/logging"
)

var (
	configFile string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "roof-controller",
	Short: "Roll-off roof and auxiliary outlet controller for a Dragonfly box",
	Long: `roof-controller drives a roll-off observatory roof and a set of switchable
outlets through the relays and analog inputs of a Lunatico Dragonfly.

The box is reached over UDP (udp://host[:port]) or a serial line
(/dev/ttyUSB0 or serial:///dev/ttyUSB0). Operators use the REST API and
the websocket property stream served by "run".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "config.yaml", "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Append logs to this file instead of stderr")

	rootCmd.AddCommand(runCmd, installServiceCmd, debugCmd)
}

// loadConfig reads the config file and sets up logging from flags, falling
// back to the file's log path.
func loadConfig() config.Config {
	cfg := config.Load(configFile)
	cfg.LogLevel = logging.ParseLevel(logLevel)
	path := logFile
	if path == "" {
		path = cfg.LogFile
	}
	logging.Init(cfg.LogLevel, path)
	return cfg
}
