package main

import (
	"github.com/thatsimonsguy/roof-controller/system/shutdown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		shutdown.ShutdownWithError(err, "Roof controller failed")
	}
	shutdown.Shutdown()
}
