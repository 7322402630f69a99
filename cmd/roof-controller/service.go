package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thatsimonsguy/roof-controller/system/startup"
)

var (
	serviceUser   string
	serviceBinary string
)

var installServiceCmd = &cobra.Command{
	Use:   "install-service",
	Short: "Write the systemd unit for the daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		binary := serviceBinary
		if binary == "" {
			exe, err := os.Executable()
			if err != nil {
				return err
			}
			binary = exe
		}
		u := startup.Unit{
			Path:       cfg.ServicePath,
			User:       serviceUser,
			Binary:     binary,
			ConfigFile: configFile,
		}
		if err := startup.InstallService(u); err != nil {
			return err
		}
		fmt.Printf("Wrote %s; enable it with: systemctl enable --now %s\n", u.Path, u.Path)
		return nil
	},
}

func init() {
	installServiceCmd.Flags().StringVar(&serviceUser, "user", "", "User the service runs as")
	installServiceCmd.Flags().StringVar(&serviceBinary, "binary", "", "Path of the roof-controller binary (default: this executable)")
}
