package startup

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"
)

// Unit describes the systemd service running the daemon.
type Unit struct {
	Path       string
	User       string
	WorkDir    string
	Binary     string
	ConfigFile string
}

var unitTemplate = template.Must(template.New("unit").Parse(`[Unit]
Description=Roll-off roof controller
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
{{- if .User}}
User={{.User}}
{{- end}}
{{- if .WorkDir}}
WorkingDirectory={{.WorkDir}}
{{- end}}
ExecStart={{.Binary}} run --config {{.ConfigFile}}
Restart=on-failure
RestartSec=5s

[Install]
WantedBy=multi-user.target
`))

// Render returns the unit file contents.
func (u Unit) Render() (string, error) {
	if u.Binary == "" {
		return "", fmt.Errorf("service binary path is required")
	}
	if !filepath.IsAbs(u.ConfigFile) {
		abs, err := filepath.Abs(u.ConfigFile)
		if err != nil {
			return "", fmt.Errorf("resolve config path: %w", err)
		}
		u.ConfigFile = abs
	}
	var b strings.Builder
	if err := unitTemplate.Execute(&b, u); err != nil {
		return "", err
	}
	return b.String(), nil
}

// InstallService writes the unit file. Enabling it is left to systemctl.
func InstallService(u Unit) error {
	contents, err := u.Render()
	if err != nil {
		return err
	}
	return os.WriteFile(u.Path, []byte(contents), 0644)
}
