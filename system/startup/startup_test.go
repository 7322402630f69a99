package startup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallServiceWritesUnit(t *testing.T) {
	dir := t.TempDir()
	u := Unit{
		Path:       filepath.Join(dir, "roof-controller.service"),
		User:       "observatory",
		Binary:     "/usr/local/bin/roof-controller",
		ConfigFile: "/etc/roof-controller/config.yaml",
	}
	require.NoError(t, InstallService(u))

	data, err := os.ReadFile(u.Path)
	require.NoError(t, err)
	unit := string(data)
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/roof-controller run --config /etc/roof-controller/config.yaml")
	assert.Contains(t, unit, "User=observatory")
	assert.NotContains(t, unit, "WorkingDirectory=")
	assert.Contains(t, unit, "WantedBy=multi-user.target")
}

func TestRenderRequiresBinary(t *testing.T) {
	_, err := Unit{ConfigFile: "/etc/roof.yaml"}.Render()
	assert.Error(t, err)
}
