package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func TestInitAppendsToFile(t *testing.T) {
	saved := log.Logger
	defer func() { log.Logger = saved }()

	path := filepath.Join(t.TempDir(), "roof.log")
	Init(zerolog.InfoLevel, path)
	log.Info().Str("device", "dome").Msg("Roof opened")
	log.Debug().Msg("hidden")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device":"dome"`)
	assert.Contains(t, string(data), "Roof opened")
	assert.NotContains(t, string(data), "hidden")
}
