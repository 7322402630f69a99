package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

func TestPointCarriesEveryChannel(t *testing.T) {
	snap := model.SensorSnapshot{1, 2, 3, 4, 5, 6, 7, 1023}
	tags, fields := Point("Dragonfly Dome", snap)

	assert.Equal(t, map[string]string{"device": "Dragonfly Dome"}, tags)
	assert.Len(t, fields, model.NumChannels)
	assert.Equal(t, 1, fields["ch0"])
	assert.Equal(t, 1023, fields["ch7"])
}

func TestDisabledWriterDropsRecords(t *testing.T) {
	w := New(Config{})
	assert.Nil(t, w)
	assert.NotPanics(t, func() {
		w.Record("dome", model.SensorSnapshot{})
		w.Close()
	})
}
