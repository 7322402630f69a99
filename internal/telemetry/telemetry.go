// Package telemetry stores analog sensor snapshots in InfluxDB.
package telemetry

import (
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"
	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

const measurement = "sensors"

type Config struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

func (c Config) Enabled() bool {
	return c.URL != "" && c.Bucket != ""
}

// Writer records every poll as one point. The zero value and a nil Writer
// drop everything.
type Writer struct {
	client influxdb2.Client
	write  api.WriteApi
	now    func() time.Time
}

func New(cfg Config) *Writer {
	if !cfg.Enabled() {
		log.Info().Msg("Influx telemetry disabled")
		return nil
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	w := &Writer{
		client: client,
		write:  client.WriteApi(cfg.Org, cfg.Bucket),
		now:    time.Now,
	}
	go func() {
		for err := range w.write.Errors() {
			log.Warn().Err(err).Msg("Influx write error")
		}
	}()
	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Influx telemetry enabled")
	return w
}

// Point builds the series point for one snapshot.
func Point(device string, snap model.SensorSnapshot) (map[string]string, map[string]interface{}) {
	tags := map[string]string{"device": device}
	fields := make(map[string]interface{}, model.NumChannels)
	for i, v := range snap {
		fields[fmt.Sprintf("ch%d", i)] = v
	}
	return tags, fields
}

func (w *Writer) Record(device string, snap model.SensorSnapshot) {
	if w == nil || w.write == nil {
		return
	}
	at := w.now()
	tags, fields := Point(device, snap)
	w.write.WritePoint(influxdb2.NewPoint(measurement, tags, fields, at))
}

func (w *Writer) Close() {
	if w == nil || w.client == nil {
		return
	}
	w.write.Flush()
	w.client.Close()
}
