package sensors

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/datadog"
	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/timer"
)

// DefaultInterval is the cadence of the analog read loop.
const DefaultInterval = time.Second

// Reader performs the single analog read round trip.
type Reader interface {
	ReadSensors() (model.SensorSnapshot, error)
}

// Recorder stores snapshots as a time series.
type Recorder interface {
	Record(device string, snap model.SensorSnapshot)
}

// ResultFunc receives every poll outcome. On error the snapshot is zero.
type ResultFunc func(snap model.SensorSnapshot, err error)

type Poller struct {
	device   string
	reader   Reader
	interval time.Duration
	onResult ResultFunc
	recorder Recorder
	timer    *timer.Timer

	mu      sync.RWMutex
	last    model.SensorSnapshot
	lastAt  time.Time
	failing bool
}

func NewPoller(device string, reader Reader, interval time.Duration, onResult ResultFunc, recorder Recorder) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Poller{
		device:   device,
		reader:   reader,
		interval: interval,
		onResult: onResult,
		recorder: recorder,
	}
	p.timer = timer.New(p.tick)
	return p
}

// PollOnce reads all channels once and updates the cached snapshot.
func (p *Poller) PollOnce() (model.SensorSnapshot, error) {
	snap, err := p.reader.ReadSensors()
	if err != nil {
		p.mu.Lock()
		wasFailing := p.failing
		p.failing = true
		p.mu.Unlock()
		if !wasFailing {
			log.Warn().Err(err).Str("device", p.device).Msg("Sensor read failed")
		}
		return model.SensorSnapshot{}, fmt.Errorf("read sensors: %w", err)
	}

	p.mu.Lock()
	if p.failing {
		log.Info().Str("device", p.device).Msg("Sensor reads recovered")
	}
	p.failing = false
	p.last = snap
	p.lastAt = time.Now()
	p.mu.Unlock()

	for i, v := range snap {
		datadog.Gauge("sensor.value", float64(v), "device:"+p.device, fmt.Sprintf("channel:%d", i))
	}
	if p.recorder != nil {
		p.recorder.Record(p.device, snap)
	}
	return snap, nil
}

// Start polls immediately and then on every interval until Stop.
func (p *Poller) Start() {
	log.Info().Str("device", p.device).Dur("interval", p.interval).Msg("Starting sensor poller")
	p.timer.Schedule(0)
}

// Stop cancels the loop and waits for an in-flight poll to finish.
func (p *Poller) Stop() {
	p.timer.Cancel()
}

func (p *Poller) tick() {
	snap, err := p.PollOnce()
	if p.onResult != nil {
		p.onResult(snap, err)
	}
	// A failed read never ends the loop.
	p.timer.Schedule(p.interval)
}

// Last returns the most recent good snapshot and when it was taken.
func (p *Poller) Last() (model.SensorSnapshot, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.lastAt
}
