package sensors

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

type scriptedReader struct {
	mu    sync.Mutex
	calls int
	fail  map[int]bool
	snap  model.SensorSnapshot
}

func (r *scriptedReader) ReadSensors() (model.SensorSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fail[r.calls] {
		return model.SensorSnapshot{}, errors.New("timeout")
	}
	return r.snap, nil
}

func (r *scriptedReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type memRecorder struct {
	mu    sync.Mutex
	snaps []model.SensorSnapshot
}

func (m *memRecorder) Record(device string, snap model.SensorSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps = append(m.snaps, snap)
}

type outcomes struct {
	mu   sync.Mutex
	errs []error
}

func (o *outcomes) add(_ model.SensorSnapshot, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *outcomes) list() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func TestPollOnceCachesSnapshot(t *testing.T) {
	reader := &scriptedReader{snap: model.SensorSnapshot{1, 2, 3, 4, 5, 6, 7, 8}}
	rec := &memRecorder{}
	p := NewPoller("Dragonfly Dome", reader, time.Second, nil, rec)

	snap, err := p.PollOnce()
	require.NoError(t, err)
	assert.Equal(t, reader.snap, snap)

	last, at := p.Last()
	assert.Equal(t, reader.snap, last)
	assert.False(t, at.IsZero())
	assert.Len(t, rec.snaps, 1)
}

func TestPollerKeepsPollingAfterFailures(t *testing.T) {
	reader := &scriptedReader{
		snap: model.SensorSnapshot{900},
		fail: map[int]bool{2: true, 3: true},
	}
	got := &outcomes{}
	p := NewPoller("Dragonfly", reader, 5*time.Millisecond, got.add, nil)

	p.Start()
	assert.Eventually(t, func() bool { return reader.Calls() >= 5 }, time.Second, time.Millisecond)
	p.Stop()

	errs := got.list()
	require.GreaterOrEqual(t, len(errs), 5)
	assert.NoError(t, errs[0])
	assert.Error(t, errs[1])
	assert.Error(t, errs[2])
	assert.NoError(t, errs[3])

	last, _ := p.Last()
	assert.Equal(t, 900, last[0])
}

func TestPollerStopHaltsLoop(t *testing.T) {
	reader := &scriptedReader{}
	p := NewPoller("Dragonfly", reader, 2*time.Millisecond, nil, nil)

	p.Start()
	assert.Eventually(t, func() bool { return reader.Calls() >= 2 }, time.Second, time.Millisecond)
	p.Stop()

	calls := reader.Calls()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, reader.Calls())
}
