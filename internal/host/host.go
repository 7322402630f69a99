// Package host defines how the controller reports state to whatever presents
// it to the operator.
package host

import (
	"sync"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

// Property names carried in updates.
const (
	PropConnection   = "connection"
	PropInfo         = "info"
	PropOutlets      = "outlets"
	PropPulseLengths = "pulse_lengths"
	PropOutletNames  = "outlet_names"
	PropSensors      = "sensors"
	PropSensorNames  = "sensor_names"
	PropShutter      = "shutter"
	PropAbort        = "abort"
	PropSettings     = "settings"
	PropWiring       = "wiring"
	PropParked       = "parked"
	PropAuth         = "auth"
)

type Host interface {
	Update(device, property string, state model.PropertyState, message string, values any)
	Message(device, message string)
}

type Update struct {
	Device   string              `json:"device"`
	Property string              `json:"property"`
	State    model.PropertyState `json:"state"`
	Message  string              `json:"message,omitempty"`
	Values   any                 `json:"values,omitempty"`
}

// Recorder keeps every update and message in order. The debug CLI and tests
// use it where no operator surface is running.
type Recorder struct {
	mu       sync.Mutex
	updates  []Update
	messages []string
}

func (r *Recorder) Update(device, property string, state model.PropertyState, message string, values any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, Update{device, property, state, message, values})
}

func (r *Recorder) Message(device, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, message)
}

func (r *Recorder) Updates() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

// For returns the updates of a single property.
func (r *Recorder) For(property string) []Update {
	var out []Update
	for _, u := range r.Updates() {
		if u.Property == property {
			out = append(out, u)
		}
	}
	return out
}

// Last returns the latest update of a property.
func (r *Recorder) Last(property string) (Update, bool) {
	ups := r.For(property)
	if len(ups) == 0 {
		return Update{}, false
	}
	return ups[len(ups)-1], true
}

func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = nil
	r.messages = nil
}

// Discard drops everything.
type Discard struct{}

func (Discard) Update(string, string, model.PropertyState, string, any) {}
func (Discard) Message(string, string)                                 {}
