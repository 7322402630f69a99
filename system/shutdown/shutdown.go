package shutdown

import (
	"os"
	"sync"

	"github.com/rs/zerolog/log"
)

// Disconnecter is anything holding the controller link open.
type Disconnecter interface {
	Name() string
	Disconnect()
}

// ExitFunc ends the process. Tests replace it.
var ExitFunc = os.Exit

var (
	mu       sync.Mutex
	sessions []Disconnecter
)

// Register adds a session to disconnect on shutdown.
func Register(d Disconnecter) {
	mu.Lock()
	defer mu.Unlock()
	sessions = append(sessions, d)
}

// DisconnectAll stops every registered session, in reverse order of
// registration, leaving relays as they are.
func DisconnectAll() {
	mu.Lock()
	list := append([]Disconnecter(nil), sessions...)
	mu.Unlock()

	for i := len(list) - 1; i >= 0; i-- {
		list[i].Disconnect()
		log.Info().Str("device", list[i].Name()).Msg("Session closed")
	}
}

func Shutdown() {
	DisconnectAll()
	log.Info().Msg("Roof controller stopped")
	ExitFunc(0)
}

func ShutdownWithError(err error, msg string) {
	log.Error().Err(err).Msg(msg)
	DisconnectAll()
	ExitFunc(1)
}

func reset() {
	mu.Lock()
	defer mu.Unlock()
	sessions = nil
}
