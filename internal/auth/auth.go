package auth

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/model"
	"github.com/thatsimonsguy/roof-controller/internal/timer"
)

// KeepAliveInterval is well inside the controller's ~30 s access expiry.
const KeepAliveInterval = 10 * time.Second

type Wire interface {
	EarnAccess(password string) (int, error)
	Echo() error
}

// Authenticate runs the earnaccess handshake. An empty password sends the
// bare command.
func Authenticate(wire Wire, password string) (model.AccessLevel, error) {
	level, err := wire.EarnAccess(password)
	if err != nil {
		return model.AccessUnknown, fmt.Errorf("earn access: %w", err)
	}
	return model.AccessLevel(level), nil
}

func AccessMessage(level model.AccessLevel) string {
	return fmt.Sprintf("Earned access level: %d (%s)", int(level), level)
}

// KeepAlive re-asserts access with an echo on a fixed cadence. The controller
// enforces expiry; this never tracks it locally.
type KeepAlive struct {
	device   string
	wire     Wire
	interval time.Duration
	onError  func(error)
	timer    *timer.Timer
}

func NewKeepAlive(device string, wire Wire, interval time.Duration, onError func(error)) *KeepAlive {
	if interval <= 0 {
		interval = KeepAliveInterval
	}
	k := &KeepAlive{device: device, wire: wire, interval: interval, onError: onError}
	k.timer = timer.New(k.tick)
	return k
}

func (k *KeepAlive) Start() {
	k.timer.Schedule(k.interval)
}

func (k *KeepAlive) Stop() {
	k.timer.Cancel()
}

func (k *KeepAlive) tick() {
	if err := k.wire.Echo(); err != nil {
		log.Warn().Err(err).Str("device", k.device).Msg("Keep-alive failed")
		if k.onError != nil {
			k.onError(err)
		}
	}
	k.timer.Schedule(k.interval)
}
