// Package transporttest provides an in-memory Dragonfly that answers the
// relay/sensor wire protocol and records every command it receives.
package transporttest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/thatsimonsguy/roof-controller/internal/transport"
)

// DragonflyVersion decodes to operative 1, model Dragonfly, firmware 2.5.
const DragonflyVersion = 14205

var ErrWriteFailed = errors.New("write failed")

type Controller struct {
	mu sync.Mutex

	Version     int
	Password    string
	Access      int
	RequireAuth bool
	Packet      bool
	// Overrides maps a command to the raw response sent instead of the
	// simulated one. An empty string means no response at all.
	Overrides map[string]string
	FailWrite bool
	// OnCommand runs after every command is recorded, outside the lock.
	OnCommand func(cmd string)

	relays   [8]int
	sensors  [8]int
	authed   bool
	commands []string
	out      []byte
	opens    int
	closes   int
	isOpen   bool
}

func New() *Controller {
	return &Controller{
		Version:   DragonflyVersion,
		Access:    3,
		Overrides: map[string]string{},
	}
}

// Open matches the signature the registry uses to create transports.
func (c *Controller) Open(url string, baud int) (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.isOpen = true
	return &conn{c: c}, nil
}

func (c *Controller) Opener() transport.Opener {
	return func() (transport.Transport, error) { return c.Open("", 0) }
}

func (c *Controller) SetSensor(i, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors[i] = v
}

func (c *Controller) SetRelay(i, v int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relays[i] = v
}

func (c *Controller) Relay(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.relays[i]
}

// SetFailWrite makes every write fail, as a dropped link would.
func (c *Controller) SetFailWrite(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.FailWrite = v
}

func (c *Controller) SetOverride(cmd, response string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Overrides[cmd] = response
}

func (c *Controller) ClearOverride(cmd string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Overrides, cmd)
}

// Inject queues unsolicited bytes ahead of the next response.
func (c *Controller) Inject(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, s...)
}

func (c *Controller) Commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.commands...)
}

// RelayCommands returns only the rlset and rlpulse commands.
func (c *Controller) RelayCommands() []string {
	var out []string
	for _, cmd := range c.Commands() {
		if strings.HasPrefix(cmd, "!relio rlset") || strings.HasPrefix(cmd, "!relio rlpulse") {
			out = append(out, cmd)
		}
	}
	return out
}

func (c *Controller) ResetCommands() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands = nil
}

func (c *Controller) Opens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *Controller) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Controller) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOpen
}

func (c *Controller) handle(cmd string) {
	c.mu.Lock()
	c.commands = append(c.commands, cmd)
	if resp, ok := c.Overrides[cmd]; ok {
		c.out = append(c.out, resp...)
	} else {
		c.out = append(c.out, c.simulate(cmd)...)
	}
	hook := c.OnCommand
	c.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
}

func (c *Controller) simulate(cmd string) string {
	prefix := cmd
	if i := strings.LastIndex(cmd, "#"); i >= 0 {
		prefix = cmd[:i] + ":"
	}
	body := strings.TrimSuffix(strings.TrimPrefix(cmd, "!"), "#")
	fields := strings.Fields(body)
	if len(fields) < 2 {
		return prefix + "-1#"
	}

	switch fields[0] + " " + fields[1] {
	case "seletek version":
		return prefix + strconv.Itoa(c.Version) + "#"
	case "seletek echo":
		return prefix + "0#"
	case "aux earnaccess":
		pwd := ""
		if len(fields) > 2 {
			pwd = fields[2]
		}
		if c.Password != "" && pwd != c.Password {
			c.authed = false
			return prefix + "-1#"
		}
		c.authed = true
		return prefix + strconv.Itoa(c.Access) + "#"
	case "relio rlset", "relio rlpulse":
		if len(fields) != 5 {
			return prefix + "-1#"
		}
		if c.RequireAuth && !c.authed {
			return prefix + "-1#"
		}
		r, _ := strconv.Atoi(fields[3])
		v, _ := strconv.Atoi(fields[4])
		if r < 0 || r > 7 {
			return prefix + "-1#"
		}
		if fields[1] == "rlset" {
			c.relays[r] = v
		}
		return prefix + "0#"
	case "relio rldgrd":
		return prefix + joinInts(c.relays[:]) + "#"
	case "relio snanrd":
		return prefix + joinInts(c.sensors[:]) + "#"
	}
	return prefix + "-1#"
}

func joinInts(vs []int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

type conn struct {
	c       *Controller
	pending []byte
	closed  bool
}

func (k *conn) Write(p []byte) (int, error) {
	k.c.mu.Lock()
	fail := k.c.FailWrite
	k.c.mu.Unlock()
	if fail || k.closed {
		return 0, ErrWriteFailed
	}

	k.pending = append(k.pending, p...)
	for {
		i := strings.IndexByte(string(k.pending), '#')
		if i < 0 {
			break
		}
		cmd := string(k.pending[:i+1])
		k.pending = k.pending[i+1:]
		k.c.handle(cmd)
	}
	return len(p), nil
}

// Read never blocks: an empty buffer reads as an elapsed timeout.
func (k *conn) Read(p []byte) (int, error) {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()

	if k.closed {
		return 0, fmt.Errorf("read on closed connection")
	}
	if len(k.c.out) == 0 {
		return 0, nil
	}
	n := copy(p, k.c.out)
	if k.c.Packet {
		k.c.out = k.c.out[:0]
	} else {
		k.c.out = k.c.out[n:]
	}
	return n, nil
}

func (k *conn) Close() error {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	k.closed = true
	k.c.isOpen = false
	k.c.closes++
	return nil
}

func (k *conn) SetReadTimeout(time.Duration) error { return nil }

func (k *conn) Packet() bool {
	k.c.mu.Lock()
	defer k.c.mu.Unlock()
	return k.c.Packet
}
