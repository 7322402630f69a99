package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultUDPPort is the port a Dragonfly listens on when the URL names none.
const DefaultUDPPort = "10000"

// Transport is a byte channel to one controller. Read returns (0, nil) when
// the read timeout elapses with nothing received.
type Transport interface {
	io.ReadWriteCloser
	SetReadTimeout(d time.Duration) error
	// Packet reports whether one Read returns one whole response datagram.
	Packet() bool
}

// Opener creates a transport. Links call it on first Acquire.
type Opener func() (Transport, error)

// Open dispatches on the URL scheme: udp://host[:port], serial:///dev/tty...
// or a bare device path.
func Open(url string, baud int) (Transport, error) {
	switch {
	case strings.HasPrefix(url, "udp://"):
		return OpenUDP(strings.TrimPrefix(url, "udp://"))
	case strings.HasPrefix(url, "serial://"):
		return OpenSerial(strings.TrimPrefix(url, "serial://"), baud)
	case strings.HasPrefix(url, "/"):
		return OpenSerial(url, baud)
	}
	return nil, fmt.Errorf("unsupported device url %q", url)
}

type serialTransport struct {
	serial.Port
}

func OpenSerial(path string, baud int) (Transport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", path, err)
	}
	return &serialTransport{Port: port}, nil
}

func (s *serialTransport) Packet() bool { return false }

type udpTransport struct {
	conn    *net.UDPConn
	timeout time.Duration
}

func OpenUDP(hostport string) (Transport, error) {
	if _, _, err := net.SplitHostPort(hostport); err != nil {
		hostport = net.JoinHostPort(hostport, DefaultUDPPort)
	}
	addr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", hostport, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", hostport, err)
	}
	return &udpTransport{conn: conn, timeout: time.Second}, nil
}

func (u *udpTransport) Read(p []byte) (int, error) {
	if err := u.conn.SetReadDeadline(time.Now().Add(u.timeout)); err != nil {
		return 0, err
	}
	n, err := u.conn.Read(p)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return n, nil
	}
	return n, err
}

func (u *udpTransport) Write(p []byte) (int, error) { return u.conn.Write(p) }
func (u *udpTransport) Close() error                { return u.conn.Close() }
func (u *udpTransport) Packet() bool                { return true }

func (u *udpTransport) SetReadTimeout(d time.Duration) error {
	u.timeout = d
	return nil
}
