package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/roof-controller/internal/transport"
)

var (
	// ErrIO is a read or write failure on the transport. It is fatal to the session.
	ErrIO = errors.New("transport i/o error")
	// ErrMalformed is a response that does not match the command it answers.
	ErrMalformed = errors.New("malformed response")
	// ErrRefused is a negative result code, usually a missing earnaccess.
	ErrRefused = errors.New("refused by controller")
)

const (
	drainTimeout     = 100 * time.Millisecond
	firstByteTimeout = 3*time.Second + 100*time.Millisecond
	interByteTimeout = 100 * time.Millisecond
	maxResponse      = 512
)

// Codec runs command/response round trips over a shared link.
type Codec struct {
	link *transport.Link
}

func New(link *transport.Link) *Codec {
	return &Codec{link: link}
}

func (c *Codec) Link() *transport.Link { return c.link }

// Send drains stale input, writes cmd verbatim and, when expectResponse is
// set, reads until '#' or a timeout. A partial response is returned as-is;
// callers validate the content.
func (c *Codec) Send(cmd string, expectResponse bool) (string, error) {
	t, err := c.link.Lock()
	defer c.link.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := drain(t); err != nil {
		return "", fmt.Errorf("%w: drain: %v", ErrIO, err)
	}
	if _, err := t.Write([]byte(cmd)); err != nil {
		return "", fmt.Errorf("%w: write %q: %v", ErrIO, cmd, err)
	}
	if !expectResponse {
		log.Debug().Str("cmd", cmd).Msg("Command sent")
		return "", nil
	}

	resp, err := readResponse(t)
	log.Debug().Str("cmd", cmd).Str("response", resp).Msg("Command round trip")
	if err != nil {
		return resp, fmt.Errorf("%w: read %q: %v", ErrIO, cmd, err)
	}
	return resp, nil
}

func drain(t transport.Transport) error {
	if err := t.SetReadTimeout(drainTimeout); err != nil {
		return err
	}
	buf := make([]byte, maxResponse)
	for {
		n, err := t.Read(buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		log.Debug().Str("stale", string(buf[:n])).Msg("Discarded unsolicited input")
	}
}

func readResponse(t transport.Transport) (string, error) {
	if err := t.SetReadTimeout(firstByteTimeout); err != nil {
		return "", err
	}

	if t.Packet() {
		buf := make([]byte, maxResponse)
		n, err := t.Read(buf)
		return string(buf[:n]), err
	}

	var sb strings.Builder
	b := make([]byte, 1)
	for sb.Len() < maxResponse {
		n, err := t.Read(b)
		if err != nil {
			return sb.String(), err
		}
		if n == 0 {
			break
		}
		if sb.Len() == 0 {
			if err := t.SetReadTimeout(interByteTimeout); err != nil {
				return "", err
			}
		}
		sb.WriteByte(b[0])
		if b[0] == '#' {
			break
		}
	}
	return sb.String(), nil
}

// Exec sends cmd and parses its single integer result.
func (c *Codec) Exec(cmd string) (int, error) {
	resp, err := c.Send(cmd, true)
	if err != nil {
		return 0, err
	}
	return ParseResult(cmd, resp)
}
