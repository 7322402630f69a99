package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

// responsePrefix turns "!relio rlset 0 3 1#" into "!relio rlset 0 3 1:".
func responsePrefix(cmd string) string {
	if i := strings.LastIndex(cmd, "#"); i >= 0 {
		return cmd[:i] + ":" + cmd[i+1:]
	}
	return cmd + ":"
}

// ParseResult extracts the integer that follows the echoed command. A
// negative value is reported as ErrRefused along with the value.
func ParseResult(cmd, resp string) (int, error) {
	prefix := responsePrefix(cmd)
	if !strings.HasPrefix(resp, prefix) {
		return 0, fmt.Errorf("%w: %q does not answer %q", ErrMalformed, resp, cmd)
	}
	v, ok := leadingInt(resp[len(prefix):])
	if !ok {
		return 0, fmt.Errorf("%w: no result in %q", ErrMalformed, resp)
	}
	if v < 0 {
		return v, fmt.Errorf("%w: %q returned %d", ErrRefused, cmd, v)
	}
	return v, nil
}

func leadingInt(s string) (int, bool) {
	s = strings.TrimLeft(s, " \t")
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	v, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return v, true
}

// ParseList extracts exactly model.NumChannels comma separated integers that
// follow the echoed command and are terminated by '#'.
func ParseList(cmd, resp string) ([model.NumChannels]int, error) {
	var out [model.NumChannels]int

	prefix := responsePrefix(cmd)
	if !strings.HasPrefix(resp, prefix) || !strings.HasSuffix(resp, "#") {
		return out, fmt.Errorf("%w: %q does not answer %q", ErrMalformed, resp, cmd)
	}
	body := strings.TrimSuffix(resp[len(prefix):], "#")
	parts := strings.Split(body, ",")
	if len(parts) != model.NumChannels {
		return out, fmt.Errorf("%w: expected %d values, got %d in %q", ErrMalformed, model.NumChannels, len(parts), resp)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return out, fmt.Errorf("%w: value %d in %q: %v", ErrMalformed, i, resp, err)
		}
		out[i] = v
	}
	return out, nil
}

var modelNames = []string{"Error", "Seletek", "Armadillo", "Platypus", "Dragonfly", "Limpet"}

// DecodeVersion splits the version integer into operative mode, model and firmware.
func DecodeVersion(d int) model.Info {
	oper := d / 10000
	if oper >= 2 {
		oper = 2
	}
	m := (d / 1000) % 10
	if m < 0 || m > 5 {
		m = 0
	}
	return model.Info{
		Operative: oper,
		Model:     modelNames[m],
		FwMajor:   (d / 100) % 10,
		FwMinor:   d % 100,
	}
}
