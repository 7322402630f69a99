package protocol

import (
	"fmt"

	"github.com/thatsimonsguy/roof-controller/internal/model"
)

const (
	CmdVersion     = "!seletek version#"
	CmdEcho        = "!seletek echo#"
	CmdReadRelays  = "!relio rldgrd 0 0 7#"
	CmdReadSensors = "!relio snanrd 0 0 7#"
)

func EarnAccessCmd(password string) string {
	if password == "" {
		return "!aux earnaccess#"
	}
	return fmt.Sprintf("!aux earnaccess %s#", password)
}

func SetRelayCmd(id model.RelayID, on bool) string {
	v := 0
	if on {
		v = 1
	}
	return fmt.Sprintf("!relio rlset 0 %d %d#", id, v)
}

func PulseRelayCmd(id model.RelayID, millis uint32) string {
	return fmt.Sprintf("!relio rlpulse 0 %d %d#", id, millis)
}

func (c *Codec) Version() (model.Info, error) {
	v, err := c.Exec(CmdVersion)
	if err != nil {
		return model.Info{}, err
	}
	return DecodeVersion(v), nil
}

func (c *Codec) Echo() error {
	_, err := c.Exec(CmdEcho)
	return err
}

// EarnAccess returns the raw access level granted by the controller.
func (c *Codec) EarnAccess(password string) (int, error) {
	return c.Exec(EarnAccessCmd(password))
}

func (c *Codec) SetRelay(id model.RelayID, on bool) error {
	_, err := c.Exec(SetRelayCmd(id, on))
	return err
}

func (c *Codec) PulseRelay(id model.RelayID, millis uint32) error {
	_, err := c.Exec(PulseRelayCmd(id, millis))
	return err
}

func (c *Codec) ReadRelays() ([model.NumChannels]bool, error) {
	var out [model.NumChannels]bool
	resp, err := c.Send(CmdReadRelays, true)
	if err != nil {
		return out, err
	}
	vals, err := ParseList(CmdReadRelays, resp)
	if err != nil {
		return out, err
	}
	for i, v := range vals {
		out[i] = v > 0
	}
	return out, nil
}

func (c *Codec) ReadSensors() (model.SensorSnapshot, error) {
	resp, err := c.Send(CmdReadSensors, true)
	if err != nil {
		return model.SensorSnapshot{}, err
	}
	vals, err := ParseList(CmdReadSensors, resp)
	if err != nil {
		return model.SensorSnapshot{}, err
	}
	return model.SensorSnapshot(vals), nil
}
