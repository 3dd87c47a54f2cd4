package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
)

type CommandType string

const (
	CommandConnect         CommandType = "Connect"
	CommandDisconnect      CommandType = "Disconnect"
	CommandUserSignaling   CommandType = "UserSignaling"
	CommandDeviceSignaling CommandType = "DeviceSignaling"
)

// Command is an inbound message from a user or device connection.
//
// Signal is kept as raw JSON and relayed without being inspected; a JSON null
// is a valid signal (browsers emit a null ICE candidate at the end of gathering).
type Command struct {
	Type     CommandType      `json:"type"`
	DeviceID *entity.DeviceID `json:"device_id,omitempty"`
	Signal   json.RawMessage  `json:"signal,omitempty"`
}

// ParseUserCommand decodes a message sent on a user connection.
func ParseUserCommand(data []byte) (Command, error) {
	cmd, err := parseCommand(data)
	if err != nil {
		return Command{}, err
	}
	switch cmd.Type {
	case CommandConnect, CommandDisconnect:
		if cmd.DeviceID == nil {
			return Command{}, fmt.Errorf("%s command missing device_id", cmd.Type)
		}
		if cmd.Signal != nil {
			return Command{}, fmt.Errorf("%s command has unexpected signal", cmd.Type)
		}
	case CommandUserSignaling:
		if cmd.DeviceID == nil {
			return Command{}, fmt.Errorf("%s command missing device_id", cmd.Type)
		}
		if cmd.Signal == nil {
			return Command{}, fmt.Errorf("%s command missing signal", cmd.Type)
		}
	default:
		return Command{}, fmt.Errorf("unsupported user command type %q", cmd.Type)
	}
	return cmd, nil
}

// ParseDeviceCommand decodes a message sent on a device connection. Devices
// only ever relay signaling to their paired user.
func ParseDeviceCommand(data []byte) (Command, error) {
	cmd, err := parseCommand(data)
	if err != nil {
		return Command{}, err
	}
	if cmd.Type != CommandDeviceSignaling {
		return Command{}, fmt.Errorf("unsupported device command type %q", cmd.Type)
	}
	if cmd.DeviceID != nil {
		return Command{}, fmt.Errorf("%s command has unexpected device_id", cmd.Type)
	}
	if cmd.Signal == nil {
		return Command{}, fmt.Errorf("%s command missing signal", cmd.Type)
	}
	return cmd, nil
}

func parseCommand(data []byte) (Command, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cmd Command
	if err := dec.Decode(&cmd); err != nil {
		return Command{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Command{}, fmt.Errorf("unexpected trailing data")
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("command missing type")
	}
	return cmd, nil
}
