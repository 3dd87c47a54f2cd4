// Package entity defines the identities and records shared by the hub and the
// wire protocol.
package entity

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UserID identifies a connected user session.
//
// UserID and DeviceID share a representation (random UUIDv4) but are distinct
// types so one cannot be passed where the other is expected.
type UserID uuid.UUID

// DeviceID identifies a connected device.
type DeviceID uuid.UUID

func NewUserID() UserID     { return UserID(uuid.New()) }
func NewDeviceID() DeviceID { return DeviceID(uuid.New()) }

func ParseUserID(s string) (UserID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return UserID{}, fmt.Errorf("invalid user id %q: %w", s, err)
	}
	return UserID(u), nil
}

func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	return DeviceID(u), nil
}

func (id UserID) String() string { return uuid.UUID(id).String() }

func (id UserID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *UserID) UnmarshalText(b []byte) error {
	parsed, err := ParseUserID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id DeviceID) String() string { return uuid.UUID(id).String() }

func (id DeviceID) MarshalText() ([]byte, error) { return uuid.UUID(id).MarshalText() }

func (id *DeviceID) UnmarshalText(b []byte) error {
	parsed, err := ParseDeviceID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// DeviceState is Connected exactly while the device is paired with a user.
type DeviceState int

const (
	DeviceOpen DeviceState = iota
	DeviceConnected
)

func (s DeviceState) String() string {
	switch s {
	case DeviceOpen:
		return "Open"
	case DeviceConnected:
		return "Connected"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

func (s DeviceState) MarshalJSON() ([]byte, error) {
	switch s {
	case DeviceOpen, DeviceConnected:
		return json.Marshal(s.String())
	default:
		return nil, fmt.Errorf("unknown device state %d", int(s))
	}
}

func (s *DeviceState) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch raw {
	case "Open":
		*s = DeviceOpen
	case "Connected":
		*s = DeviceConnected
	default:
		return fmt.Errorf("unknown device state %q", raw)
	}
	return nil
}

// Device is the record users see for a device. Name never changes after
// registration.
type Device struct {
	ID    DeviceID    `json:"id"`
	Name  string      `json:"name"`
	State DeviceState `json:"state"`
}
