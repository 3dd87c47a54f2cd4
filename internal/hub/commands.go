package hub

import (
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
)

// command is a unit of work for the Run loop. Reply channels have capacity 1
// so the loop never waits on a caller that went away.
type command interface {
	isCommand()
}

type registerUserCmd struct {
	sink  Sink
	reply chan entity.UserID
}

type unregisterUserCmd struct {
	user entity.UserID
}

type registerDeviceCmd struct {
	name  string
	sink  Sink
	reply chan entity.DeviceID
}

type unregisterDeviceCmd struct {
	device entity.DeviceID
}

type connectCmd struct {
	user   entity.UserID
	device entity.DeviceID
}

type disconnectCmd struct {
	user   entity.UserID
	device entity.DeviceID
}

type userSignalingCmd struct {
	user   entity.UserID
	device entity.DeviceID
	signal json.RawMessage
}

type deviceSignalingCmd struct {
	device entity.DeviceID
	signal json.RawMessage
}

type statsCmd struct {
	reply chan Stats
}

func (registerUserCmd) isCommand()     {}
func (unregisterUserCmd) isCommand()   {}
func (registerDeviceCmd) isCommand()   {}
func (unregisterDeviceCmd) isCommand() {}
func (connectCmd) isCommand()          {}
func (disconnectCmd) isCommand()       {}
func (userSignalingCmd) isCommand()    {}
func (deviceSignalingCmd) isCommand()  {}
func (statsCmd) isCommand()            {}

// Stats is a snapshot of the registries taken between two commands.
type Stats struct {
	Users         int `json:"users"`
	Devices       int `json:"devices"`
	OpenDevices   int `json:"open_devices"`
	PairedDevices int `json:"paired_devices"`
}
