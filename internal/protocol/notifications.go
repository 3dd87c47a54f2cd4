package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
)

type NotificationType string

const (
	// Sent to users.
	NotificationUpdateDevices         NotificationType = "UpdateDevices"
	NotificationRemoveDevice          NotificationType = "RemoveDevice"
	NotificationUpdateConnectedDevice NotificationType = "UpdateConnectedDevice"
	NotificationRemoveConnectedDevice NotificationType = "RemoveConnectedDevice"
	NotificationDeviceSignaling       NotificationType = "DeviceSignaling"

	// Sent to devices.
	NotificationUserSignaling NotificationType = "UserSignaling"

	// Sent to either side.
	NotificationError NotificationType = "Error"
)

// MaxRelayGrowth bounds how much larger an outbound signaling notification
// is than the inbound command it relays. DeviceSignaling gains a device_id
// member; UserSignaling loses one. Signals are re-emitted compact and
// without HTML escaping, so the signal itself never grows.
const MaxRelayGrowth = len(`"device_id":"00000000-0000-0000-0000-000000000000",`)

type updateDevices struct {
	Type    NotificationType `json:"type"`
	Devices []entity.Device  `json:"devices"`
}

type deviceRef struct {
	Type     NotificationType `json:"type"`
	DeviceID entity.DeviceID  `json:"device_id"`
}

type deviceRecord struct {
	Type   NotificationType `json:"type"`
	Device entity.Device    `json:"device"`
}

type deviceSignal struct {
	Type     NotificationType `json:"type"`
	DeviceID entity.DeviceID  `json:"device_id"`
	Signal   json.RawMessage  `json:"signal"`
}

type userSignal struct {
	Type   NotificationType `json:"type"`
	Signal json.RawMessage  `json:"signal"`
}

type errorMessage struct {
	Type    NotificationType `json:"type"`
	Message string           `json:"message"`
}

// UpdateDevices tells users that the listed devices are open for pairing.
func UpdateDevices(devices []entity.Device) ([]byte, error) {
	if devices == nil {
		devices = []entity.Device{}
	}
	return marshal(updateDevices{Type: NotificationUpdateDevices, Devices: devices})
}

// RemoveDevice tells users that a device left the open list.
func RemoveDevice(id entity.DeviceID) ([]byte, error) {
	return marshal(deviceRef{Type: NotificationRemoveDevice, DeviceID: id})
}

// UpdateConnectedDevice tells a user that a device is now paired with it.
func UpdateConnectedDevice(device entity.Device) ([]byte, error) {
	return marshal(deviceRecord{Type: NotificationUpdateConnectedDevice, Device: device})
}

// RemoveConnectedDevice tells a user that a paired device went away.
func RemoveConnectedDevice(id entity.DeviceID) ([]byte, error) {
	return marshal(deviceRef{Type: NotificationRemoveConnectedDevice, DeviceID: id})
}

// DeviceSignaling relays a device's signal to its paired user.
func DeviceSignaling(id entity.DeviceID, signal json.RawMessage) ([]byte, error) {
	return marshal(deviceSignal{Type: NotificationDeviceSignaling, DeviceID: id, Signal: signal})
}

// UserSignaling relays a user's signal to a paired device.
func UserSignaling(signal json.RawMessage) ([]byte, error) {
	return marshal(userSignal{Type: NotificationUserSignaling, Signal: signal})
}

func Error(message string) ([]byte, error) {
	return marshal(errorMessage{Type: NotificationError, Message: message})
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Notification is the union of all outbound envelopes. Clients (and tests)
// decode into it and switch on Type.
type Notification struct {
	Type     NotificationType `json:"type"`
	Devices  []entity.Device  `json:"devices,omitempty"`
	Device   *entity.Device   `json:"device,omitempty"`
	DeviceID *entity.DeviceID `json:"device_id,omitempty"`
	Signal   json.RawMessage  `json:"signal,omitempty"`
	Message  string           `json:"message,omitempty"`
}

func ParseNotification(data []byte) (Notification, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var n Notification
	if err := dec.Decode(&n); err != nil {
		return Notification{}, err
	}
	if n.Type == "" {
		return Notification{}, fmt.Errorf("notification missing type")
	}
	return n, nil
}
