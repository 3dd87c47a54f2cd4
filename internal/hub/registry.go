package hub

import (
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
)

// Sink receives pre-serialized notifications for one connection. Enqueue must
// not block; it reports false when the message was dropped.
type Sink interface {
	Enqueue(msg []byte) bool
}

type user struct {
	id   entity.UserID
	sink Sink
}

type device struct {
	entity.Device
	sink Sink
}

// registry is owned by the Run goroutine.
type registry struct {
	users   map[entity.UserID]*user
	devices map[entity.DeviceID]*device
}

func newRegistry() *registry {
	return &registry{
		users:   make(map[entity.UserID]*user),
		devices: make(map[entity.DeviceID]*device),
	}
}

func (r *registry) addUser(sink Sink) *user {
	id := entity.NewUserID()
	for r.users[id] != nil {
		id = entity.NewUserID()
	}
	u := &user{id: id, sink: sink}
	r.users[id] = u
	return u
}

func (r *registry) removeUser(id entity.UserID) (*user, bool) {
	u, ok := r.users[id]
	if ok {
		delete(r.users, id)
	}
	return u, ok
}

func (r *registry) addDevice(name string, sink Sink) *device {
	id := entity.NewDeviceID()
	for r.devices[id] != nil {
		id = entity.NewDeviceID()
	}
	d := &device{
		Device: entity.Device{ID: id, Name: name, State: entity.DeviceOpen},
		sink:   sink,
	}
	r.devices[id] = d
	return d
}

func (r *registry) removeDevice(id entity.DeviceID) (*device, bool) {
	d, ok := r.devices[id]
	if ok {
		delete(r.devices, id)
	}
	return d, ok
}

func (r *registry) user(id entity.UserID) (*user, bool) {
	u, ok := r.users[id]
	return u, ok
}

func (r *registry) device(id entity.DeviceID) (*device, bool) {
	d, ok := r.devices[id]
	return d, ok
}
