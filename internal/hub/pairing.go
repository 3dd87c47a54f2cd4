package hub

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
)

// pairing tracks which devices are paired with which users and which devices
// are open. Every mutation updates userToDevices and deviceToUser together.
//
// Invariants after every method returns:
//   - deviceToUser[d] == u  <=>  d in userToDevices[u]
//   - a tracked device is in exactly one of open or deviceToUser
//   - userToDevices never holds an empty set
type pairing struct {
	userToDevices map[entity.UserID]map[entity.DeviceID]struct{}
	deviceToUser  map[entity.DeviceID]entity.UserID
	open          map[entity.DeviceID]struct{}
}

func newPairing() *pairing {
	return &pairing{
		userToDevices: make(map[entity.UserID]map[entity.DeviceID]struct{}),
		deviceToUser:  make(map[entity.DeviceID]entity.UserID),
		open:          make(map[entity.DeviceID]struct{}),
	}
}

// addDevice starts tracking a newly registered device as open.
func (p *pairing) addDevice(d entity.DeviceID) {
	if _, ok := p.deviceToUser[d]; ok {
		return
	}
	p.open[d] = struct{}{}
}

// connect pairs d with u. Replaying an existing pairing succeeds without
// change.
func (p *pairing) connect(u entity.UserID, d entity.DeviceID) error {
	if owner, ok := p.deviceToUser[d]; ok {
		if owner == u {
			return nil
		}
		return ErrAlreadyPaired
	}
	delete(p.open, d)
	set := p.userToDevices[u]
	if set == nil {
		set = make(map[entity.DeviceID]struct{})
		p.userToDevices[u] = set
	}
	set[d] = struct{}{}
	p.deviceToUser[d] = u
	return nil
}

// disconnect removes the pairing between u and d. When d is not paired with
// anyone it is put back into open and ErrNotPaired is returned. A device
// paired with some other user is left alone.
func (p *pairing) disconnect(u entity.UserID, d entity.DeviceID) error {
	owner, ok := p.deviceToUser[d]
	if !ok {
		p.open[d] = struct{}{}
		return ErrNotPaired
	}
	if owner != u {
		return ErrNotPaired
	}
	p.unpair(u, d)
	p.open[d] = struct{}{}
	return nil
}

// removeDevice forgets d and reports the user it was paired with, if any.
func (p *pairing) removeDevice(d entity.DeviceID) (entity.UserID, bool) {
	delete(p.open, d)
	u, ok := p.deviceToUser[d]
	if !ok {
		return entity.UserID{}, false
	}
	p.unpair(u, d)
	return u, true
}

// removeUser drops every pairing held by u and returns the freed devices,
// which are open again.
func (p *pairing) removeUser(u entity.UserID) []entity.DeviceID {
	set, ok := p.userToDevices[u]
	if !ok {
		return nil
	}
	delete(p.userToDevices, u)
	freed := make([]entity.DeviceID, 0, len(set))
	for d := range set {
		delete(p.deviceToUser, d)
		p.open[d] = struct{}{}
		freed = append(freed, d)
	}
	sortDeviceIDs(freed)
	return freed
}

func (p *pairing) unpair(u entity.UserID, d entity.DeviceID) {
	delete(p.deviceToUser, d)
	set := p.userToDevices[u]
	delete(set, d)
	if len(set) == 0 {
		delete(p.userToDevices, u)
	}
}

func (p *pairing) openDevices() []entity.DeviceID {
	out := make([]entity.DeviceID, 0, len(p.open))
	for d := range p.open {
		out = append(out, d)
	}
	sortDeviceIDs(out)
	return out
}

func (p *pairing) pairedUser(d entity.DeviceID) (entity.UserID, bool) {
	u, ok := p.deviceToUser[d]
	return u, ok
}

func (p *pairing) pairedDevices(u entity.UserID) []entity.DeviceID {
	set, ok := p.userToDevices[u]
	if !ok {
		return nil
	}
	out := make([]entity.DeviceID, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sortDeviceIDs(out)
	return out
}

func (p *pairing) isPaired(u entity.UserID, d entity.DeviceID) bool {
	owner, ok := p.deviceToUser[d]
	return ok && owner == u
}

func (p *pairing) pairedCount() int {
	return len(p.deviceToUser)
}

// verify checks the pairing invariants against the registered ids.
func (p *pairing) verify(users map[entity.UserID]*user, devices map[entity.DeviceID]*device) error {
	for u, set := range p.userToDevices {
		if len(set) == 0 {
			return fmt.Errorf("user %s has an empty device set", u)
		}
		if _, ok := users[u]; !ok {
			return fmt.Errorf("paired user %s is not registered", u)
		}
		for d := range set {
			if owner, ok := p.deviceToUser[d]; !ok || owner != u {
				return fmt.Errorf("device %s listed under user %s but mapped to %s", d, u, owner)
			}
		}
	}
	for d, u := range p.deviceToUser {
		if _, ok := p.userToDevices[u][d]; !ok {
			return fmt.Errorf("device %s mapped to user %s but missing from its set", d, u)
		}
		if _, ok := p.open[d]; ok {
			return fmt.Errorf("device %s is both open and paired", d)
		}
		if _, ok := devices[d]; !ok {
			return fmt.Errorf("paired device %s is not registered", d)
		}
	}
	for d := range p.open {
		if _, ok := devices[d]; !ok {
			return fmt.Errorf("open device %s is not registered", d)
		}
	}
	for d := range devices {
		_, isOpen := p.open[d]
		_, isPaired := p.deviceToUser[d]
		if isOpen == isPaired {
			return fmt.Errorf("device %s open=%t paired=%t", d, isOpen, isPaired)
		}
	}
	return nil
}

func sortDeviceIDs(ids []entity.DeviceID) {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
}
