// Package hub is the relay's connection-state engine.
//
// A single goroutine (Run) owns the user and device registries and the
// pairing state. Connections talk to it only through a Handle, which queues
// commands on a channel; every state change and the notifications it causes
// happen before the next command is dequeued.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/protocol"
)

// DefaultQueueSize is the command channel capacity used when
// Config.QueueSize is unset.
const DefaultQueueSize = 1024

type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// QueueSize bounds the command channel. Producers block while it is full.
	QueueSize int

	// VerifyInvariants re-checks the pairing state after every command and
	// logs any violation. It costs a full scan per command.
	VerifyInvariants bool
}

type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	verify  bool

	cmds    chan command
	done    chan struct{}
	running atomic.Bool

	reg  *registry
	pair *pairing
}

func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Hub{
		log:     logger,
		metrics: cfg.Metrics,
		verify:  cfg.VerifyInvariants,
		cmds:    make(chan command, size),
		done:    make(chan struct{}),
		reg:     newRegistry(),
		pair:    newPairing(),
	}
}

// Handle returns a handle for submitting commands. Handles may be shared
// freely between goroutines.
func (h *Hub) Handle() *Handle {
	return &Handle{cmds: h.cmds, done: h.done}
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes commands until ctx is cancelled and returns ctx.Err(). It may
// only be called once.
func (h *Hub) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return errors.New("hub: Run called more than once")
	}
	defer close(h.done)

	h.log.Info("hub running")
	for {
		select {
		case <-ctx.Done():
			h.log.Info("hub stopped", "users", len(h.reg.users), "devices", len(h.reg.devices))
			return ctx.Err()
		case cmd := <-h.cmds:
			h.apply(cmd)
		}
	}
}

func (h *Hub) apply(cmd command) {
	switch c := cmd.(type) {
	case registerUserCmd:
		h.registerUser(c)
	case unregisterUserCmd:
		h.unregisterUser(c)
	case registerDeviceCmd:
		h.registerDevice(c)
	case unregisterDeviceCmd:
		h.unregisterDevice(c)
	case connectCmd:
		h.connect(c)
	case disconnectCmd:
		h.disconnect(c)
	case userSignalingCmd:
		h.userSignaling(c)
	case deviceSignalingCmd:
		h.deviceSignaling(c)
	case statsCmd:
		c.reply <- h.stats()
		return
	default:
		h.log.Error("unknown hub command", "command", cmd)
		return
	}

	h.metrics.SetEntities(len(h.reg.users), len(h.reg.devices), h.pair.pairedCount())
	if h.verify {
		if err := h.pair.verify(h.reg.users, h.reg.devices); err != nil {
			h.metrics.Inc(metrics.InvariantViolation)
			h.log.Error("pairing invariant violated", "err", err)
		} else if err := h.verifyDeviceStates(); err != nil {
			h.metrics.Inc(metrics.InvariantViolation)
			h.log.Error("device state invariant violated", "err", err)
		}
	}
}

func (h *Hub) registerUser(c registerUserCmd) {
	u := h.reg.addUser(c.sink)
	c.reply <- u.id
	h.metrics.Inc(metrics.UserRegistered)
	h.log.Debug("user registered", "user_id", u.id)

	h.notifyUser(u.id, h.encode(protocol.UpdateDevices(h.openDeviceRecords())))
}

func (h *Hub) unregisterUser(c unregisterUserCmd) {
	if _, ok := h.reg.removeUser(c.user); !ok {
		return
	}
	h.metrics.Inc(metrics.UserUnregistered)

	freed := h.pair.removeUser(c.user)
	h.log.Debug("user unregistered", "user_id", c.user, "freed_devices", len(freed))
	if len(freed) == 0 {
		return
	}
	records := make([]entity.Device, 0, len(freed))
	for _, id := range freed {
		if d, ok := h.reg.device(id); ok {
			d.State = entity.DeviceOpen
			records = append(records, d.Device)
		}
	}
	sortDevices(records)
	h.notifyUsers(h.encode(protocol.UpdateDevices(records)))
}

func (h *Hub) registerDevice(c registerDeviceCmd) {
	d := h.reg.addDevice(c.name, c.sink)
	h.pair.addDevice(d.ID)
	c.reply <- d.ID
	h.metrics.Inc(metrics.DeviceRegistered)
	h.log.Debug("device registered", "device_id", d.ID, "device_name", d.Name)

	h.notifyUsers(h.encode(protocol.UpdateDevices([]entity.Device{d.Device})))
}

func (h *Hub) unregisterDevice(c unregisterDeviceCmd) {
	if _, ok := h.reg.removeDevice(c.device); !ok {
		return
	}
	h.metrics.Inc(metrics.DeviceUnregistered)

	if u, paired := h.pair.removeDevice(c.device); paired {
		h.log.Debug("paired device unregistered", "device_id", c.device, "user_id", u)
		h.notifyUser(u, h.encode(protocol.RemoveConnectedDevice(c.device)))
		return
	}
	h.log.Debug("device unregistered", "device_id", c.device)
	h.notifyUsers(h.encode(protocol.RemoveDevice(c.device)))
}

func (h *Hub) connect(c connectCmd) {
	d, ok := h.lookupPair(c.user, c.device)
	if !ok {
		return
	}

	if err := h.pair.connect(c.user, c.device); err != nil {
		h.metrics.Inc(metrics.ConnectRejected)
		h.log.Debug("connect rejected", "user_id", c.user, "device_id", c.device, "err", err)
		h.notifyUser(c.user, h.encode(protocol.Error(err.Error())))
		return
	}
	h.metrics.Inc(metrics.ConnectAccepted)

	wasOpen := d.State == entity.DeviceOpen
	d.State = entity.DeviceConnected
	h.log.Debug("device paired", "user_id", c.user, "device_id", c.device)
	if wasOpen {
		h.notifyUsers(h.encode(protocol.RemoveDevice(c.device)))
	}
	h.notifyUser(c.user, h.encode(protocol.UpdateConnectedDevice(d.Device)))
}

func (h *Hub) disconnect(c disconnectCmd) {
	d, ok := h.lookupPair(c.user, c.device)
	if !ok {
		return
	}

	// The user drops the device from its connected list whatever the outcome;
	// a rejected disconnect is followed by an Error.
	h.notifyUser(c.user, h.encode(protocol.RemoveConnectedDevice(c.device)))

	if err := h.pair.disconnect(c.user, c.device); err != nil {
		h.metrics.Inc(metrics.DisconnectRejected)
		h.log.Debug("disconnect rejected", "user_id", c.user, "device_id", c.device, "err", err)
		h.notifyUser(c.user, h.encode(protocol.Error(err.Error())))
		return
	}
	h.metrics.Inc(metrics.DisconnectAccepted)

	d.State = entity.DeviceOpen
	h.log.Debug("device unpaired", "user_id", c.user, "device_id", c.device)
	h.notifyUsers(h.encode(protocol.UpdateDevices([]entity.Device{d.Device})))
}

func (h *Hub) userSignaling(c userSignalingCmd) {
	if !h.pair.isPaired(c.user, c.device) {
		h.metrics.Inc(metrics.SignalUnrouted)
		return
	}
	h.metrics.Inc(metrics.SignalRelayed)
	h.notifyDevice(c.device, h.encode(protocol.UserSignaling(c.signal)))
}

func (h *Hub) deviceSignaling(c deviceSignalingCmd) {
	if _, ok := h.reg.device(c.device); !ok {
		h.metrics.Inc(metrics.UnknownEntity)
		return
	}
	u, ok := h.pair.pairedUser(c.device)
	if !ok {
		h.metrics.Inc(metrics.SignalUnrouted)
		h.notifyDevice(c.device, h.encode(protocol.Error(ErrNotPaired.Error())))
		return
	}
	h.metrics.Inc(metrics.SignalRelayed)
	h.notifyUser(u, h.encode(protocol.DeviceSignaling(c.device, c.signal)))
}

// lookupPair resolves both sides of a Connect or Disconnect. Commands naming
// an entity that has already gone are dropped without a reply.
func (h *Hub) lookupPair(userID entity.UserID, deviceID entity.DeviceID) (*device, bool) {
	if _, ok := h.reg.user(userID); !ok {
		h.metrics.Inc(metrics.UnknownEntity)
		return nil, false
	}
	d, ok := h.reg.device(deviceID)
	if !ok {
		h.metrics.Inc(metrics.UnknownEntity)
		return nil, false
	}
	return d, true
}

func (h *Hub) openDeviceRecords() []entity.Device {
	ids := h.pair.openDevices()
	out := make([]entity.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := h.reg.device(id); ok {
			out = append(out, d.Device)
		}
	}
	sortDevices(out)
	return out
}

func (h *Hub) stats() Stats {
	return Stats{
		Users:         len(h.reg.users),
		Devices:       len(h.reg.devices),
		OpenDevices:   len(h.pair.open),
		PairedDevices: h.pair.pairedCount(),
	}
}

func (h *Hub) verifyDeviceStates() error {
	for id, d := range h.reg.devices {
		_, paired := h.pair.pairedUser(id)
		if paired != (d.State == entity.DeviceConnected) {
			return fmt.Errorf("device %s state %s disagrees with pairing", id, d.State)
		}
	}
	return nil
}

// sortDevices orders records by name, then id, so listings are stable.
func sortDevices(devices []entity.Device) {
	sort.SliceStable(devices, func(i, j int) bool {
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}
		return devices[i].ID.String() < devices[j].ID.String()
	})
}
