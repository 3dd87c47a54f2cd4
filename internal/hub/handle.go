package hub

import (
	"context"
	"encoding/json"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
)

// Handle submits commands to a Hub. It holds no state of its own; the zero
// value is not usable, get one from Hub.Handle.
//
// Methods without a reply return once the command is queued. They only block
// while the queue is full, and fail with ErrStopped after Run has returned.
type Handle struct {
	cmds chan<- command
	done <-chan struct{}
}

func (h *Handle) submit(ctx context.Context, cmd command) error {
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.cmds <- cmd:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterUser creates a user whose notifications go to sink and returns its
// id. The sink immediately receives the current open-device list.
//
// If ctx ends after the command was queued, the user is unregistered again as
// soon as its id arrives.
func (h *Handle) RegisterUser(ctx context.Context, sink Sink) (entity.UserID, error) {
	reply := make(chan entity.UserID, 1)
	if err := h.submit(ctx, registerUserCmd{sink: sink, reply: reply}); err != nil {
		return entity.UserID{}, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-h.done:
		return entity.UserID{}, ErrStopped
	case <-ctx.Done():
		go func() {
			select {
			case id := <-reply:
				_ = h.UnregisterUser(id)
			case <-h.done:
			}
		}()
		return entity.UserID{}, ctx.Err()
	}
}

func (h *Handle) UnregisterUser(id entity.UserID) error {
	return h.submit(context.Background(), unregisterUserCmd{user: id})
}

// RegisterDevice creates an open device with the given display name and
// returns its id. Every registered user is told about it.
func (h *Handle) RegisterDevice(ctx context.Context, name string, sink Sink) (entity.DeviceID, error) {
	reply := make(chan entity.DeviceID, 1)
	if err := h.submit(ctx, registerDeviceCmd{name: name, sink: sink, reply: reply}); err != nil {
		return entity.DeviceID{}, err
	}
	select {
	case id := <-reply:
		return id, nil
	case <-h.done:
		return entity.DeviceID{}, ErrStopped
	case <-ctx.Done():
		go func() {
			select {
			case id := <-reply:
				_ = h.UnregisterDevice(id)
			case <-h.done:
			}
		}()
		return entity.DeviceID{}, ctx.Err()
	}
}

func (h *Handle) UnregisterDevice(id entity.DeviceID) error {
	return h.submit(context.Background(), unregisterDeviceCmd{device: id})
}

// Connect asks to pair device with user. The outcome is reported to the user
// as notifications.
func (h *Handle) Connect(user entity.UserID, device entity.DeviceID) error {
	return h.submit(context.Background(), connectCmd{user: user, device: device})
}

func (h *Handle) Disconnect(user entity.UserID, device entity.DeviceID) error {
	return h.submit(context.Background(), disconnectCmd{user: user, device: device})
}

// UserSignaling relays signal from user to device if the two are paired.
func (h *Handle) UserSignaling(user entity.UserID, device entity.DeviceID, signal json.RawMessage) error {
	return h.submit(context.Background(), userSignalingCmd{user: user, device: device, signal: signal})
}

// DeviceSignaling relays signal from device to its paired user.
func (h *Handle) DeviceSignaling(device entity.DeviceID, signal json.RawMessage) error {
	return h.submit(context.Background(), deviceSignalingCmd{device: device, signal: signal})
}

// Stats returns registry sizes as seen by the Run loop. Commands the calling
// goroutine queued earlier have been applied when it returns.
func (h *Handle) Stats(ctx context.Context) (Stats, error) {
	reply := make(chan Stats, 1)
	if err := h.submit(ctx, statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-h.done:
		return Stats{}, ErrStopped
	case <-ctx.Done():
		return Stats{}, ctx.Err()
	}
}
