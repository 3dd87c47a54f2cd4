package hub

import (
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/metrics"
)

// encode unwraps a protocol encoder result. Encoding failures are logged and
// yield nil, which the notify helpers skip.
func (h *Hub) encode(msg []byte, err error) []byte {
	if err != nil {
		h.log.Error("failed to encode notification", "err", err)
		return nil
	}
	return msg
}

func (h *Hub) deliver(sink Sink, msg []byte) {
	if !sink.Enqueue(msg) {
		h.metrics.Inc(metrics.NotificationDropped)
	}
}

func (h *Hub) notifyUser(id entity.UserID, msg []byte) {
	if msg == nil {
		return
	}
	if u, ok := h.reg.user(id); ok {
		h.deliver(u.sink, msg)
	}
}

// notifyUsers sends the same message to every registered user.
func (h *Hub) notifyUsers(msg []byte) {
	if msg == nil {
		return
	}
	for _, u := range h.reg.users {
		h.deliver(u.sink, msg)
	}
}

func (h *Hub) notifyDevice(id entity.DeviceID, msg []byte) {
	if msg == nil {
		return
	}
	if d, ok := h.reg.device(id); ok {
		h.deliver(d.sink, msg)
	}
}
