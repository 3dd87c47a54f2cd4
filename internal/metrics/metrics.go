// Package metrics holds the relay's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Event names used as the `event` label of aero_device_signaling_events_total.
const (
	UserRegistered     = "user_registered"
	UserUnregistered   = "user_unregistered"
	DeviceRegistered   = "device_registered"
	DeviceUnregistered = "device_unregistered"
	ConnectAccepted    = "connect_accepted"
	ConnectRejected    = "connect_rejected"
	DisconnectAccepted = "disconnect_accepted"
	DisconnectRejected = "disconnect_rejected"
	SignalRelayed      = "signal_relayed"
	SignalUnrouted     = "signal_unrouted"
	UnknownEntity      = "unknown_entity"

	NotificationDropped = "notification_dropped"
	ProtocolViolation   = "protocol_violation"
	RateLimited         = "rate_limited"
	OriginRejected      = "origin_rejected"
	InvariantViolation  = "invariant_violation"
)

const namespace = "aero_device_signaling"

// Metrics is a private Prometheus registry. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	reg *prometheus.Registry

	events  *prometheus.CounterVec
	users   prometheus.Gauge
	devices prometheus.Gauge
	paired  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Relay events by kind.",
		}, []string{"event"}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users",
			Help:      "Currently registered users.",
		}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Currently registered devices.",
		}),
		paired: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "paired_devices",
			Help:      "Devices currently paired with a user.",
		}),
	}
	m.reg.MustRegister(
		m.events, m.users, m.devices, m.paired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Inc(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

// Get returns the current value of an event counter.
func (m *Metrics) Get(event string) uint64 {
	if m == nil {
		return 0
	}
	var out dto.Metric
	if err := m.events.WithLabelValues(event).Write(&out); err != nil {
		return 0
	}
	return uint64(out.GetCounter().GetValue())
}

// SetEntities refreshes the registry size gauges.
func (m *Metrics) SetEntities(users, devices, paired int) {
	if m == nil {
		return
	}
	m.users.Set(float64(users))
	m.devices.Set(float64(devices))
	m.paired.Set(float64(paired))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
		})
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
