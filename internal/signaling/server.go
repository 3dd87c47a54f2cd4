package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/hub"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/origin"
)

// Defaults applied by Config for zero fields. Process configuration starts
// from the same values.
const (
	DefaultPingInterval          = 5 * time.Second
	DefaultIdleTimeout           = 10 * time.Second
	DefaultMaxMessageBytes       = 2 << 20
	DefaultMaxMessagesPerSecond  = 50
	DefaultOutboundQueueMessages = 256
	DefaultOutboundQueueBytes    = 4 << 20

	maxDeviceNameBytes = 256
)

// Relay is the subset of *hub.Handle the server drives.
type Relay interface {
	RegisterUser(ctx context.Context, sink hub.Sink) (entity.UserID, error)
	UnregisterUser(user entity.UserID) error
	RegisterDevice(ctx context.Context, name string, sink hub.Sink) (entity.DeviceID, error)
	UnregisterDevice(device entity.DeviceID) error
	Connect(user entity.UserID, device entity.DeviceID) error
	Disconnect(user entity.UserID, device entity.DeviceID) error
	UserSignaling(user entity.UserID, device entity.DeviceID, signal json.RawMessage) error
	DeviceSignaling(device entity.DeviceID, signal json.RawMessage) error
	Stats(ctx context.Context) (hub.Stats, error)
}

type Config struct {
	Relay   Relay
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Origins *origin.Policy

	PingInterval         time.Duration
	IdleTimeout          time.Duration
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	OutboundQueueMessages int
	OutboundQueueBytes    int
}

func (c Config) withDefaults() Config {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	if c.OutboundQueueMessages <= 0 {
		c.OutboundQueueMessages = DefaultOutboundQueueMessages
	}
	if c.OutboundQueueBytes <= 0 {
		c.OutboundQueueBytes = DefaultOutboundQueueBytes
	}
	return c
}

// Server upgrades registration requests to WebSocket connections and binds
// each one to a hub entity.
type Server struct {
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
}

func NewServer(cfg Config) *Server {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /signaling/register/user", s.handleRegisterUser)
	mux.HandleFunc("GET /signaling/register/device/{name}", s.handleRegisterDevice)
	mux.HandleFunc("GET /signaling/stats", s.handleStats)
}

// Close tells every live connection to go away and waits for their
// unregistration to be submitted.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.conns.Wait()
}

// track reserves a slot for a new connection. It fails once Close started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Origins == nil {
		return true
	}
	if _, ok := s.cfg.Origins.Check(r); !ok {
		s.metrics.Inc(metrics.OriginRejected)
		s.log.Debug("websocket origin rejected", "origin", r.Header.Get("Origin"))
		return false
	}
	return true
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := s.newConn(conn)
	defer c.close()

	id, err := s.cfg.Relay.RegisterUser(r.Context(), c.out)
	if err != nil {
		s.log.Warn("user registration failed", "err", err)
		c.closeWith(websocket.CloseTryAgainLater, "relay unavailable")
		return
	}
	defer func() { _ = s.cfg.Relay.UnregisterUser(id) }()

	c.log = s.log.With("user_id", id.String(), "remote_addr", r.RemoteAddr)
	c.log.Debug("user connected")
	c.serve(func(msg []byte) error {
		return s.dispatchUser(id, msg)
	})
	c.log.Debug("user disconnected")
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if name == "" || len(name) > maxDeviceNameBytes || !utf8.ValidString(name) {
		writeJSONError(w, http.StatusBadRequest, "invalid device name")
		return
	}

	if !s.track() {
		writeJSONError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := s.newConn(conn)
	defer c.close()

	id, err := s.cfg.Relay.RegisterDevice(r.Context(), name, c.out)
	if err != nil {
		s.log.Warn("device registration failed", "name", name, "err", err)
		c.closeWith(websocket.CloseTryAgainLater, "relay unavailable")
		return
	}
	defer func() { _ = s.cfg.Relay.UnregisterDevice(id) }()

	c.log = s.log.With("device_id", id.String(), "device_name", name, "remote_addr", r.RemoteAddr)
	c.log.Debug("device connected")
	c.serve(func(msg []byte) error {
		return s.dispatchDevice(id, msg)
	})
	c.log.Debug("device disconnected")
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.checkOrigin(r) {
		writeJSONError(w, http.StatusForbidden, "origin not allowed")
		return
	}
	stats, err := s.cfg.Relay.Stats(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "relay unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type httpErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, httpErrorResponse{Error: msg})
}
