package signaling

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/entity"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/outbox"
	"github.com/wilsonzlin/aero/proxy/device-signaling-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

// protocolError is a client mistake. The client gets an Error notification
// before the connection is closed.
type protocolError struct {
	msg string
}

func (e *protocolError) Error() string { return e.msg }

type wsConn struct {
	srv     *Server
	conn    *websocket.Conn
	out     *outbox.Outbox
	log     *slog.Logger
	limiter *rate.Limiter

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	writer    sync.WaitGroup
}

func (s *Server) newConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		srv:     s,
		conn:    conn,
		out:     outbox.New(s.cfg.OutboundQueueMessages, s.cfg.OutboundQueueBytes),
		log:     s.log,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond),
		done:    make(chan struct{}),
	}
}

// serve runs the connection until the peer goes away, the idle timeout
// elapses, a frame is rejected, or the server shuts down.
func (c *wsConn) serve(handle func(msg []byte) error) {
	idle := c.srv.cfg.IdleTimeout
	_ = c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	c.writer.Add(1)
	go c.writeLoop()

	for {
		msgType, msgReader, err := c.conn.NextReader()
		if err != nil {
			if isTimeout(err) {
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(idle))

		if !c.limiter.Allow() {
			c.srv.metrics.Inc(metrics.RateLimited)
			c.fail(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.ProtocolViolation)
			c.fail(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := readLimited(msgReader, c.srv.cfg.MaxMessageBytes)
		if err != nil {
			if errors.Is(err, errMessageTooLarge) {
				c.srv.metrics.Inc(metrics.ProtocolViolation)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
				return
			}
			c.closeWith(websocket.CloseInternalServerErr, "failed to read message")
			return
		}

		if err := handle(msg); err != nil {
			var perr *protocolError
			if errors.As(err, &perr) {
				c.srv.metrics.Inc(metrics.ProtocolViolation)
				c.log.Debug("protocol violation", "err", err)
				c.fail(websocket.ClosePolicyViolation, perr.msg)
				return
			}
			c.closeWith(websocket.CloseTryAgainLater, "relay unavailable")
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	defer c.writer.Done()

	ticker := time.NewTicker(c.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.out.Ready():
			for _, msg := range c.out.Drain() {
				if err := c.writeText(msg); err != nil {
					_ = c.conn.Close()
					return
				}
			}
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.conn.Close()
				return
			}
		case <-c.srv.ctx.Done():
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			_ = c.conn.Close()
			return
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) writeText(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeTextLocked(msg)
}

func (c *wsConn) writeTextLocked(msg []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, msg)
}

// fail sends an Error notification immediately followed by the close frame,
// bypassing the outbox so the reason is not lost behind queued notifications.
func (c *wsConn) fail(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if msg, err := protocol.Error(reason); err == nil {
		_ = c.writeTextLocked(msg)
	}
	writeClose(c.conn, code, reason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeClose(c.conn, code, reason)
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writer.Wait()
		c.out.Close()
		_ = c.conn.Close()
	})
}

func (s *Server) dispatchUser(id entity.UserID, msg []byte) error {
	cmd, err := protocol.ParseUserCommand(msg)
	if err != nil {
		return &protocolError{msg: "invalid command: " + err.Error()}
	}
	switch cmd.Type {
	case protocol.CommandConnect:
		return s.cfg.Relay.Connect(id, *cmd.DeviceID)
	case protocol.CommandDisconnect:
		return s.cfg.Relay.Disconnect(id, *cmd.DeviceID)
	case protocol.CommandUserSignaling:
		return s.cfg.Relay.UserSignaling(id, *cmd.DeviceID, cmd.Signal)
	}
	return nil
}

func (s *Server) dispatchDevice(id entity.DeviceID, msg []byte) error {
	cmd, err := protocol.ParseDeviceCommand(msg)
	if err != nil {
		return &protocolError{msg: "invalid command: " + err.Error()}
	}
	return s.cfg.Relay.DeviceSignaling(id, cmd.Signal)
}

// Close frame payloads are capped at 125 bytes, two of which hold the code.
const maxCloseReasonBytes = 123

func writeClose(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReasonBytes {
		reason = reason[:maxCloseReasonBytes]
		for !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var errMessageTooLarge = errors.New("message too large")

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, errMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errMessageTooLarge
	}
	return b, nil
}
