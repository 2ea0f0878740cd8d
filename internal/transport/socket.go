// Package transport is a minimal Socket.IO v4 client over a websocket.
// It dials, keeps the Engine.IO heartbeat alive, reconnects on a fixed
// delay and reports both server events and lifecycle changes through a
// single handler goroutine.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nkkko/orderfeed/internal/logging"
)

// Lifecycle pseudo-events delivered to the Handler alongside server events
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventConnectError    = "connect_error"
	EventReconnectFailed = "reconnect_failed"
)

// Disconnect reasons
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)

var errMalformed = errors.New("malformed packet")

var (
	// ErrNotConnected is returned by Emit while no session is established
	ErrNotConnected = errors.New("socket is not connected")
	// ErrClosed is returned once Close has been called
	ErrClosed = errors.New("socket is closed")
)

// Handler receives every event in arrival order. Lifecycle events carry
// their reason or error message as a single JSON string argument.
type Handler func(event string, args []json.RawMessage)

// Options configures a Socket
type Options struct {
	// URL is the server origin, http(s) or ws(s)
	URL string
	// Path is the Socket.IO endpoint path, "/socket.io/" when empty
	Path string
	// Namespace defaults to "/"
	Namespace string
	// Query is appended to the handshake URL
	Query url.Values

	Reconnection         bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	HandshakeTimeout     time.Duration
	WriteTimeout         time.Duration

	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Path == "" {
		out.Path = "/socket.io/"
	}
	if out.Namespace == "" {
		out.Namespace = defaultNamespace
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 5 * time.Second
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Socket is a Socket.IO client connection that survives transport drops
type Socket struct {
	opts    Options
	target  string
	handler Handler
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed once run returns

	mu        sync.Mutex
	conn      *websocket.Conn
	heartbeat time.Duration
	writeMu   sync.Mutex
	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open validates the options and starts connecting in the background. The
// returned Socket delivers "connect" once the handshake completes.
func Open(opts Options, handler Handler) (*Socket, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	opts = opts.withDefaults()

	target, err := buildURL(opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		opts:    opts,
		target:  target,
		handler: handler,
		logger:  logging.Component("transport"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go s.run()
	return s, nil
}

func buildURL(opts Options) (string, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", opts.URL, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", opts.URL)
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.Trim(opts.Path, "/") + "/"

	q := url.Values{}
	for k, v := range opts.Query {
		q[k] = append([]string(nil), v...)
	}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Connected reports whether a session is currently established
func (s *Socket) Connected() bool {
	return s.connected.Load()
}

// Emit sends an event with JSON-encoded arguments
func (s *Socket) Emit(event string, args ...any) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !s.connected.Load() {
		return ErrNotConnected
	}

	frame, err := encodeEvent(s.opts.Namespace, event, args...)
	if err != nil {
		return err
	}
	return s.write(conn, frame)
}

// Close stops the socket. No handler calls are made after Close returns.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn != nil {
			if s.connected.Load() {
				_ = s.write(conn, encodeControl(packetDisconnect, s.opts.Namespace))
			}
			_ = conn.Close()
		}
		s.connected.Store(false)
	})
	return nil
}

func (s *Socket) write(conn *websocket.Conn, frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (s *Socket) dispatch(event string, args ...json.RawMessage) {
	if s.closed.Load() {
		return
	}
	s.handler(event, args)
}

func (s *Socket) dispatchReason(event, reason string) {
	raw, _ := json.Marshal(reason)
	s.dispatch(event, raw)
}

func (s *Socket) run() {
	defer close(s.done)

	failures := 0
	for {
		if s.closed.Load() {
			return
		}

		conn, err := s.dial()
		if err != nil {
			if s.closed.Load() {
				return
			}
			failures++
			s.logger.Warn().Err(err).Int("attempt", failures).Msg("Connection attempt failed")
			s.dispatchReason(EventConnectError, err.Error())

			if !s.opts.Reconnection || failures > s.opts.ReconnectionAttempts {
				s.logger.Error().Int("attempts", failures).Msg("Giving up reconnecting")
				s.dispatch(EventReconnectFailed)
				return
			}
			if !s.sleep(s.opts.ReconnectionDelay) {
				return
			}
			continue
		}

		failures = 0
		s.logger.Info().Str("origin", s.opts.URL).Msg("Connected")
		s.dispatch(EventConnect)

		reason := s.readLoop(conn)

		s.connected.Store(false)
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()

		if s.closed.Load() {
			return
		}

		s.logger.Info().Str("reason", reason).Msg("Disconnected")
		s.dispatchReason(EventDisconnect, reason)

		if reason == ReasonServerDisconnect || !s.opts.Reconnection {
			return
		}
		if !s.sleep(s.opts.ReconnectionDelay) {
			return
		}
	}
}

func (s *Socket) sleep(d time.Duration) bool {
	if d <= 0 {
		return !s.closed.Load()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// dial opens the websocket and completes the Engine.IO and Socket.IO handshakes
func (s *Socket) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := s.opts.Dialer.DialContext(ctx, s.target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket error: %s", resp.Status)
		}
		return nil, fmt.Errorf("websocket error: %w", err)
	}

	if err := s.handshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, ErrClosed
	}
	s.conn = conn
	s.connected.Store(true)
	s.mu.Unlock()
	return conn, nil
}

func (s *Socket) handshake(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))

	p, err := s.readPacket(conn)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}
	if p.engine != engineOpen {
		return fmt.Errorf("handshake failed: expected open packet, got %q", p.engine)
	}
	var hs handshake
	if err := json.Unmarshal(p.data, &hs); err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	if err := s.write(conn, encodeControl(packetConnect, s.opts.Namespace)); err != nil {
		return err
	}

	for {
		p, err := s.readPacket(conn)
		if err != nil {
			return fmt.Errorf("handshake failed: %w", err)
		}
		switch {
		case p.engine == enginePing:
			if err := s.write(conn, string(enginePong)); err != nil {
				return err
			}
		case p.engine == engineMessage && p.kind == packetConnect:
			s.setHeartbeat(conn, hs)
			return nil
		case p.engine == engineMessage && p.kind == packetConnectError:
			return connectError(p.data)
		case p.engine == engineClose:
			return errors.New("server closed the connection during handshake")
		}
	}
}

// connectError extracts the server's reason from a CONNECT_ERROR payload,
// which is either {"message": "..."} or a bare string.
func connectError(data json.RawMessage) error {
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.Message != "" {
		return errors.New(obj.Message)
	}
	var msg string
	if err := json.Unmarshal(data, &msg); err == nil && msg != "" {
		return errors.New(msg)
	}
	return errors.New("connection refused by server")
}

func (s *Socket) setHeartbeat(conn *websocket.Conn, hs handshake) {
	timeout := time.Duration(hs.PingInterval+hs.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		_ = conn.SetReadDeadline(time.Time{})
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	s.heartbeat = timeout
}

func (s *Socket) readPacket(conn *websocket.Conn) (packet, error) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return packet{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		p, err := decodePacket(string(data))
		if err != nil {
			return packet{}, fmt.Errorf("%w: %v", errMalformed, err)
		}
		return p, nil
	}
}

// readLoop consumes packets until the session ends and returns the disconnect reason
func (s *Socket) readLoop(conn *websocket.Conn) string {
	for {
		p, err := s.readPacket(conn)
		if err != nil {
			if s.closed.Load() {
				return ReasonClientDisconnect
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ReasonPingTimeout
			}
			if errors.Is(err, errMalformed) {
				s.logger.Warn().Err(err).Msg("Skipping malformed packet")
				continue
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return ReasonTransportClose
			}
			return ReasonTransportError
		}

		switch p.engine {
		case enginePing:
			if s.heartbeat > 0 {
				_ = conn.SetReadDeadline(time.Now().Add(s.heartbeat))
			}
			if err := s.write(conn, string(enginePong)); err != nil {
				return ReasonTransportError
			}
		case engineClose:
			return ReasonTransportClose
		case engineMessage:
			if p.namespace != s.opts.Namespace {
				continue
			}
			switch p.kind {
			case packetEvent:
				name, args, err := decodeEvent(p.data)
				if err != nil {
					s.logger.Warn().Err(err).Msg("Skipping malformed event")
					continue
				}
				s.dispatch(name, args...)
			case packetDisconnect:
				return ReasonServerDisconnect
			case packetBinaryEvent, packetBinaryAck:
				s.logger.Warn().Msg("Binary packets are not supported, skipping")
			}
		}
	}
}
