// Package realtime keeps a seller's live order feed: one Socket.IO session,
// seller and order room membership, payload normalization, duplicate
// suppression and fan-out to in-process subscribers.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nkkko/orderfeed/internal/logging"
	"github.com/nkkko/orderfeed/internal/metrics"
	"github.com/nkkko/orderfeed/internal/transport"
	"github.com/nkkko/orderfeed/pkg/proto"
)

var (
	// ErrNoToken is returned by Connect when no bearer token is available
	ErrNoToken = errors.New("no auth token available")
	// ErrNoSellerID is returned by Connect when the seller id is empty
	ErrNoSellerID = errors.New("seller id is required")
	// ErrNoOrderID is returned by room operations given an empty order id
	ErrNoOrderID = errors.New("order id is required")
	// ErrNotConnected is returned by room operations while offline
	ErrNotConnected = errors.New("not connected")
)

const maxReconnectMessage = "Max reconnection attempts reached"

// TokenSource provides the current bearer token, empty when logged out
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Conn is the transport session the client drives
type Conn interface {
	Emitter
	Connected() bool
	Close() error
}

// Opener starts a transport session that reports to handler
type Opener func(opts transport.Options, handler transport.Handler) (Conn, error)

func openSocket(opts transport.Options, handler transport.Handler) (Conn, error) {
	s, err := transport.Open(opts, handler)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Option configures a Client
type Option func(*Client)

// WithOpener replaces the transport used to reach the server
func WithOpener(open Opener) Option {
	return func(c *Client) { c.open = open }
}

// WithClock replaces the clock used by duplicate suppression
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.ledger.now = now }
}

// Client is the realtime order event client. Create one per process and
// share it.
type Client struct {
	cfg     Config
	tokens  TokenSource
	open    Opener
	logger  zerolog.Logger
	metrics *metrics.Metrics
	ledger  *Ledger
	subs    *registry

	mu            sync.Mutex
	conn          Conn
	gen           uint64
	sellerID      string
	state         proto.ConnectionState
	connectErrors int
}

// New creates a disconnected client
func New(cfg Config, tokens TokenSource, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ledger, err := NewLedger(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:     cfg,
		tokens:  tokens,
		open:    openSocket,
		logger:  logging.Component("realtime"),
		metrics: metrics.GetMetrics(),
		ledger:  ledger,
		subs:    newRegistry(),
		state:   proto.StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.metrics.SetConnectionState(string(c.state))
	return c, nil
}

// Connect opens the session for sellerID. It returns without waiting for the
// server; progress is reported through connect, disconnect and error events.
// Calling Connect while connected only logs a warning.
func (c *Client) Connect(sellerID string) error {
	if sellerID == "" {
		c.logger.Error().Msg("Cannot connect without a seller id")
		return ErrNoSellerID
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.Connected() {
		c.logger.Warn().Str("seller_id", c.sellerID).Msg("Already connected")
		return nil
	}

	token := ""
	if c.tokens != nil {
		token = c.tokens.Token()
	}
	if token == "" {
		c.logger.Error().Str("seller_id", sellerID).Msg("No auth token available")
		return ErrNoToken
	}

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}

	c.gen++
	gen := c.gen
	opts := transport.Options{
		URL:  c.cfg.Origin,
		Path: c.cfg.Path,
		Query: url.Values{
			"token":    {token},
			"role":     {c.cfg.Role},
			"sellerId": {sellerID},
		},
		Reconnection:         true,
		ReconnectionAttempts: c.cfg.MaxReconnectAttempts,
		ReconnectionDelay:    c.cfg.ReconnectDelay,
		HandshakeTimeout:     c.cfg.HandshakeTimeout,
	}

	c.logger.Info().Str("origin", c.cfg.Origin).Str("seller_id", sellerID).Msg("Connecting")
	conn, err := c.open(opts, func(event string, args []json.RawMessage) {
		c.handle(gen, event, args)
	})
	if err != nil {
		c.logger.Error().Err(err).Str("seller_id", sellerID).Msg("Failed to open connection")
		return fmt.Errorf("failed to open connection: %w", err)
	}

	c.conn = conn
	c.sellerID = sellerID
	c.connectErrors = 0
	c.setState(proto.StateConnecting)
	return nil
}

// Disconnect tears the session down. It is safe to call when not connected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	conn := c.conn
	wasConnected := c.state == proto.StateConnected
	sellerID := c.sellerID
	c.conn = nil
	c.sellerID = ""
	c.connectErrors = 0
	c.gen++
	c.setState(proto.StateDisconnected)
	c.mu.Unlock()

	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		c.logger.Warn().Err(err).Msg("Error closing connection")
	}
	c.logger.Info().Str("seller_id", sellerID).Msg("Disconnected")

	if wasConnected {
		c.publish(&proto.ConnectionStateEvent{
			EventKind: proto.KindDisconnect,
			State:     proto.StateDisconnected,
			Reason:    transport.ReasonClientDisconnect,
		})
	}
}

// Reconnect replaces the session, typically after the seller identity
// changed. Events remembered for the previous session no longer suppress
// anything.
func (c *Client) Reconnect(sellerID string) error {
	c.Disconnect()
	c.ledger.Reset()
	c.metrics.LedgerSize.Set(0)
	return c.Connect(sellerID)
}

// IsConnected reports the transport state without blocking on the network
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Connected()
}

// State returns the current connection state
func (c *Client) State() proto.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SellerID returns the seller the session was opened for
func (c *Client) SellerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sellerID
}

// JoinOrderRoom asks the server to route events for orderID. Joining twice is
// harmless; the server treats joins idempotently.
func (c *Client) JoinOrderRoom(orderID string) error {
	return c.orderRoom(orderID, "join", joinRoom)
}

// LeaveOrderRoom mirrors JoinOrderRoom. Leaving a room never joined is harmless.
func (c *Client) LeaveOrderRoom(orderID string) error {
	return c.orderRoom(orderID, "leave", leaveRoom)
}

func (c *Client) orderRoom(orderID, op string, send func(Emitter, string) error) error {
	if orderID == "" {
		return ErrNoOrderID
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil || !conn.Connected() {
		c.logger.Debug().Str("order_id", orderID).Str("operation", op).Msg("Skipping order room operation while offline")
		return ErrNotConnected
	}

	if err := send(conn, orderID); err != nil {
		c.logger.Warn().Err(err).Str("room", orderID).Str("operation", op).Msg("Order room operation failed")
		return err
	}
	c.metrics.RoomOperations.WithLabelValues(op, "order").Inc()
	c.logger.Info().Str("room", orderID).Str("operation", op).Msg("Order room updated")
	return nil
}

// On registers callback for kind and returns its unsubscribe function.
// Callbacks for a kind run in registration order on the delivery goroutine.
func (c *Client) On(kind proto.Kind, callback Callback) Unsubscribe {
	if callback == nil {
		return func() {}
	}

	h := c.subs.add(kind, callback)
	c.metrics.Subscribers.WithLabelValues(string(kind)).Inc()
	c.logger.Debug().Str("kind", string(kind)).Str("subscription_id", h.id).Msg("Subscribed")

	return func() {
		if c.subs.remove(h) {
			c.metrics.Subscribers.WithLabelValues(string(kind)).Dec()
			c.logger.Debug().Str("kind", string(kind)).Str("subscription_id", h.id).Msg("Unsubscribed")
		}
	}
}

// OnNewOrder subscribes to new orders
func (c *Client) OnNewOrder(fn func(*proto.NewOrderEvent)) Unsubscribe {
	return c.On(proto.KindNewOrder, func(e proto.Event) {
		if ev, ok := e.(*proto.NewOrderEvent); ok {
			fn(ev)
		}
	})
}

// OnOrderUpdate subscribes to order status updates
func (c *Client) OnOrderUpdate(fn func(*proto.OrderUpdateEvent)) Unsubscribe {
	return c.On(proto.KindOrderUpdate, func(e proto.Event) {
		if ev, ok := e.(*proto.OrderUpdateEvent); ok {
			fn(ev)
		}
	})
}

// OnDriverAssigned subscribes to driver assignments
func (c *Client) OnDriverAssigned(fn func(*proto.DriverAssignedEvent)) Unsubscribe {
	return c.On(proto.KindDriverAssigned, func(e proto.Event) {
		if ev, ok := e.(*proto.DriverAssignedEvent); ok {
			fn(ev)
		}
	})
}

// OnDriverLocation subscribes to driver position samples
func (c *Client) OnDriverLocation(fn func(*proto.DriverLocationEvent)) Unsubscribe {
	return c.On(proto.KindDriverLocationUpdate, func(e proto.Event) {
		if ev, ok := e.(*proto.DriverLocationEvent); ok {
			fn(ev)
		}
	})
}

// OnConnection subscribes to connect and disconnect. Either function may be nil.
func (c *Client) OnConnection(onConnect func(), onDisconnect func(reason string)) Unsubscribe {
	var unsubs []Unsubscribe
	if onConnect != nil {
		unsubs = append(unsubs, c.On(proto.KindConnect, func(proto.Event) { onConnect() }))
	}
	if onDisconnect != nil {
		unsubs = append(unsubs, c.On(proto.KindDisconnect, func(e proto.Event) {
			reason := ""
			if ev, ok := e.(*proto.ConnectionStateEvent); ok {
				reason = ev.Reason
			}
			onDisconnect(reason)
		}))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// setState updates the state and gauge. Caller holds c.mu.
func (c *Client) setState(state proto.ConnectionState) {
	c.state = state
	c.metrics.SetConnectionState(string(state))
}

// current reports whether gen is still the live session
func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

// handle is the transport handler for session gen
func (c *Client) handle(gen uint64, event string, args []json.RawMessage) {
	switch event {
	case transport.EventConnect:
		c.handleConnect(gen)
	case transport.EventDisconnect:
		c.handleDisconnect(gen, stringArg(args))
	case transport.EventConnectError:
		c.handleConnectError(gen, stringArg(args))
	case transport.EventReconnectFailed:
		c.handleReconnectFailed(gen)
	case string(proto.KindError):
		c.handleServerError(gen, args)
	default:
		c.handleMessage(gen, event, args)
	}
}

func (c *Client) handleConnect(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	conn, sellerID := c.conn, c.sellerID
	c.connectErrors = 0
	c.setState(proto.StateConnected)
	c.mu.Unlock()

	c.logger.Info().Str("seller_id", sellerID).Msg("Connected successfully")

	// Room membership does not survive a reconnect, so every connect rejoins
	room := sellerRoom(c.cfg.SellerRoomPrefix, sellerID)
	if err := joinRoom(conn, room); err != nil {
		c.logger.Warn().Err(err).Str("room", room).Msg("Failed to join seller room")
	} else {
		c.metrics.RoomOperations.WithLabelValues("join", "seller").Inc()
		c.logger.Info().Str("room", room).Msg("Joined seller room")
	}

	c.publish(&proto.ConnectionStateEvent{EventKind: proto.KindConnect, State: proto.StateConnected})
}

func (c *Client) handleDisconnect(gen uint64, reason string) {
	state := proto.StateConnecting
	if reason == transport.ReasonServerDisconnect || reason == transport.ReasonClientDisconnect {
		state = proto.StateDisconnected
	}

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.setState(state)
	c.mu.Unlock()

	c.logger.Warn().Str("reason", reason).Str("state", string(state)).Msg("Disconnected")
	c.publish(&proto.ConnectionStateEvent{EventKind: proto.KindDisconnect, State: state, Reason: reason})
}

func (c *Client) handleConnectError(gen uint64, message string) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.connectErrors++
	attempt := c.connectErrors
	if attempt < c.cfg.MaxReconnectAttempts {
		c.setState(proto.StateConnecting)
		c.mu.Unlock()
		c.metrics.ConnectErrors.Inc()
		c.logger.Error().Str("error", message).Int("attempt", attempt).Msg("Connection error")
		return
	}

	// Ceiling reached: retire this session so nothing it reports later counts
	conn := c.conn
	c.conn = nil
	c.gen++
	c.setState(proto.StateDisconnected)
	c.mu.Unlock()

	c.metrics.ConnectErrors.Inc()
	c.metrics.FatalConnections.Inc()
	c.logger.Error().Str("error", message).Int("attempt", attempt).Msg("Max reconnection attempts reached")
	if conn != nil {
		_ = conn.Close()
	}

	c.publish(&proto.ConnectionStateEvent{
		EventKind: proto.KindError,
		State:     proto.StateDisconnected,
		Fatal:     true,
		Type:      proto.ErrorTypeMaxReconnect,
		Message:   maxReconnectMessage,
	})
}

func (c *Client) handleReconnectFailed(gen uint64) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.gen++
	c.setState(proto.StateDisconnected)
	c.mu.Unlock()

	c.logger.Error().Msg("Transport stopped reconnecting")
}

func (c *Client) handleServerError(gen uint64, args []json.RawMessage) {
	if !c.current(gen) {
		return
	}

	message := "unknown error"
	if len(args) > 0 {
		message = errorMessage(args[0])
	}
	c.logger.Error().Str("error", message).Msg("Server error")
	c.publish(&proto.ConnectionStateEvent{EventKind: proto.KindError, State: c.State(), Message: message})
}

func (c *Client) handleMessage(gen uint64, event string, args []json.RawMessage) {
	if !c.current(gen) {
		return
	}
	c.metrics.EventsReceived.WithLabelValues(event).Inc()

	kind, ok := canonicalKind(event)
	if !ok {
		c.metrics.EventsDropped.WithLabelValues(event, dropUnknownEvent).Inc()
		c.logger.Debug().Str("event", event).Msg("Ignoring unknown event")
		return
	}
	if len(args) == 0 {
		c.metrics.EventsDropped.WithLabelValues(string(kind), dropEmptyPayload).Inc()
		c.logger.Warn().Str("kind", string(kind)).Msg("Dropping event without payload")
		return
	}

	ev, key, err := normalize(kind, args[0])
	if err != nil {
		c.metrics.EventsDropped.WithLabelValues(string(kind), dropReason(err)).Inc()
		c.logger.Warn().Err(err).Str("kind", string(kind)).Str("event", event).Msg("Dropping malformed payload")
		return
	}

	if key != "" {
		dup := c.ledger.Seen(key)
		c.metrics.LedgerSize.Set(float64(c.ledger.Len()))
		if dup {
			c.metrics.EventsDropped.WithLabelValues(string(kind), dropDuplicate).Inc()
			c.logger.Debug().Str("key", key).Msg("Suppressed duplicate event")
			return
		}
	}

	logEvent(c.logger, ev)
	c.publish(ev)
}

// publish delivers ev to the subscribers of its kind in registration order
func (c *Client) publish(ev proto.Event) {
	kind := ev.Kind()
	for _, h := range c.subs.snapshot(kind) {
		if h.removed.Load() {
			continue
		}
		c.invoke(h, ev)
	}
	c.metrics.EventsDispatched.WithLabelValues(string(kind)).Inc()
}

func (c *Client) invoke(h *handle, ev proto.Event) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.SubscriberPanics.WithLabelValues(string(h.kind)).Inc()
			c.logger.Error().
				Interface("panic", r).
				Str("kind", string(h.kind)).
				Str("subscription_id", h.id).
				Msg("Subscriber callback panicked")
		}
	}()
	h.callback(ev)
}

func logEvent(logger zerolog.Logger, ev proto.Event) {
	// Location samples are too frequent for info
	if _, ok := ev.(*proto.DriverLocationEvent); ok {
		return
	}

	e := logger.Info().Str("kind", string(ev.Kind()))
	switch v := ev.(type) {
	case *proto.NewOrderEvent:
		e.Str("order_id", v.Order.Ref()).Msg("New order received")
	case *proto.OrderUpdateEvent:
		e.Str("order_id", v.OrderID).Str("status", v.Status).Msg("Order update")
	case *proto.OrderDecisionEvent:
		e.Str("order_id", v.Order.Ref()).Msg("Order decision")
	case *proto.DriverAssignedEvent:
		e.Str("order_id", v.OrderID).Str("driver", v.Driver.Name).Msg("Driver assigned")
	case *proto.DriverArrivedEvent:
		e.Str("order_id", v.OrderID).Msg("Driver arrived")
	case *proto.OrderPickedUpEvent:
		e.Str("order_id", v.OrderID).Msg("Order picked up")
	case *proto.OrderDeliveredEvent:
		e.Str("order_id", v.OrderID).Msg("Order delivered")
	case *proto.NotificationEvent:
		e.Str("title", v.Title).Msg("Notification")
	default:
		e.Msg("Event received")
	}
}

func stringArg(args []json.RawMessage) string {
	if len(args) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err != nil {
		return string(args[0])
	}
	return s
}

func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
