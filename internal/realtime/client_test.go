package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/orderfeed/internal/transport"
	"github.com/nkkko/orderfeed/pkg/proto"
)

func init() {
	var mu sync.Mutex
	var counter int
	generateID = func() string {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return fmt.Sprintf("test-subscription-id-%d", counter)
	}
}

type emitted struct {
	event string
	args  string
}

// fakeConn stands in for a transport session. Tests drive the handler
// directly, so delivery happens on the test goroutine.
type fakeConn struct {
	mu        sync.Mutex
	opts      transport.Options
	handler   transport.Handler
	connected bool
	closed    bool
	emitted   []emitted
}

func (f *fakeConn) Emit(event string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	if !f.connected {
		return transport.ErrNotConnected
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	f.emitted = append(f.emitted, emitted{event: event, args: string(data)})
	return nil
}

func (f *fakeConn) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected && !f.closed
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.connected = false
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emitted...)
}

func (f *fakeConn) connect() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.handler(transport.EventConnect, nil)
}

func (f *fakeConn) drop(reason string) {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.handler(transport.EventDisconnect, []json.RawMessage{quote(reason)})
}

func (f *fakeConn) fail(message string) {
	f.handler(transport.EventConnectError, []json.RawMessage{quote(message)})
}

func (f *fakeConn) deliver(event, payload string) {
	f.handler(event, []json.RawMessage{json.RawMessage(payload)})
}

func quote(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

type fakeNetwork struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (n *fakeNetwork) open(opts transport.Options, handler transport.Handler) (Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := &fakeConn{opts: opts, handler: handler}
	n.conns = append(n.conns, c)
	return c, nil
}

func (n *fakeNetwork) opened() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.conns)
}

func (n *fakeNetwork) last() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.conns) == 0 {
		return nil
	}
	return n.conns[len(n.conns)-1]
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	client *Client
	net    *fakeNetwork
	clock  *testClock
	token  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		net:   &fakeNetwork{},
		clock: &testClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		token: "T1",
	}
	client, err := New(
		Config{Origin: "http://events.test"},
		TokenFunc(func() string { return h.token }),
		WithOpener(h.net.open),
		WithClock(h.clock.now),
	)
	require.NoError(t, err)
	h.client = client
	return h
}

// connected returns a harness whose client has completed a connect for S1
func connectedHarness(t *testing.T) (*harness, *fakeConn) {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.client.Connect("S1"))
	conn := h.net.last()
	require.NotNil(t, conn)
	conn.connect()
	return h, conn
}

func collect(c *Client, kind proto.Kind) (*[]proto.Event, Unsubscribe) {
	var events []proto.Event
	unsub := c.On(kind, func(e proto.Event) { events = append(events, e) })
	return &events, unsub
}

func sellerJoin(seller string) []emitted {
	room := "seller_" + seller
	return []emitted{
		{event: "joinRoom", args: `["` + room + `"]`},
		{event: "join", args: `[{"room":"` + room + `"}]`},
	}
}

func TestNewValidatesOrigin(t *testing.T) {
	_, err := New(Config{Origin: "not a url"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Origin: "ftp://events.test"}, nil)
	assert.Error(t, err)

	c, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, proto.StateDisconnected, c.State())
	assert.False(t, c.IsConnected())
}

func TestConnectRequiresToken(t *testing.T) {
	h := newHarness(t)
	h.token = ""
	errs, _ := collect(h.client, proto.KindError)

	err := h.client.Connect("S1")
	assert.ErrorIs(t, err, ErrNoToken)
	assert.Zero(t, h.net.opened())
	assert.Empty(t, *errs)
	assert.Equal(t, proto.StateDisconnected, h.client.State())
}

func TestConnectRequiresSellerID(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.client.Connect(""), ErrNoSellerID)
	assert.Zero(t, h.net.opened())
}

func TestConnectOpensTransport(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Connect("S1"))

	conn := h.net.last()
	require.NotNil(t, conn)
	assert.Equal(t, "http://events.test", conn.opts.URL)
	assert.Equal(t, "/socket.io/", conn.opts.Path)
	assert.Equal(t, "T1", conn.opts.Query.Get("token"))
	assert.Equal(t, "seller", conn.opts.Query.Get("role"))
	assert.Equal(t, "S1", conn.opts.Query.Get("sellerId"))
	assert.True(t, conn.opts.Reconnection)
	assert.Equal(t, 5, conn.opts.ReconnectionAttempts)
	assert.Equal(t, 3*time.Second, conn.opts.ReconnectionDelay)

	assert.Equal(t, proto.StateConnecting, h.client.State())
	assert.Equal(t, "S1", h.client.SellerID())
	assert.False(t, h.client.IsConnected())
}

func TestConnectJoinsSellerRoomBeforeNotifying(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.client.Connect("S1"))
	conn := h.net.last()

	var sentAtConnect []emitted
	h.client.On(proto.KindConnect, func(e proto.Event) {
		sentAtConnect = conn.sent()
		ev := e.(*proto.ConnectionStateEvent)
		assert.Equal(t, proto.StateConnected, ev.State)
	})

	conn.connect()

	assert.Equal(t, sellerJoin("S1"), sentAtConnect)
	assert.Equal(t, proto.StateConnected, h.client.State())
	assert.True(t, h.client.IsConnected())
}

func TestConnectWhenAlreadyConnected(t *testing.T) {
	h, conn := connectedHarness(t)

	assert.NoError(t, h.client.Connect("S1"))
	assert.Equal(t, 1, h.net.opened())
	assert.False(t, conn.isClosed())
}

func TestReconnectionRejoinsSellerRoom(t *testing.T) {
	h, conn := connectedHarness(t)
	disconnects, _ := collect(h.client, proto.KindDisconnect)
	connects, _ := collect(h.client, proto.KindConnect)

	conn.drop(transport.ReasonTransportClose)
	require.Len(t, *disconnects, 1)
	ev := (*disconnects)[0].(*proto.ConnectionStateEvent)
	assert.Equal(t, transport.ReasonTransportClose, ev.Reason)
	assert.Equal(t, proto.StateConnecting, ev.State)
	assert.Equal(t, proto.StateConnecting, h.client.State())

	// The transport reconnects on its own
	conn.connect()

	expected := append(sellerJoin("S1"), sellerJoin("S1")...)
	assert.Equal(t, expected, conn.sent())
	assert.Len(t, *connects, 1)
	assert.Equal(t, proto.StateConnected, h.client.State())
}

func TestServerDisconnectEndsSession(t *testing.T) {
	h, conn := connectedHarness(t)
	conn.drop(transport.ReasonServerDisconnect)
	assert.Equal(t, proto.StateDisconnected, h.client.State())

	// A fresh Connect is allowed after the server hung up
	require.NoError(t, h.client.Connect("S1"))
	assert.Equal(t, 2, h.net.opened())
	assert.True(t, conn.isClosed())
}

func TestConnectionCeiling(t *testing.T) {
	h := newHarness(t)
	errs, _ := collect(h.client, proto.KindError)
	require.NoError(t, h.client.Connect("S1"))
	conn := h.net.last()

	for i := 0; i < 4; i++ {
		conn.fail("xhr poll error")
	}
	assert.Empty(t, *errs)
	assert.Equal(t, proto.StateConnecting, h.client.State())

	conn.fail("xhr poll error")
	require.Len(t, *errs, 1)
	ev := (*errs)[0].(*proto.ConnectionStateEvent)
	assert.True(t, ev.Fatal)
	assert.Equal(t, proto.ErrorTypeMaxReconnect, ev.Type)
	assert.Equal(t, "Max reconnection attempts reached", ev.Message)
	assert.Equal(t, proto.StateDisconnected, h.client.State())
	assert.True(t, conn.isClosed())

	// Late reports from the retired session are ignored
	conn.fail("xhr poll error")
	conn.handler(transport.EventReconnectFailed, nil)
	assert.Len(t, *errs, 1)
	assert.Equal(t, 1, h.net.opened())

	require.NoError(t, h.client.Connect("S1"))
	assert.Equal(t, 2, h.net.opened())
}

func TestConnectErrorsResetOnConnect(t *testing.T) {
	h := newHarness(t)
	errs, _ := collect(h.client, proto.KindError)
	require.NoError(t, h.client.Connect("S1"))
	conn := h.net.last()

	for i := 0; i < 4; i++ {
		conn.fail("timeout")
	}
	conn.connect()
	conn.drop(transport.ReasonPingTimeout)
	for i := 0; i < 4; i++ {
		conn.fail("timeout")
	}
	assert.Empty(t, *errs)
	assert.False(t, conn.isClosed())
}

func TestDisconnect(t *testing.T) {
	h := newHarness(t)
	h.client.Disconnect()

	h, conn := connectedHarness(t)
	disconnects, _ := collect(h.client, proto.KindDisconnect)
	orders, _ := collect(h.client, proto.KindNewOrder)

	h.client.Disconnect()
	assert.True(t, conn.isClosed())
	assert.Equal(t, proto.StateDisconnected, h.client.State())
	assert.Empty(t, h.client.SellerID())
	require.Len(t, *disconnects, 1)
	assert.Equal(t, transport.ReasonClientDisconnect, (*disconnects)[0].(*proto.ConnectionStateEvent).Reason)

	h.client.Disconnect()
	assert.Len(t, *disconnects, 1)

	// The closed session can no longer dispatch
	conn.deliver("newOrder", `{"_id":"O1"}`)
	assert.Empty(t, *orders)
}

func TestReconnectReplacesSession(t *testing.T) {
	h, first := connectedHarness(t)
	orders, _ := collect(h.client, proto.KindNewOrder)
	first.deliver("newOrder", `{"_id":"O1"}`)

	require.NoError(t, h.client.Reconnect("S2"))
	assert.True(t, first.isClosed())

	second := h.net.last()
	require.NotSame(t, first, second)
	assert.Equal(t, "S2", second.opts.Query.Get("sellerId"))

	second.connect()
	assert.Equal(t, sellerJoin("S2"), second.sent())

	// The new session starts with an empty ledger
	second.deliver("newOrder", `{"_id":"O1"}`)
	assert.Len(t, *orders, 2)
}

func TestJoinOrderRoom(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.client.JoinOrderRoom("O1"), ErrNotConnected)

	h, conn := connectedHarness(t)
	orders, _ := collect(h.client, proto.KindOrderUpdate)
	before := len(conn.sent())

	require.NoError(t, h.client.JoinOrderRoom("O1"))
	require.NoError(t, h.client.JoinOrderRoom("O1"))

	sent := conn.sent()[before:]
	join := []emitted{
		{event: "joinRoom", args: `["O1"]`},
		{event: "join", args: `[{"room":"O1"}]`},
	}
	assert.Equal(t, append(join, join...), sent)
	assert.Empty(t, *orders)

	assert.ErrorIs(t, h.client.JoinOrderRoom(""), ErrNoOrderID)
}

func TestLeaveOrderRoom(t *testing.T) {
	h, conn := connectedHarness(t)
	before := len(conn.sent())

	require.NoError(t, h.client.LeaveOrderRoom("never-joined"))
	assert.Equal(t, []emitted{
		{event: "leaveRoom", args: `["never-joined"]`},
		{event: "leave", args: `[{"room":"never-joined"}]`},
	}, conn.sent()[before:])

	conn.drop(transport.ReasonTransportClose)
	assert.ErrorIs(t, h.client.LeaveOrderRoom("O1"), ErrNotConnected)
}

func TestNewOrderDuplicateSuppressed(t *testing.T) {
	h, conn := connectedHarness(t)
	orders, _ := collect(h.client, proto.KindNewOrder)

	payload := `{"_id":"O1","orderId":"1001","totalPrice":450}`
	conn.deliver("newOrder", payload)
	h.clock.advance(500 * time.Millisecond)
	conn.deliver("newOrder", payload)

	require.Len(t, *orders, 1)
	assert.Equal(t, &proto.NewOrderEvent{
		Order: proto.Order{ID: "O1", OrderID: "1001", TotalPrice: 450},
	}, (*orders)[0])

	encoded, err := json.Marshal((*orders)[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":{"_id":"O1","orderId":"1001","totalPrice":450}}`, string(encoded))
}

func TestDuplicateOutsideWindowDispatched(t *testing.T) {
	h, conn := connectedHarness(t)
	updates, _ := collect(h.client, proto.KindOrderUpdate)

	payload := `{"orderId":"O1","status":"preparing"}`
	conn.deliver("orderUpdate", payload)
	h.clock.advance(1600 * time.Millisecond)
	conn.deliver("orderUpdate", payload)

	assert.Len(t, *updates, 2)
}

func TestDistinctStatusesNotSuppressed(t *testing.T) {
	h, conn := connectedHarness(t)
	updates, _ := collect(h.client, proto.KindOrderUpdate)

	conn.deliver("orderUpdate", `{"orderId":"O1","status":"preparing"}`)
	conn.deliver("order:status_updated", `{"orderId":"O1","status":"ready_for_pickup"}`)
	conn.deliver("order:status_updated", `{"orderId":"O1","status":"ready_for_pickup"}`)

	require.Len(t, *updates, 2)
	assert.Equal(t, "ready_for_pickup", (*updates)[1].(*proto.OrderUpdateEvent).Status)
}

func TestNewOrderShapeTolerance(t *testing.T) {
	bare := `{"_id":"O1","orderId":"1001","totalPrice":450}`
	wrapped := `{"order":` + bare + `}`

	var got []proto.Event
	for _, payload := range []string{bare, wrapped} {
		h, conn := connectedHarness(t)
		orders, _ := collect(h.client, proto.KindNewOrder)
		conn.deliver("newOrderPending", payload)
		require.Len(t, *orders, 1)
		got = append(got, (*orders)[0])
	}
	assert.Equal(t, got[0], got[1])
}

func TestUnsubscribe(t *testing.T) {
	h, conn := connectedHarness(t)

	var first, second int
	unsubFirst := h.client.On(proto.KindNotification, func(proto.Event) { first++ })
	h.client.On(proto.KindNotification, func(proto.Event) { second++ })

	conn.deliver("notification", `{"title":"a","message":"m"}`)
	unsubFirst()
	unsubFirst()
	conn.deliver("notification", `{"title":"b","message":"m"}`)

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
	assert.Equal(t, 1, h.client.subs.count(proto.KindNotification))
}

func TestUnsubscribeDuringDispatch(t *testing.T) {
	h, conn := connectedHarness(t)

	var calls []string
	var unsubLater Unsubscribe
	h.client.On(proto.KindNotification, func(proto.Event) {
		calls = append(calls, "first")
		unsubLater()
	})
	unsubLater = h.client.On(proto.KindNotification, func(proto.Event) {
		calls = append(calls, "second")
	})

	conn.deliver("notification", `{"title":"a","message":"m"}`)
	assert.Equal(t, []string{"first"}, calls)
}

func TestSubscriberPanicIsolated(t *testing.T) {
	h, conn := connectedHarness(t)

	var calls []string
	h.client.On(proto.KindNotification, func(proto.Event) {
		calls = append(calls, "first")
		panic("boom")
	})
	h.client.On(proto.KindNotification, func(proto.Event) {
		calls = append(calls, "second")
	})

	assert.NotPanics(t, func() {
		conn.deliver("notification", `{"title":"a","message":"m"}`)
		conn.deliver("notification", `{"title":"b","message":"m"}`)
	})
	assert.Equal(t, []string{"first", "second", "first", "second"}, calls)
}

func TestDispatchPreservesOrder(t *testing.T) {
	h, conn := connectedHarness(t)

	var got []string
	h.client.OnOrderUpdate(func(ev *proto.OrderUpdateEvent) {
		got = append(got, ev.OrderID)
	})

	var want []string
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("O%d", i)
		want = append(want, id)
		conn.deliver("orderUpdate", fmt.Sprintf(`{"orderId":%q,"status":"accepted"}`, id))
	}
	assert.Equal(t, want, got)
}

func TestMalformedPayloadsDropped(t *testing.T) {
	h, conn := connectedHarness(t)
	updates, _ := collect(h.client, proto.KindOrderUpdate)

	conn.deliver("orderUpdate", `"O1"`)
	conn.deliver("orderUpdate", `{"status":"ready"}`)
	conn.deliver("orderUpdate", `{"orderId":42}`)
	conn.handler("orderUpdate", nil)
	conn.deliver("somethingElse", `{"orderId":"O1"}`)
	assert.Empty(t, *updates)

	conn.deliver("orderUpdate", `{"orderId":"O1","status":"ready"}`)
	assert.Len(t, *updates, 1)
}

func TestTypedSubscriptions(t *testing.T) {
	h, conn := connectedHarness(t)

	var orders []*proto.NewOrderEvent
	var drivers []*proto.DriverAssignedEvent
	var locations []*proto.DriverLocationEvent
	h.client.OnNewOrder(func(ev *proto.NewOrderEvent) { orders = append(orders, ev) })
	h.client.OnDriverAssigned(func(ev *proto.DriverAssignedEvent) { drivers = append(drivers, ev) })
	h.client.OnDriverLocation(func(ev *proto.DriverLocationEvent) { locations = append(locations, ev) })

	conn.deliver("newOrder", `{"order":{"_id":"O1","customer":{"_id":"C1","name":"Asha"}}}`)
	conn.deliver("driverAssigned", `{"orderId":"O1","driver":{"_id":"D1","name":"Ravi"},"estimatedArrival":7}`)
	loc := `{"orderId":"O1","location":{"latitude":12.97,"longitude":77.59}}`
	conn.deliver("driverLocationUpdate", loc)
	conn.deliver("driverLocationUpdate", loc)

	require.Len(t, orders, 1)
	assert.Equal(t, "Asha", orders[0].Order.Customer.Name)
	require.Len(t, drivers, 1)
	assert.Equal(t, "Ravi", drivers[0].Driver.Name)
	assert.Equal(t, 7, drivers[0].EstimatedArrival)
	assert.Len(t, locations, 2)
}

func TestOnConnection(t *testing.T) {
	h := newHarness(t)

	var connects int
	var reasons []string
	unsub := h.client.OnConnection(func() { connects++ }, func(reason string) { reasons = append(reasons, reason) })

	require.NoError(t, h.client.Connect("S1"))
	conn := h.net.last()
	conn.connect()
	conn.drop(transport.ReasonPingTimeout)
	unsub()
	conn.connect()

	assert.Equal(t, 1, connects)
	assert.Equal(t, []string{transport.ReasonPingTimeout}, reasons)
}

func TestServerErrorEvent(t *testing.T) {
	h, conn := connectedHarness(t)
	errs, _ := collect(h.client, proto.KindError)

	conn.deliver("error", `{"message":"rate limited"}`)
	require.Len(t, *errs, 1)
	ev := (*errs)[0].(*proto.ConnectionStateEvent)
	assert.False(t, ev.Fatal)
	assert.Equal(t, "rate limited", ev.Message)
	assert.Equal(t, proto.StateConnected, ev.State)
}

func TestOrderDecisionEvents(t *testing.T) {
	h, conn := connectedHarness(t)
	accepted, _ := collect(h.client, proto.KindOrderAccepted)
	rejected, _ := collect(h.client, proto.KindOrderRejected)

	conn.deliver("orderAccepted", `{"order":{"_id":"O1"}}`)
	conn.deliver("orderAccepted", `{"order":{"_id":"O1"}}`)
	conn.deliver("orderRejected", `{"order":{"_id":"O2"},"reason":"Out of stock"}`)

	assert.Len(t, *accepted, 1)
	require.Len(t, *rejected, 1)
	assert.Equal(t, "Out of stock", (*rejected)[0].(*proto.OrderDecisionEvent).Reason)
}
