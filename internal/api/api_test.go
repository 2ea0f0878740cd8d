package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/orderfeed/internal/realtime"
	"github.com/nkkko/orderfeed/pkg/proto"
)

type fakeFeed struct {
	mu       sync.Mutex
	subs     map[int]subscription
	next     int
	state    proto.ConnectionState
	sellerID string
	roomErr  error
	joined   []string
	left     []string
}

type subscription struct {
	kind proto.Kind
	cb   realtime.Callback
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:     make(map[int]subscription),
		state:    proto.StateConnected,
		sellerID: "S1",
	}
}

func (f *fakeFeed) On(kind proto.Kind, cb realtime.Callback) realtime.Unsubscribe {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.subs[id] = subscription{kind: kind, cb: cb}
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, id)
	}
}

func (f *fakeFeed) emit(ev proto.Event) {
	f.mu.Lock()
	var cbs []realtime.Callback
	for i := 0; i < f.next; i++ {
		if s, ok := f.subs[i]; ok && s.kind == ev.Kind() {
			cbs = append(cbs, s.cb)
		}
	}
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (f *fakeFeed) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeFeed) JoinOrderRoom(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomErr != nil {
		return f.roomErr
	}
	f.joined = append(f.joined, orderID)
	return nil
}

func (f *fakeFeed) LeaveOrderRoom(orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomErr != nil {
		return f.roomErr
	}
	f.left = append(f.left, orderID)
	return nil
}

func (f *fakeFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == proto.StateConnected
}

func (f *fakeFeed) State() proto.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeFeed) SellerID() string { return f.sellerID }

type envelope struct {
	Success   bool            `json:"success"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
	Error     struct {
		Type string `json:"type"`
		Code string `json:"code"`
	} `json:"error"`
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestHealth(t *testing.T) {
	feed := newFakeFeed()
	s := NewServer(Config{}, feed)

	rec, env := do(t, s, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	assert.JSONEq(t, `{"state":"connected","seller_id":"S1","connected":true}`, string(env.Data))
}

func TestReady(t *testing.T) {
	feed := newFakeFeed()
	s := NewServer(Config{}, feed)

	rec, _ := do(t, s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	feed.state = proto.StateConnecting
	rec, env := do(t, s, http.MethodGet, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "not_connected", env.Error.Code)
}

func TestRooms(t *testing.T) {
	feed := newFakeFeed()
	s := NewServer(Config{}, feed)

	rec, env := do(t, s, http.MethodPost, "/rooms/O1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"order_id":"O1","joined":true}`, string(env.Data))

	rec, _ = do(t, s, http.MethodDelete, "/rooms/O1")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"O1"}, feed.joined)
	assert.Equal(t, []string{"O1"}, feed.left)
}

func TestRoomErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"offline", realtime.ErrNotConnected, http.StatusConflict, "not_connected"},
		{"wrapped offline", fmt.Errorf("join: %w", realtime.ErrNotConnected), http.StatusConflict, "not_connected"},
		{"missing order", realtime.ErrNoOrderID, http.StatusBadRequest, "missing_order_id"},
		{"emit failure", errors.New("write: broken pipe"), http.StatusInternalServerError, "room_operation_failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := newFakeFeed()
			feed.roomErr = tt.err
			s := NewServer(Config{}, feed)

			rec, env := do(t, s, http.MethodPost, "/rooms/O1")
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds("")
	require.NoError(t, err)
	assert.Equal(t, proto.AllKinds(), kinds)

	kinds, err = parseKinds("newOrder, orderReady,newOrder")
	require.NoError(t, err)
	assert.Equal(t, []proto.Kind{proto.KindNewOrder, proto.KindOrderReady}, kinds)

	_, err = parseKinds("newOrder,newOrderPending")
	assert.Error(t, err)
}

func TestEventsRejectsUnknownKind(t *testing.T) {
	s := NewServer(Config{}, newFakeFeed())
	rec, env := do(t, s, http.MethodGet, "/events?kinds=bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "unknown_kind", env.Error.Code)
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if event != "" {
				return event, data
			}
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStream(t *testing.T) {
	orig := generateID
	generateID = func() string { return "client-1" }
	defer func() { generateID = orig }()

	feed := newFakeFeed()
	s := NewServer(Config{}, feed)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?kinds=newOrder,orderReady", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	body := bufio.NewReader(resp.Body)
	event, data := readEvent(t, body)
	assert.Equal(t, "connected", event)
	assert.JSONEq(t, `{"client_id":"client-1"}`, data)
	assert.Equal(t, 2, feed.subscribers())

	// Not subscribed, never streamed
	feed.emit(&proto.NotificationEvent{Title: "ignored"})
	feed.emit(&proto.NewOrderEvent{Order: proto.Order{ID: "O1", OrderID: "1001"}})

	event, data = readEvent(t, body)
	assert.Equal(t, "newOrder", event)
	assert.JSONEq(t, `{"order":{"_id":"O1","orderId":"1001"}}`, data)

	cancel()
	require.Eventually(t, func() bool { return feed.subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownEndsStreams(t *testing.T) {
	feed := newFakeFeed()
	s := NewServer(Config{}, feed)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := bufio.NewReader(resp.Body)
	event, _ := readEvent(t, body)
	assert.Equal(t, "connected", event)
	assert.Equal(t, len(proto.AllKinds()), feed.subscribers())

	require.NoError(t, s.Shutdown(context.Background()))
	require.Eventually(t, func() bool { return feed.subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)

	// Idempotent
	require.NoError(t, s.Shutdown(context.Background()))
}
