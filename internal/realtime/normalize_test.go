package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nkkko/orderfeed/pkg/proto"
)

func TestCanonicalKind(t *testing.T) {
	tests := []struct {
		event string
		kind  proto.Kind
		ok    bool
	}{
		{"newOrder", proto.KindNewOrder, true},
		{"newOrderPending", proto.KindNewOrder, true},
		{"orderUpdate", proto.KindOrderUpdate, true},
		{"order:status_updated", proto.KindOrderUpdate, true},
		{"orderPreparing", proto.KindOrderPreparing, true},
		{"driverLocationUpdate", proto.KindDriverLocationUpdate, true},
		{"notification", proto.KindNotification, true},
		{"connect", "", false},
		{"disconnect", "", false},
		{"error", "", false},
		{"menuUpdated", "", false},
	}

	for _, tt := range tests {
		kind, ok := canonicalKind(tt.event)
		assert.Equal(t, tt.ok, ok, tt.event)
		assert.Equal(t, tt.kind, kind, tt.event)
	}
}

func TestNormalizeDedupKeys(t *testing.T) {
	tests := []struct {
		name    string
		kind    proto.Kind
		payload string
		key     string
	}{
		{"new order by id", proto.KindNewOrder, `{"_id":"O1","orderId":"1001"}`, "newOrder:O1"},
		{"new order by order number", proto.KindNewOrder, `{"order":{"orderId":"1001"}}`, "newOrder:1001"},
		{"new order without ids", proto.KindNewOrder, `{"totalPrice":10}`, "newOrder:unknown"},
		{"order update", proto.KindOrderUpdate, `{"orderId":"O1","status":"accepted"}`, "orderUpdate:O1:accepted"},
		{"order preparing", proto.KindOrderPreparing, `{"orderId":"O1","status":"preparing"}`, "orderPreparing:O1:preparing"},
		{"order ready", proto.KindOrderReady, `{"orderId":"O1","status":"ready_for_pickup"}`, "orderReady:O1:ready_for_pickup"},
		{"accepted", proto.KindOrderAccepted, `{"order":{"_id":"O1"}}`, "orderAccepted:O1"},
		{"rejected bare", proto.KindOrderRejected, `{"orderId":"1001"}`, "orderRejected:1001"},
		{"driver assigned", proto.KindDriverAssigned, `{"orderId":"O1","driver":{"_id":"D1"}}`, "driverAssigned:O1:D1"},
		{"driver arrived", proto.KindDriverArrived, `{"orderId":"O1"}`, "driverArrived:O1"},
		{"picked up", proto.KindOrderPickedUp, `{"orderId":"O1"}`, "orderPickedUp:O1"},
		{"delivered", proto.KindOrderDelivered, `{"orderId":"O1"}`, "orderDelivered:O1"},
		{"driver location", proto.KindDriverLocationUpdate, `{"orderId":"O1","location":{"latitude":1,"longitude":2}}`, ""},
		{"notification", proto.KindNotification, `{"title":"t","message":"m"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, key, err := normalize(tt.kind, json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, tt.kind, ev.Kind())
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestNormalizeRejects(t *testing.T) {
	tests := []struct {
		name    string
		kind    proto.Kind
		payload string
		reason  string
	}{
		{"string payload", proto.KindNewOrder, `"O1"`, dropMalformed},
		{"array payload", proto.KindOrderUpdate, `[1,2]`, dropMalformed},
		{"null payload", proto.KindNotification, `null`, dropMalformed},
		{"wrong field type", proto.KindOrderUpdate, `{"orderId":1}`, dropMalformed},
		{"bad timestamp", proto.KindOrderDelivered, `{"orderId":"O1","deliveredAt":"yesterday"}`, dropMalformed},
		{"update without order", proto.KindOrderUpdate, `{"status":"ready"}`, dropMissingOrderID},
		{"accepted without order", proto.KindOrderAccepted, `{"order":{"status":"accepted"}}`, dropMissingOrderID},
		{"assigned without order", proto.KindDriverAssigned, `{"driver":{"_id":"D1"}}`, dropMissingOrderID},
		{"location without order", proto.KindDriverLocationUpdate, `{"location":{}}`, dropMissingOrderID},
		{"arrived without order", proto.KindDriverArrived, `{}`, dropMissingOrderID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := normalize(tt.kind, json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.Equal(t, tt.reason, dropReason(err))
		})
	}

	_, _, err := normalize(proto.KindConnect, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errNotWireKind)
}

func TestNormalizeNewOrderShapes(t *testing.T) {
	bare := `{"_id":"O1","orderId":"1001","totalPrice":450,"items":[{"item":{"_id":"M1","name":"Dosa","price":90},"quantity":5}]}`
	wrapped := `{"order":` + bare + `}`

	a, keyA, err := normalize(proto.KindNewOrder, json.RawMessage(bare))
	require.NoError(t, err)
	b, keyB, err := normalize(proto.KindNewOrder, json.RawMessage(wrapped))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, keyA, keyB)

	ev := a.(*proto.NewOrderEvent)
	require.Len(t, ev.Order.Items, 1)
	assert.Equal(t, "Dosa", ev.Order.Items[0].Item.Name)
	assert.Equal(t, 5, ev.Order.Items[0].Quantity)
}

func TestNormalizeOrderUpdateFields(t *testing.T) {
	payload := `{"orderId":"O1","status":"driver_assigned","driverAssignedAt":"2024-01-01T12:00:00Z","deliveryPartner":{"_id":"D1","name":"Ravi","phone":"+911234"}}`
	ev, _, err := normalize(proto.KindOrderUpdate, json.RawMessage(payload))
	require.NoError(t, err)

	update := ev.(*proto.OrderUpdateEvent)
	assert.Equal(t, proto.KindOrderUpdate, update.EventKind)
	require.NotNil(t, update.DriverAssignedAt)
	assert.True(t, update.DriverAssignedAt.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)))
	require.NotNil(t, update.DeliveryPartner)
	assert.Equal(t, "Ravi", update.DeliveryPartner.Name)
}
