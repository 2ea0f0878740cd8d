package realtime

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nkkko/orderfeed/pkg/proto"
)

var (
	errNotObject      = errors.New("payload is not an object")
	errMissingOrderID = errors.New("payload has no order id")
	errNotWireKind    = errors.New("kind is not carried on the wire")
)

// Drop reasons reported in metrics
const (
	dropMalformed      = "malformed"
	dropMissingOrderID = "missing_order_id"
	dropDuplicate      = "duplicate"
	dropUnknownEvent   = "unknown_event"
	dropEmptyPayload   = "empty_payload"
)

// canonicalKind maps a wire event name to the kind subscribers register for.
// Connection lifecycle names are not order events and are rejected.
func canonicalKind(event string) (proto.Kind, bool) {
	switch event {
	case proto.WireNewOrderPending:
		return proto.KindNewOrder, true
	case proto.WireOrderStatusUpdated:
		return proto.KindOrderUpdate, true
	}

	kind, ok := proto.ParseKind(event)
	if !ok {
		return "", false
	}
	switch kind {
	case proto.KindConnect, proto.KindDisconnect, proto.KindError:
		return "", false
	}
	return kind, true
}

// normalize converts a raw payload of the given kind into its canonical record
// and returns the dedup key for it. An empty key means the kind is never
// deduplicated.
func normalize(kind proto.Kind, raw json.RawMessage) (proto.Event, string, error) {
	if !isObject(raw) {
		return nil, "", errNotObject
	}

	switch kind {
	case proto.KindNewOrder:
		order, _, err := decodeOrderEnvelope(raw)
		if err != nil {
			return nil, "", err
		}
		ref := order.Ref()
		if ref == "" {
			ref = "unknown"
		}
		return &proto.NewOrderEvent{Order: order}, "newOrder:" + ref, nil

	case proto.KindOrderUpdate, proto.KindOrderPreparing, proto.KindOrderReady:
		var ev proto.OrderUpdateEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		if ev.OrderID == "" {
			return nil, "", errMissingOrderID
		}
		ev.EventKind = kind
		return &ev, fmt.Sprintf("%s:%s:%s", kind, ev.OrderID, ev.Status), nil

	case proto.KindOrderAccepted, proto.KindOrderRejected:
		order, reason, err := decodeOrderEnvelope(raw)
		if err != nil {
			return nil, "", err
		}
		if order.Ref() == "" {
			return nil, "", errMissingOrderID
		}
		ev := &proto.OrderDecisionEvent{EventKind: kind, Order: order, Reason: reason}
		return ev, fmt.Sprintf("%s:%s", kind, order.Ref()), nil

	case proto.KindDriverAssigned:
		var ev proto.DriverAssignedEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		if ev.OrderID == "" {
			return nil, "", errMissingOrderID
		}
		return &ev, fmt.Sprintf("%s:%s:%s", kind, ev.OrderID, ev.Driver.ID), nil

	case proto.KindDriverArrived:
		var ev proto.DriverArrivedEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		return orderScoped(&ev, ev.OrderID)

	case proto.KindOrderPickedUp:
		var ev proto.OrderPickedUpEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		return orderScoped(&ev, ev.OrderID)

	case proto.KindOrderDelivered:
		var ev proto.OrderDeliveredEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		return orderScoped(&ev, ev.OrderID)

	case proto.KindDriverLocationUpdate:
		var ev proto.DriverLocationEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		if ev.OrderID == "" {
			return nil, "", errMissingOrderID
		}
		return &ev, "", nil

	case proto.KindNotification:
		var ev proto.NotificationEvent
		if err := decode(kind, raw, &ev); err != nil {
			return nil, "", err
		}
		return &ev, "", nil

	case proto.KindConnect, proto.KindDisconnect, proto.KindError:
		return nil, "", errNotWireKind
	}

	return nil, "", fmt.Errorf("unknown kind %q", kind)
}

func orderScoped(ev proto.Event, orderID string) (proto.Event, string, error) {
	if orderID == "" {
		return nil, "", errMissingOrderID
	}
	return ev, fmt.Sprintf("%s:%s", ev.Kind(), orderID), nil
}

func decode(kind proto.Kind, raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", kind, err)
	}
	return nil
}

// decodeOrderEnvelope accepts either {"order": {...}, "reason": "..."} or the
// bare order object.
func decodeOrderEnvelope(raw json.RawMessage) (proto.Order, string, error) {
	var env struct {
		Order  json.RawMessage `json:"order"`
		Reason string          `json:"reason"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return proto.Order{}, "", fmt.Errorf("failed to decode order payload: %w", err)
	}

	body := raw
	if isObject(env.Order) {
		body = env.Order
	}

	var order proto.Order
	if err := json.Unmarshal(body, &order); err != nil {
		return proto.Order{}, "", fmt.Errorf("failed to decode order: %w", err)
	}
	return order, env.Reason, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func dropReason(err error) string {
	if errors.Is(err, errMissingOrderID) {
		return dropMissingOrderID
	}
	return dropMalformed
}
