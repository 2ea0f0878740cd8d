package cli

import (
	"fmt"
	"strings"

	"github.com/nkkko/orderfeed/pkg/proto"
)

func orderLabel(o proto.Order) string {
	if o.OrderID != "" {
		return "#" + o.OrderID
	}
	return o.Ref()
}

func itemCount(items []proto.OrderItem) int {
	n := 0
	for _, it := range items {
		switch {
		case it.Quantity > 0:
			n += it.Quantity
		case it.Count > 0:
			n += it.Count
		default:
			n++
		}
	}
	return n
}

func formatOrder(o proto.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s]", orderLabel(o), proto.StatusLabel(o.Status))
	if o.Customer != nil && o.Customer.Name != "" {
		fmt.Fprintf(&b, " %s", o.Customer.Name)
	}
	if len(o.Items) > 0 {
		fmt.Fprintf(&b, " %d items", itemCount(o.Items))
	}
	if o.TotalPrice > 0 {
		fmt.Fprintf(&b, " total %.2f", o.TotalPrice)
	}
	return b.String()
}

func formatEvent(ev proto.Event) string {
	switch e := ev.(type) {
	case *proto.NewOrderEvent:
		return formatOrder(e.Order)
	case *proto.OrderUpdateEvent:
		return fmt.Sprintf("%s -> %s (%s)", e.OrderID, e.Status, proto.StatusLabel(e.Status))
	case *proto.OrderDecisionEvent:
		if e.Reason != "" {
			return fmt.Sprintf("%s reason=%q", formatOrder(e.Order), e.Reason)
		}
		return formatOrder(e.Order)
	case *proto.DriverAssignedEvent:
		s := fmt.Sprintf("%s driver %s", e.OrderID, e.Driver.Name)
		if e.Driver.VehicleNumber != "" {
			s += " (" + e.Driver.VehicleNumber + ")"
		}
		if e.EstimatedArrival > 0 {
			s += fmt.Sprintf(" eta %dm", e.EstimatedArrival)
		}
		return s
	case *proto.DriverArrivedEvent:
		return e.OrderID
	case *proto.OrderPickedUpEvent:
		return e.OrderID
	case *proto.OrderDeliveredEvent:
		return e.OrderID
	case *proto.DriverLocationEvent:
		return fmt.Sprintf("%s at %.5f,%.5f", e.OrderID, e.Location.Latitude, e.Location.Longitude)
	case *proto.NotificationEvent:
		if e.Message == "" {
			return e.Title
		}
		return e.Title + ": " + e.Message
	case *proto.ConnectionStateEvent:
		parts := []string{string(e.State)}
		if e.Reason != "" {
			parts = append(parts, "reason="+e.Reason)
		}
		if e.Message != "" {
			parts = append(parts, fmt.Sprintf("message=%q", e.Message))
		}
		if e.Fatal {
			parts = append(parts, "fatal")
		}
		return strings.Join(parts, " ")
	default:
		return fmt.Sprintf("%+v", ev)
	}
}
