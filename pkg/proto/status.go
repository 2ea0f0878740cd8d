package proto

// Order statuses reported by the server
const (
	StatusPendingSellerApproval = "pending_seller_approval"
	StatusSellerRejected        = "seller_rejected"
	StatusConfirmed             = "confirmed"
	StatusPreparing             = "preparing"
	StatusReadyForPickup        = "ready_for_pickup"
	StatusDriverAssigned        = "driver_assigned"
	StatusDriverArrived         = "driver_arrived"
	StatusPickedUp              = "picked_up"
	StatusOutForDelivery        = "out_for_delivery"
	StatusArriving              = "arriving"
	StatusDelivered             = "delivered"
	StatusCancelled             = "cancelled"
	StatusNoDriversAvailable    = "no_drivers_available"
	StatusAvailable             = "available"
)

// StatusLabel collapses a server status into the short label sellers see:
// new, active, preparing, ready, picked_up, delivered or cancelled.
func StatusLabel(status string) string {
	switch status {
	case StatusPendingSellerApproval:
		return "new"
	case StatusConfirmed, StatusAvailable:
		return "active"
	case StatusPreparing:
		return "preparing"
	case StatusReadyForPickup:
		return "ready"
	case StatusDriverAssigned, StatusDriverArrived, StatusPickedUp, StatusOutForDelivery, StatusArriving:
		return "picked_up"
	case StatusDelivered:
		return "delivered"
	case StatusCancelled, StatusSellerRejected, StatusNoDriversAvailable:
		return "cancelled"
	default:
		return "new"
	}
}
