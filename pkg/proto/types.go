package proto

import "time"

// Kind identifies a canonical event stream that subscribers register for
type Kind string

const (
	KindNewOrder             Kind = "newOrder"
	KindOrderUpdate          Kind = "orderUpdate"
	KindOrderAccepted        Kind = "orderAccepted"
	KindOrderRejected        Kind = "orderRejected"
	KindOrderPreparing       Kind = "orderPreparing"
	KindOrderReady           Kind = "orderReady"
	KindDriverAssigned       Kind = "driverAssigned"
	KindDriverArrived        Kind = "driverArrived"
	KindOrderPickedUp        Kind = "orderPickedUp"
	KindOrderDelivered       Kind = "orderDelivered"
	KindDriverLocationUpdate Kind = "driverLocationUpdate"
	KindNotification         Kind = "notification"

	// Connection lifecycle kinds
	KindConnect    Kind = "connect"
	KindDisconnect Kind = "disconnect"
	KindError      Kind = "error"
)

// Wire event names that the server may emit in place of a canonical kind
const (
	WireNewOrderPending    = "newOrderPending"
	WireOrderStatusUpdated = "order:status_updated"
)

// AllKinds lists every kind a subscriber may register for, in a stable order
func AllKinds() []Kind {
	return []Kind{
		KindNewOrder,
		KindOrderUpdate,
		KindOrderAccepted,
		KindOrderRejected,
		KindOrderPreparing,
		KindOrderReady,
		KindDriverAssigned,
		KindDriverArrived,
		KindOrderPickedUp,
		KindOrderDelivered,
		KindDriverLocationUpdate,
		KindNotification,
		KindConnect,
		KindDisconnect,
		KindError,
	}
}

// ParseKind maps a kind name to a Kind
func ParseKind(name string) (Kind, bool) {
	for _, k := range AllKinds() {
		if string(k) == name {
			return k, true
		}
	}
	return "", false
}

// Event is a normalized, kind-tagged record ready for dispatch
type Event interface {
	Kind() Kind
}

// Customer is the customer summary embedded in an order
type Customer struct {
	ID      string `json:"_id"`
	Name    string `json:"name,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

// Location is a geographic point
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

// DeliveryAddress is the address snapshot taken when the order was placed
type DeliveryAddress struct {
	AddressID   string `json:"addressId,omitempty"`
	Label       string `json:"label,omitempty"`
	HouseNumber string `json:"houseNumber,omitempty"`
	Street      string `json:"street,omitempty"`
	Landmark    string `json:"landmark,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Pincode     string `json:"pincode,omitempty"`
}

// MenuItemRef is the nested menu item reference some backends send inside an order item
type MenuItemRef struct {
	ID    string  `json:"_id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// OrderItem is a line of an order. Older backends send name/price/count flat,
// newer ones nest them under item.
type OrderItem struct {
	ID       string       `json:"_id,omitempty"`
	Item     *MenuItemRef `json:"item,omitempty"`
	Name     string       `json:"name,omitempty"`
	Price    float64      `json:"price,omitempty"`
	Count    int          `json:"count,omitempty"`
	Quantity int          `json:"quantity,omitempty"`
	AddOns   []string     `json:"addOns,omitempty"`
}

// Driver is a delivery partner
type Driver struct {
	ID              string    `json:"_id"`
	Name            string    `json:"name,omitempty"`
	Phone           string    `json:"phone,omitempty"`
	Rating          float64   `json:"rating,omitempty"`
	VehicleType     string    `json:"vehicleType,omitempty"`
	VehicleNumber   string    `json:"vehicleNumber,omitempty"`
	CurrentLocation *Location `json:"currentLocation,omitempty"`
}

// Order is the order snapshot carried by order-scoped events
type Order struct {
	ID                      string           `json:"_id,omitempty"`
	OrderID                 string           `json:"orderId,omitempty"`
	Status                  string           `json:"status,omitempty"`
	Items                   []OrderItem      `json:"items,omitempty"`
	TotalPrice              float64          `json:"totalPrice,omitempty"`
	Customer                *Customer        `json:"customer,omitempty"`
	DeliveryAddressSnapshot *DeliveryAddress `json:"deliveryAddressSnapshot,omitempty"`
	DeliveryLocation        *Location        `json:"deliveryLocation,omitempty"`
	DeliveryPartner         *Driver          `json:"deliveryPartner,omitempty"`
	SpecialInstructions     string           `json:"specialInstructions,omitempty"`
	PaymentMethod           string           `json:"paymentMethod,omitempty"`
	CreatedAt               *time.Time       `json:"createdAt,omitempty"`
}

// Ref returns the identifier used to correlate the order, preferring the database id
func (o Order) Ref() string {
	if o.ID != "" {
		return o.ID
	}
	return o.OrderID
}

// NewOrderEvent announces an order awaiting the seller
type NewOrderEvent struct {
	Order Order `json:"order"`
}

func (*NewOrderEvent) Kind() Kind { return KindNewOrder }

// OrderUpdateEvent is a status transition of an order. It is also the record
// carried by orderPreparing and orderReady, so the kind is stored on the record.
type OrderUpdateEvent struct {
	EventKind          Kind       `json:"-"`
	OrderID            string     `json:"orderId"`
	Status             string     `json:"status"`
	PreparingStartedAt *time.Time `json:"preparingStartedAt,omitempty"`
	EstimatedReadyAt   *time.Time `json:"estimatedReadyAt,omitempty"`
	DriverAssignedAt   *time.Time `json:"driverAssignedAt,omitempty"`
	DeliveryPartner    *Driver    `json:"deliveryPartner,omitempty"`
	PickedUpAt         *time.Time `json:"pickedUpAt,omitempty"`
	DeliveredAt        *time.Time `json:"deliveredAt,omitempty"`
}

func (e *OrderUpdateEvent) Kind() Kind {
	if e.EventKind == "" {
		return KindOrderUpdate
	}
	return e.EventKind
}

// OrderDecisionEvent reports an accept or reject of an order
type OrderDecisionEvent struct {
	EventKind Kind   `json:"-"`
	Order     Order  `json:"order"`
	Reason    string `json:"reason,omitempty"`
}

func (e *OrderDecisionEvent) Kind() Kind { return e.EventKind }

// DriverAssignedEvent reports that a driver took the delivery
type DriverAssignedEvent struct {
	OrderID string `json:"orderId"`
	Driver  Driver `json:"driver"`
	// Minutes until the driver reaches the outlet
	EstimatedArrival int `json:"estimatedArrival,omitempty"`
}

func (*DriverAssignedEvent) Kind() Kind { return KindDriverAssigned }

// DriverArrivedEvent reports the driver reaching the outlet
type DriverArrivedEvent struct {
	OrderID   string     `json:"orderId"`
	ArrivedAt *time.Time `json:"arrivedAt,omitempty"`
}

func (*DriverArrivedEvent) Kind() Kind { return KindDriverArrived }

// OrderPickedUpEvent reports the order leaving the outlet
type OrderPickedUpEvent struct {
	OrderID    string     `json:"orderId"`
	PickedUpAt *time.Time `json:"pickedUpAt,omitempty"`
}

func (*OrderPickedUpEvent) Kind() Kind { return KindOrderPickedUp }

// OrderDeliveredEvent reports the order reaching the customer
type OrderDeliveredEvent struct {
	OrderID     string     `json:"orderId"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
}

func (*OrderDeliveredEvent) Kind() Kind { return KindOrderDelivered }

// DriverLocationEvent is a position sample of the driver handling an order
type DriverLocationEvent struct {
	OrderID  string   `json:"orderId"`
	Location Location `json:"location"`
	Heading  *float64 `json:"heading,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`
}

func (*DriverLocationEvent) Kind() Kind { return KindDriverLocationUpdate }

// NotificationEvent is a free-form message pushed to the seller
type NotificationEvent struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

func (*NotificationEvent) Kind() Kind { return KindNotification }

// ConnectionState is the state of the realtime connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
)

// ConnectionStateEvent is published on connect, disconnect and connection errors
type ConnectionStateEvent struct {
	EventKind Kind            `json:"-"`
	State     ConnectionState `json:"state"`
	Reason    string          `json:"reason,omitempty"`
	// Fatal is set once reconnection attempts are exhausted
	Fatal   bool   `json:"fatal,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *ConnectionStateEvent) Kind() Kind { return e.EventKind }

// Error type reported when the reconnection ceiling is reached
const ErrorTypeMaxReconnect = "max_reconnect"
