package domain

import "time"

type EventType string

const (
	EventOrderPlaced         EventType = "order.placed"
	EventOrderAccepted       EventType = "order.accepted"
	EventOrderRejected       EventType = "order.rejected"
	EventOrderCancelled      EventType = "order.cancelled"
	EventOrderHandedOver     EventType = "order.handed_over"
	EventOrderCompleted      EventType = "order.completed"
	EventOrderMasterCancel   EventType = "order.cancelled_master"
	EventOrderStatusOverride EventType = "order.status_overridden"
	EventStockChanged        EventType = "product.stock_changed"
)

// OrderEvent describes a committed transition.
type OrderEvent struct {
	Type       EventType   `json:"type"`
	Order      Order       `json:"order"`
	Actor      Actor       `json:"actor"`
	FromStatus OrderStatus `json:"from_status,omitempty"`
	At         time.Time   `json:"at"`
}

type StockChangedEvent struct {
	ProductID string    `json:"product_id"`
	Available int       `json:"available"`
	At        time.Time `json:"at"`
}

// Target scopes a broadcast to a role ("role:master") or to a single
// actor ("seller:42"). No targets means everyone.
type Target string

func TargetRole(r Role) Target {
	return Target("role:" + string(r))
}

func TargetActor(a Actor) Target {
	return Target(a.Tag())
}

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Notification is a single message to one recipient over one channel.
type Notification struct {
	Channel     Channel   `json:"channel"`
	Recipient   Recipient `json:"recipient"`
	Event       EventType `json:"event"`
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Subject     string    `json:"subject"`
	Message     string    `json:"message"`
}

type Recipient struct {
	Role    Role   `json:"role"`
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Completion is the revenue record of one completed order.
type Completion struct {
	OrderID        string    `json:"order_id"`
	SellerID       string    `json:"seller_id"`
	TotalAmount    int64     `json:"total_amount"`
	CommissionRate float64   `json:"commission_rate"`
	CompletedAt    time.Time `json:"completed_at"`
}
