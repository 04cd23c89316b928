package domain

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// SchemaVersion is the only order document layout this service reads or writes.
const SchemaVersion = 1

const (
	DefaultPickupLocation     = "BBHCBazaar Experience Outlet"
	DefaultPickupInstructions = "Show the QR code at the BBHCBazaar outlet to pay and collect your product."
	DefaultCommissionRate     = 0.10

	orderNumberPrefix = "BBHC"
)

type OrderStatus string

const (
	OrderStatusPendingSeller   OrderStatus = "pending_seller"
	OrderStatusSellerAccepted  OrderStatus = "seller_accepted"
	OrderStatusHandedOver      OrderStatus = "handed_over"
	OrderStatusCompleted       OrderStatus = "completed"
	OrderStatusSellerRejected  OrderStatus = "seller_rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusCancelledMaster OrderStatus = "cancelled_master"
)

var orderStatuses = map[OrderStatus]bool{
	OrderStatusPendingSeller:   true,
	OrderStatusSellerAccepted:  true,
	OrderStatusHandedOver:      true,
	OrderStatusCompleted:       true,
	OrderStatusSellerRejected:  true,
	OrderStatusCancelled:       true,
	OrderStatusCancelledMaster: true,
}

func (s OrderStatus) Valid() bool {
	return orderStatuses[s]
}

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusCompleted, OrderStatusSellerRejected, OrderStatusCancelled, OrderStatusCancelledMaster:
		return true
	}
	return false
}

// ReleasesStock reports whether entering s gives the reserved quantity back.
func (s OrderStatus) ReleasesStock() bool {
	switch s {
	case OrderStatusSellerRejected, OrderStatusCancelled, OrderStatusCancelledMaster:
		return true
	}
	return false
}

func (s OrderStatus) String() string {
	return string(s)
}

type HistoryEntry struct {
	Status    OrderStatus `json:"status" bson:"status"`
	Timestamp time.Time   `json:"timestamp" bson:"timestamp"`
	Note      string      `json:"note,omitempty" bson:"note,omitempty"`
	UpdatedBy string      `json:"updated_by" bson:"updated_by"`
}

type ProductSnapshot struct {
	ID                string  `json:"id" bson:"id"`
	Name              string  `json:"name" bson:"name"`
	Thumbnail         string  `json:"thumbnail,omitempty" bson:"thumbnail,omitempty"`
	Price             int64   `json:"price" bson:"price"`
	SellerRef         string  `json:"seller_ref,omitempty" bson:"seller_ref,omitempty"`
	AvailableQuantity int     `json:"available_quantity" bson:"available_quantity"`
	CommissionRate    float64 `json:"commission_rate" bson:"commission_rate"`
}

// PartySnapshot is the display and contact data of a buyer or seller.
type PartySnapshot struct {
	ID      string `json:"id" bson:"id"`
	Name    string `json:"name" bson:"name"`
	Email   string `json:"email,omitempty" bson:"email,omitempty"`
	Phone   string `json:"phone,omitempty" bson:"phone,omitempty"`
	Address string `json:"address,omitempty" bson:"address,omitempty"`
}

type Metadata struct {
	Source   string `json:"source" bson:"source"`
	Platform string `json:"platform" bson:"platform"`
	Device   string `json:"device" bson:"device"`
}

func DefaultMetadata() Metadata {
	return Metadata{Source: "buy_now", Platform: "web", Device: "browser"}
}

type Order struct {
	ID            string `json:"id" bson:"_id"`
	OrderNumber   string `json:"order_number" bson:"order_number"`
	SchemaVersion int    `json:"schema_version" bson:"schema_version"`
	Version       int64  `json:"version" bson:"version"`

	ProductID string `json:"product_id" bson:"product_id"`
	UserID    string `json:"user_id" bson:"user_id"`
	SellerID  string `json:"seller_id,omitempty" bson:"seller_id,omitempty"`
	OutletID  string `json:"outlet_id,omitempty" bson:"outlet_id,omitempty"`

	Quantity       int     `json:"quantity" bson:"quantity"`
	UnitPrice      int64   `json:"unit_price" bson:"unit_price"`
	TotalAmount    int64   `json:"total_amount" bson:"total_amount"`
	CommissionRate float64 `json:"commission_rate" bson:"commission_rate"`

	ProductSnapshot ProductSnapshot `json:"product_snapshot" bson:"product_snapshot"`
	UserSnapshot    PartySnapshot   `json:"user_snapshot" bson:"user_snapshot"`
	SellerSnapshot  *PartySnapshot  `json:"seller_snapshot,omitempty" bson:"seller_snapshot,omitempty"`

	Status            OrderStatus    `json:"status" bson:"status"`
	StatusHistory     []HistoryEntry `json:"status_history" bson:"status_history"`
	SecureTokenUser   string         `json:"secure_token_user,omitempty" bson:"secure_token_user,omitempty"`
	SecureTokenSeller string         `json:"secure_token_seller,omitempty" bson:"secure_token_seller,omitempty"`
	TokenUsedUser     bool           `json:"token_used_user" bson:"token_used_user"`
	TokenUsedSeller   bool           `json:"token_used_seller" bson:"token_used_seller"`
	QRCodeData        string         `json:"qr_code_data,omitempty" bson:"qr_code_data,omitempty"`

	CancelledByMaster bool   `json:"cancelled_by_master" bson:"cancelled_by_master"`
	CancellationCode  string `json:"cancellation_code,omitempty" bson:"cancellation_code,omitempty"`
	RejectionReason   string `json:"rejection_reason,omitempty" bson:"rejection_reason,omitempty"`
	RejectedBy        string `json:"rejected_by,omitempty" bson:"rejected_by,omitempty"`

	PickupLocation     string   `json:"pickup_location" bson:"pickup_location"`
	PickupInstructions string   `json:"pickup_instructions" bson:"pickup_instructions"`
	DeliveryAddress    string   `json:"delivery_address,omitempty" bson:"delivery_address,omitempty"`
	Metadata           Metadata `json:"metadata" bson:"metadata"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without touching
// the stored original.
func (o *Order) Clone() *Order {
	c := *o
	c.StatusHistory = append([]HistoryEntry(nil), o.StatusHistory...)
	if o.SellerSnapshot != nil {
		s := *o.SellerSnapshot
		c.SellerSnapshot = &s
	}
	return &c
}

// Transition moves the order to status and records who did it.
func (o *Order) Transition(status OrderStatus, actor Actor, note string, at time.Time) {
	o.Status = status
	o.StatusHistory = append(o.StatusHistory, HistoryEntry{
		Status:    status,
		Timestamp: at,
		Note:      note,
		UpdatedBy: actor.Tag(),
	})
	o.UpdatedAt = at
}

func (o *Order) Validate() error {
	switch {
	case o.SchemaVersion != SchemaVersion:
		return fmt.Errorf("%w: unsupported schema version %d", ErrValidation, o.SchemaVersion)
	case o.ProductID == "" || o.UserID == "":
		return fmt.Errorf("%w: product and user are required", ErrValidation)
	case o.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive", ErrValidation)
	case o.UnitPrice < 0:
		return fmt.Errorf("%w: unit price must not be negative", ErrValidation)
	case o.TotalAmount != int64(o.Quantity)*o.UnitPrice:
		return fmt.Errorf("%w: total amount %d does not match %d x %d", ErrValidation, o.TotalAmount, o.Quantity, o.UnitPrice)
	case !o.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrValidation, o.Status)
	case len(o.StatusHistory) == 0:
		return fmt.Errorf("%w: status history is empty", ErrValidation)
	case o.StatusHistory[len(o.StatusHistory)-1].Status != o.Status:
		return fmt.Errorf("%w: last history entry is %s, status is %s",
			ErrValidation, o.StatusHistory[len(o.StatusHistory)-1].Status, o.Status)
	}
	return nil
}

// NewOrderNumber formats a display number such as BBHC-20250101120000-123.
// It is not unique on its own; the store enforces uniqueness.
func NewOrderNumber(now time.Time) string {
	return fmt.Sprintf("%s-%s-%d", orderNumberPrefix, now.UTC().Format("20060102150405"), 100+rand.IntN(900))
}
