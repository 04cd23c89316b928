package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/joao-fontenele/pickup-orderflow/internal/domain"
)

// Hook runs after a transition is durably stored. Its error is logged and
// counted; the transition has already succeeded.
type Hook interface {
	Name() string
	AfterCommit(ctx context.Context, ev domain.OrderEvent) error
}

type notificationHook struct {
	gateway NotificationGateway
}

// NotificationHook tells the other party about each transition over every
// channel their snapshot has contact data for.
func NotificationHook(gateway NotificationGateway) Hook {
	return notificationHook{gateway: gateway}
}

func (notificationHook) Name() string { return "notification" }

func (h notificationHook) AfterCommit(ctx context.Context, ev domain.OrderEvent) error {
	o := ev.Order
	buyer := &o.UserSnapshot

	var (
		to      []recipientOf
		subject string
		message string
	)
	switch ev.Type {
	case domain.EventOrderPlaced:
		to = []recipientOf{{domain.RoleSeller, o.SellerSnapshot}}
		subject = "New pickup order " + o.OrderNumber
		message = fmt.Sprintf("%s ordered %d x %s. Accept or reject it in your dashboard.",
			buyer.Name, o.Quantity, o.ProductSnapshot.Name)
	case domain.EventOrderAccepted:
		to = []recipientOf{{domain.RoleUser, buyer}}
		subject = "Order " + o.OrderNumber + " accepted"
		message = fmt.Sprintf("Your order was accepted. %s", o.PickupInstructions)
	case domain.EventOrderRejected:
		to = []recipientOf{{domain.RoleUser, buyer}}
		subject = "Order " + o.OrderNumber + " rejected"
		message = "The seller rejected your order: " + o.RejectionReason
	case domain.EventOrderCancelled:
		to = []recipientOf{{domain.RoleSeller, o.SellerSnapshot}}
		subject = "Order " + o.OrderNumber + " cancelled"
		message = "The buyer cancelled the order."
	case domain.EventOrderHandedOver:
		to = []recipientOf{{domain.RoleUser, buyer}}
		subject = "Order " + o.OrderNumber + " ready for pickup"
		message = fmt.Sprintf("Your product is waiting at %s. %s", o.PickupLocation, o.PickupInstructions)
	case domain.EventOrderCompleted:
		to = []recipientOf{{domain.RoleUser, buyer}, {domain.RoleSeller, o.SellerSnapshot}}
		subject = "Order " + o.OrderNumber + " completed"
		message = "The order was paid and collected."
	case domain.EventOrderMasterCancel:
		to = []recipientOf{{domain.RoleUser, buyer}, {domain.RoleSeller, o.SellerSnapshot}}
		subject = "Order " + o.OrderNumber + " cancelled by the platform"
		message = "The order was cancelled by the platform: " + o.RejectionReason
	case domain.EventOrderStatusOverride:
		to = []recipientOf{{domain.RoleUser, buyer}, {domain.RoleSeller, o.SellerSnapshot}}
		subject = "Order " + o.OrderNumber + " updated"
		message = "The order status is now " + string(o.Status) + "."
	default:
		return nil
	}

	var errs []error
	for _, r := range to {
		for _, n := range r.notifications(ev.Type, o, subject, message) {
			if err := h.gateway.Notify(ctx, n); err != nil {
				errs = append(errs, fmt.Errorf("notify %s %s via %s: %w", n.Recipient.Role, n.Recipient.ID, n.Channel, err))
			}
		}
	}
	return errors.Join(errs...)
}

type recipientOf struct {
	role  domain.Role
	party *domain.PartySnapshot
}

func (r recipientOf) notifications(event domain.EventType, o domain.Order, subject, message string) []domain.Notification {
	if r.party == nil {
		return nil
	}

	var out []domain.Notification
	add := func(ch domain.Channel, address string) {
		if address == "" {
			return
		}
		out = append(out, domain.Notification{
			Channel: ch,
			Recipient: domain.Recipient{
				Role:    r.role,
				ID:      r.party.ID,
				Name:    r.party.Name,
				Address: address,
			},
			Event:       event,
			OrderID:     o.ID,
			OrderNumber: o.OrderNumber,
			Subject:     subject,
			Message:     message,
		})
	}
	add(domain.ChannelEmail, r.party.Email)
	add(domain.ChannelSMS, r.party.Phone)
	return out
}

type broadcastHook struct {
	broadcaster EventBroadcaster
}

// BroadcastHook pushes a compact order update to both parties and to
// every outlet and master client.
func BroadcastHook(b EventBroadcaster) Hook {
	return broadcastHook{broadcaster: b}
}

func (broadcastHook) Name() string { return "broadcast" }

// OrderUpdate is the payload live clients receive.
type OrderUpdate struct {
	OrderID     string             `json:"order_id"`
	OrderNumber string             `json:"order_number"`
	Status      domain.OrderStatus `json:"status"`
	Previous    domain.OrderStatus `json:"previous,omitempty"`
	UpdatedBy   string             `json:"updated_by"`
	At          time.Time          `json:"at"`
}

func (h broadcastHook) AfterCommit(ctx context.Context, ev domain.OrderEvent) error {
	o := ev.Order
	targets := []domain.Target{
		domain.TargetActor(domain.Actor{Role: domain.RoleUser, ID: o.UserID}),
		domain.TargetRole(domain.RoleMaster),
		domain.TargetRole(domain.RoleOutlet),
	}
	if o.SellerID != "" {
		targets = append(targets, domain.TargetActor(domain.Actor{Role: domain.RoleSeller, ID: o.SellerID}))
	}

	update := OrderUpdate{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Status:      o.Status,
		Previous:    ev.FromStatus,
		UpdatedBy:   ev.Actor.Tag(),
		At:          ev.At,
	}
	return h.broadcaster.Publish(ctx, ev.Type, update, targets...)
}

type statisticsHook struct {
	sink StatisticsSink
}

// StatisticsHook reports revenue once, when an order reaches completed.
func StatisticsHook(sink StatisticsSink) Hook {
	return statisticsHook{sink: sink}
}

func (statisticsHook) Name() string { return "statistics" }

func (h statisticsHook) AfterCommit(ctx context.Context, ev domain.OrderEvent) error {
	if ev.Order.Status != domain.OrderStatusCompleted || ev.FromStatus == domain.OrderStatusCompleted {
		return nil
	}
	return h.sink.RecordCompletion(ctx, domain.Completion{
		OrderID:        ev.Order.ID,
		SellerID:       ev.Order.SellerID,
		TotalAmount:    ev.Order.TotalAmount,
		CommissionRate: ev.Order.CommissionRate,
		CompletedAt:    ev.At,
	})
}
