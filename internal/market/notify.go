package market

import (
	"context"
	"time"
)

// EventKind names a committed change worth telling participants about.
type EventKind string

const (
	EventOrderPlaced      EventKind = "order.placed"
	EventOrderState       EventKind = "order.state"
	EventOfferCreated     EventKind = "offer.created"
	EventOfferAccepted    EventKind = "offer.accepted"
	EventOfferDeclined    EventKind = "offer.declined"
	EventDisputeOpened    EventKind = "dispute.opened"
	EventDisputeResolved  EventKind = "dispute.resolved"
	EventDisputeCancelled EventKind = "dispute.cancelled"
	EventFeedback         EventKind = "order.feedback"
)

// Event is delivered after the change it describes has committed.
type Event struct {
	Kind       EventKind `json:"kind"`
	OrderID    string    `json:"order_id"`
	State      string    `json:"state,omitempty"`
	OfferID    string    `json:"offer_id,omitempty"`
	DisputeID  string    `json:"dispute_id,omitempty"`
	Recipients []string  `json:"recipients"`
	At         time.Time `json:"at"`
}

// Notifier delivers events. Delivery is best effort: an error is logged
// and never undoes the committed change.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) error { return nil }

func (s *Service) notify(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev.At.IsZero() {
			ev.At = s.clock.Now()
		}
		if err := s.notifier.Notify(ctx, ev); err != nil {
			s.log.WithError(err).WithField("order_id", ev.OrderID).WithField("event", ev.Kind).Warn("notification failed")
		}
	}
}
