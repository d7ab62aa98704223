package market

import (
	"context"
	"time"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ids"
)

// OrderOfferInput is a seller's proposal to extend a running order.
type OrderOfferInput struct {
	Price        int64          `json:"price"`
	DeliveryDays int            `json:"delivery_days"`
	Extras       []domain.Extra `json:"extras,omitempty"`
	Description  string         `json:"description,omitempty"`
	ExpiresOn    time.Time      `json:"expires_on"`
}

func offerable(order domain.Order) bool {
	return !order.IsPending && (order.State == domain.StateNew || order.State == domain.StateAccepted)
}

// CreateOrderOffer proposes additional paid work on an order the seller owns.
func (s *Service) CreateOrderOffer(ctx context.Context, sellerID, orderID string, in OrderOfferInput) (domain.OrderOffer, error) {
	if in.Price <= 0 {
		return domain.OrderOffer{}, domain.ErrInvalidAmount
	}
	if in.DeliveryDays < 0 {
		return domain.OrderOffer{}, domain.ErrInvalidInput
	}

	var offer domain.OrderOffer
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.SellerID != sellerID {
			return domain.ErrForbidden
		}
		if !offerable(order) {
			return domain.ErrInvalidOrderState
		}
		offer = domain.OrderOffer{
			ID:           ids.Prefixed("oof"),
			OrderID:      order.ID,
			SellerID:     sellerID,
			Description:  in.Description,
			Price:        in.Price,
			DeliveryDays: in.DeliveryDays,
			Extras:       in.Extras,
			ExpiresOn:    in.ExpiresOn,
			CreatedOn:    s.clock.Now(),
		}
		return s.store.InsertOrderOffer(ctx, offer)
	})
	if err != nil {
		return domain.OrderOffer{}, err
	}
	s.notify(ctx, Event{Kind: EventOfferCreated, OrderID: order.ID, OfferID: offer.ID, Recipients: []string{order.BuyerID}})
	return offer, nil
}

// AcceptOffer folds an open offer into the order: an additional escrow hold
// for its price, and a later deadline when work has already started.
func (s *Service) AcceptOffer(ctx context.Context, buyerID, offerID string) (domain.Order, error) {
	var order domain.Order
	var offer domain.OrderOffer
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		offer, err = s.store.GetOrderOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		order, err = s.store.GetOrderForUpdate(ctx, offer.OrderID)
		if err != nil {
			return err
		}
		if order.BuyerID != buyerID {
			return domain.ErrForbidden
		}
		now := s.clock.Now()
		if !offer.Open() {
			return domain.ErrOfferAlreadyClosed
		}
		if offer.Expired(now) {
			return domain.ErrOfferExpired
		}
		if !offerable(order) {
			return domain.ErrInvalidOrderState
		}

		hold, err := s.ledger.OrderHold(ctx, offer.Price, buyerID, order.ID)
		if err != nil {
			return err
		}
		accepted := domain.AcceptedOffer{
			OfferID:      offer.ID,
			Price:        offer.Price,
			DeliveryDays: offer.DeliveryDays,
			Extras:       offer.Extras,
			AcceptedOn:   now,
		}
		if hold.Fee != nil {
			accepted.Fee = hold.Fee.Amount
		}
		order.Accepted = append(append([]domain.AcceptedOffer(nil), order.Accepted...), accepted)
		if order.State == domain.StateAccepted && order.Deadline != nil {
			deadline := order.Deadline.AddDate(0, 0, offer.DeliveryDays)
			order.Deadline = &deadline
		}
		if err := offer.Accept(); err != nil {
			return err
		}
		if err := s.store.UpdateOrderOffer(ctx, offer); err != nil {
			return err
		}
		return s.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.notify(ctx, Event{Kind: EventOfferAccepted, OrderID: order.ID, OfferID: offer.ID, Recipients: []string{order.SellerID}})
	return order, nil
}

// DeclineOffer closes an open offer: declined by the buyer or withdrawn by the seller.
func (s *Service) DeclineOffer(ctx context.Context, userID, offerID string) (domain.OrderOffer, error) {
	var offer domain.OrderOffer
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		offer, err = s.store.GetOrderOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		order, err = s.store.GetOrder(ctx, offer.OrderID)
		if err != nil {
			return err
		}
		if !order.Participant(userID) {
			return domain.ErrForbidden
		}
		if err := offer.Close(); err != nil {
			return err
		}
		return s.store.UpdateOrderOffer(ctx, offer)
	})
	if err != nil {
		return domain.OrderOffer{}, err
	}
	s.notify(ctx, Event{Kind: EventOfferDeclined, OrderID: order.ID, OfferID: offer.ID, Recipients: []string{order.Peer(userID)}})
	return offer, nil
}

// OrderOffers lists the offers made on an order visible to actor.
func (s *Service) OrderOffers(ctx context.Context, actor domain.Actor, orderID string) ([]domain.OrderOffer, error) {
	if _, err := s.Order(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.store.ListOrderOffers(ctx, orderID)
}
