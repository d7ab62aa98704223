package market

import (
	"context"
	"errors"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/obs"
)

// ChangeState drives an order along the state machine on behalf of actor.
// DISPUTE is entered and left only through the dispute operations.
func (s *Service) ChangeState(ctx context.Context, orderID string, to domain.OrderState, actor domain.Actor, note string) (domain.Order, error) {
	if !to.Valid() {
		return domain.Order{}, domain.ErrInvalidInput
	}
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.IsPending || order.State == domain.StateDispute || to == domain.StateDispute {
			return domain.ErrInvalidOrderState
		}
		if !domain.CanTransition(order.State, to) {
			return domain.ErrInvalidOrderState
		}
		if err := authorize(order, to, actor); err != nil {
			return err
		}
		return s.apply(ctx, &order, to, actor.UserID, note)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.committed(ctx, order)
	return order, nil
}

// authorize checks that actor may move order to the target state.
func authorize(order domain.Order, to domain.OrderState, actor domain.Actor) error {
	if actor.Privileged() {
		return nil
	}
	from := order.State
	switch actor.UserID {
	case order.SellerID:
		switch to {
		case domain.StateAccepted:
			if from == domain.StateNew {
				return nil
			}
		case domain.StateClosedRejected, domain.StateSent, domain.StateClosedCancelled:
			return nil
		}
	case order.BuyerID:
		switch to {
		case domain.StateClosedCompleted:
			return nil
		case domain.StateAccepted:
			// revision request
			if from == domain.StateSent {
				return nil
			}
		case domain.StateClosedCancelled:
			if from == domain.StateNew {
				return nil
			}
		}
	}
	return domain.ErrForbidden
}

// apply performs one legal transition and its side effects inside the
// caller's unit of work, then persists the order and its history entry.
func (s *Service) apply(ctx context.Context, order *domain.Order, to domain.OrderState, actorID, note string) error {
	from := order.State
	now := s.clock.Now()

	switch to {
	case domain.StateAccepted:
		if from == domain.StateSent {
			if order.RevisionCountLeft <= 0 {
				return domain.ErrRevisionLimitExceeded
			}
			order.RevisionCountLeft--
			order.DeliveredOn = nil
			break
		}
		days, revisions, err := s.terms(ctx, *order)
		if err != nil {
			return err
		}
		deadline := now.AddDate(0, 0, days+order.ExtraDeliveryDays())
		order.AcceptedOn = &now
		order.Deadline = &deadline
		order.RevisionCountLeft = revisions
	case domain.StateSent:
		order.DeliveredOn = &now
	case domain.StateClosedRejected, domain.StateClosedCancelled:
		if err := s.lockParties(ctx, *order); err != nil {
			return err
		}
		if _, err := s.ledger.OrderMoneyback(ctx, order.Total(), order.BuyerID, order.ID); err != nil {
			return err
		}
		order.ClosedOn = &now
	case domain.StateClosedCompleted:
		product, err := s.store.GetProductForUpdate(ctx, order.ProductID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if err := s.lockParties(ctx, *order); err != nil {
			return err
		}
		if _, err := s.ledger.OrderPrerelease(ctx, order.Total(), order.SellerID, order.ID, s.cfg.Clearance); err != nil {
			return err
		}
		if err := s.completeSale(ctx, *order, product); err != nil {
			return err
		}
		order.ClosedOn = &now
	}

	order.State = to
	if err := s.store.UpdateOrder(ctx, *order); err != nil {
		return err
	}
	return s.store.AppendHistory(ctx, domain.HistoryEntry{
		OrderID: order.ID,
		From:    from,
		To:      to,
		ActorID: actorID,
		Note:    note,
		At:      now,
	})
}

// terms returns the delivery time and revision budget an accepted order
// starts with: the negotiated enquiry terms, else the product's, else the
// fallback delivery time. Selected extras add their own delivery days.
func (s *Service) terms(ctx context.Context, order domain.Order) (days, revisions int, err error) {
	if e := order.Snapshot.Enquiry; e != nil {
		days, revisions = e.DeliveryDays, e.Revisions
	} else {
		product, err := s.store.GetProduct(ctx, order.ProductID)
		switch {
		case err == nil:
			days, revisions = product.DeliveryDays, product.Revisions
		case !errors.Is(err, domain.ErrNotFound):
			return 0, 0, err
		}
	}
	if days <= 0 {
		days = s.cfg.DefaultDeliveryDays
	}
	for _, x := range order.Snapshot.Extras {
		days += x.DeliveryDays
	}
	return days, revisions, nil
}

// lockParties locks every user a closing transition may credit or charge.
// Rows are locked order first, then product, then users by id.
func (s *Service) lockParties(ctx context.Context, order domain.Order) error {
	ids := []string{order.BuyerID, order.SellerID}
	buyer, err := s.store.GetUser(ctx, order.BuyerID)
	switch {
	case err == nil:
		ids = append(ids, buyer.ReferrerID)
	case !errors.Is(err, domain.ErrNotFound):
		return err
	}
	return s.ledger.LockUsers(ctx, ids...)
}

// completeSale updates the seller's counters and the stock of the product,
// which the caller has locked. A deleted product is skipped.
func (s *Service) completeSale(ctx context.Context, order domain.Order, product domain.Product) error {
	seller, err := s.store.GetUserForUpdate(ctx, order.SellerID)
	if err != nil {
		return err
	}
	stats := seller.Seller
	stats.CompletedOrders++
	stats.Earned += order.Total()
	if err := s.store.UpdateSellerStats(ctx, seller.ID, stats); err != nil {
		return err
	}
	if _, err := s.RecomputeSellerLevel(ctx, seller.ID); err != nil {
		return err
	}

	if product.ID == "" {
		return nil
	}
	product.Sales++
	if product.Quantity != nil {
		left := *product.Quantity - 1
		if left < 0 {
			left = 0
		}
		product.Quantity = &left
	}
	return s.store.UpdateProduct(ctx, product)
}

// committed runs the after-commit work of a transition.
func (s *Service) committed(ctx context.Context, order domain.Order) {
	obs.ObserveTransition(string(order.State))
	s.notify(ctx, Event{
		Kind:       EventOrderState,
		OrderID:    order.ID,
		State:      string(order.State),
		Recipients: []string{order.BuyerID, order.SellerID},
	})
}

// Order returns an order visible to actor.
func (s *Service) Order(ctx context.Context, actor domain.Actor, orderID string) (domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if !actor.Privileged() && !order.Participant(actor.UserID) {
		return domain.Order{}, domain.ErrNotFound
	}
	return order, nil
}

// History returns the order's state changes, oldest first.
func (s *Service) History(ctx context.Context, actor domain.Actor, orderID string) ([]domain.HistoryEntry, error) {
	if _, err := s.Order(ctx, actor, orderID); err != nil {
		return nil, err
	}
	return s.store.ListHistory(ctx, orderID)
}
