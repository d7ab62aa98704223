package market

import (
	"context"
	"errors"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ids"
	"marketcore.org/internal/obs"
	"marketcore.org/internal/pricing"
)

// Payment selects how the buyer pays for an order.
type Payment string

const (
	// PaymentBalance escrows from the buyer's spendable credit at once.
	PaymentBalance Payment = "balance"
	// PaymentCard leaves the order pending until the card capture is confirmed.
	PaymentCard Payment = "card"
)

// PlaceOrderInput is a purchase request.
type PlaceOrderInput struct {
	BuyerID        string   `json:"buyer_id"`
	ProductID      string   `json:"product_id"`
	ExtraIDs       []string `json:"extra_ids,omitempty"`
	DiscountCode   string   `json:"discount_code,omitempty"`
	EnquiryOfferID string   `json:"enquiry_offer_id,omitempty"`
	Payment        Payment  `json:"payment,omitempty"`
}

// PlaceOrder prices the purchase and opens a NEW order. Paid from balance,
// the escrow hold and buyer fee are booked in the same unit of work.
func (s *Service) PlaceOrder(ctx context.Context, in PlaceOrderInput) (domain.Order, error) {
	if in.Payment == "" {
		in.Payment = PaymentBalance
	}
	if in.Payment != PaymentBalance && in.Payment != PaymentCard {
		return domain.Order{}, domain.ErrInvalidInput
	}
	if in.BuyerID == "" || in.ProductID == "" {
		return domain.Order{}, domain.ErrInvalidInput
	}

	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		product, err := s.store.GetProductForUpdate(ctx, in.ProductID)
		if err != nil {
			return err
		}
		if !product.IsActive || !product.InStock() {
			return domain.ErrProductUnavailable
		}
		if product.SellerID == in.BuyerID {
			return domain.ErrForbidden
		}
		buyer, err := s.store.GetUser(ctx, in.BuyerID)
		if err != nil {
			return err
		}
		if !buyer.IsActive {
			return domain.ErrForbidden
		}

		now := s.clock.Now()
		input := pricing.Input{Product: product, ExtraIDs: in.ExtraIDs, BuyerID: in.BuyerID, Now: now}

		promotions, err := s.store.ProductOffers(ctx, product.ID)
		if err != nil {
			return err
		}
		for i := range promotions {
			if promotions[i].ActiveOn(now) {
				input.ProductOffer = &promotions[i]
				break
			}
		}

		var discount domain.Discount
		if in.DiscountCode != "" {
			// An unknown code only matters if nothing with higher precedence sets the price.
			input.DiscountCode = in.DiscountCode
			discount, err = s.store.GetDiscountForUpdate(ctx, in.DiscountCode)
			switch {
			case err == nil:
				input.Discount = &discount
			case !errors.Is(err, domain.ErrNotFound):
				return err
			}
		}

		var enquiry domain.EnquiryOffer
		if in.EnquiryOfferID != "" {
			enquiry, err = s.store.GetEnquiryOfferForUpdate(ctx, in.EnquiryOfferID)
			if err != nil {
				return err
			}
			input.Enquiry = &enquiry
		}

		quote, err := s.pricing.Calculate(input)
		if err != nil {
			return err
		}

		order = domain.Order{
			ID:        ids.Prefixed("ord"),
			ProductID: product.ID,
			BuyerID:   in.BuyerID,
			SellerID:  product.SellerID,
			Price:     quote.Amount,
			Fee:       quote.Fee,
			State:     domain.StateNew,
			IsPending: in.Payment == PaymentCard,
			CreatedOn: now,
			Snapshot:  domain.Snapshot{ListPrice: product.Price, Extras: quote.Extras},
		}

		switch quote.Source {
		case pricing.SourceEnquiryOffer:
			// A card order only reserves the quote until the capture settles.
			if order.IsPending {
				err = enquiry.Reserve()
			} else {
				err = enquiry.Accept()
			}
			if err != nil {
				return err
			}
			if err := s.store.UpdateEnquiryOffer(ctx, enquiry); err != nil {
				return err
			}
			order.Snapshot.Enquiry = &domain.EnquirySnapshot{
				OfferID:      enquiry.ID,
				Price:        enquiry.Price,
				DeliveryDays: enquiry.DeliveryDays,
				Revisions:    enquiry.Revisions,
			}
		case pricing.SourceProductOffer:
			po := input.ProductOffer
			order.Snapshot.ProductOffer = &domain.ProductOfferSnapshot{OfferID: po.ID, Kind: po.Kind, Value: po.Value}
		case pricing.SourceDiscount:
			// A card order keeps the code reserved until the capture settles.
			if order.IsPending {
				discount.OnHold = true
			} else {
				discount.IsUsed = true
			}
			if err := s.store.UpdateDiscount(ctx, discount); err != nil {
				return err
			}
			order.Snapshot.Discount = &domain.DiscountSnapshot{Code: discount.Code, Kind: discount.Kind, Value: discount.Value}
		}

		if err := s.store.InsertOrder(ctx, order); err != nil {
			return err
		}
		if !order.IsPending {
			if _, err := s.ledger.OrderHold(ctx, order.Price, order.BuyerID, order.ID); err != nil {
				return err
			}
		}
		return s.store.AppendHistory(ctx, domain.HistoryEntry{
			OrderID: order.ID,
			To:      domain.StateNew,
			ActorID: in.BuyerID,
			Note:    string(in.Payment),
			At:      now,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	obs.ObserveTransition(string(domain.StateNew))
	s.log.WithField("order_id", order.ID).WithField("amount", order.Price).Info("order placed")
	if !order.IsPending {
		s.notify(ctx, Event{Kind: EventOrderPlaced, OrderID: order.ID, State: string(order.State), Recipients: []string{order.SellerID}})
	}
	return order, nil
}

// ConfirmPending settles a card order once the external capture succeeded:
// the captured amount is deposited and immediately escrowed.
func (s *Service) ConfirmPending(ctx context.Context, orderID, reference string) (domain.Order, error) {
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsPending || order.State != domain.StateNew {
			return domain.ErrInvalidOrderState
		}
		if err := s.settleReservations(ctx, order, true); err != nil {
			return err
		}
		if err := s.lockParties(ctx, order); err != nil {
			return err
		}
		if _, err := s.ledger.Deposit(ctx, order.BuyerID, order.Price+order.Fee, domain.SubtypeCard, reference, ""); err != nil {
			return err
		}
		if _, err := s.ledger.OrderHold(ctx, order.Price, order.BuyerID, order.ID); err != nil {
			return err
		}
		order.IsPending = false
		return s.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.notify(ctx, Event{Kind: EventOrderPlaced, OrderID: order.ID, State: string(order.State), Recipients: []string{order.SellerID}})
	return order, nil
}

// CancelPending closes a card order whose capture failed. Nothing was
// booked, so nothing is refunded; a reserved discount code or quote is released.
func (s *Service) CancelPending(ctx context.Context, orderID string, actor domain.Actor, note string) (domain.Order, error) {
	if actor.UserID == "" {
		actor = domain.SystemActor
	}
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.IsPending || order.State != domain.StateNew {
			return domain.ErrInvalidOrderState
		}
		if err := s.settleReservations(ctx, order, false); err != nil {
			return err
		}
		now := s.clock.Now()
		order.State = domain.StateClosedCancelled
		order.ClosedOn = &now
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return s.store.AppendHistory(ctx, domain.HistoryEntry{
			OrderID: order.ID,
			From:    domain.StateNew,
			To:      domain.StateClosedCancelled,
			ActorID: actor.UserID,
			Note:    note,
			At:      now,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	obs.ObserveTransition(string(domain.StateClosedCancelled))
	return order, nil
}

// settleReservations commits or releases the discount code or quote
// reserved by a pending order.
func (s *Service) settleReservations(ctx context.Context, order domain.Order, commit bool) error {
	if snap := order.Snapshot.Enquiry; snap != nil {
		e, err := s.store.GetEnquiryOfferForUpdate(ctx, snap.OfferID)
		if err != nil {
			return err
		}
		if commit {
			err = e.Accept()
		} else {
			e.Release()
		}
		if err != nil {
			return err
		}
		if err := s.store.UpdateEnquiryOffer(ctx, e); err != nil {
			return err
		}
	}
	if order.Snapshot.Discount == nil {
		return nil
	}
	d, err := s.store.GetDiscountForUpdate(ctx, order.Snapshot.Discount.Code)
	if err != nil {
		return err
	}
	d.OnHold = false
	if commit {
		d.IsUsed = true
	}
	return s.store.UpdateDiscount(ctx, d)
}
