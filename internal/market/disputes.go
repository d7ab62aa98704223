package market

import (
	"context"

	"github.com/shopspring/decimal"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ids"
	"marketcore.org/internal/obs"
)

// DisputeInput opens a dispute and proposes how it should end.
type DisputeInput struct {
	Kind           string                `json:"kind"`
	ResolutionKind domain.ResolutionKind `json:"resolution_kind"`
	Reason         string                `json:"reason,omitempty"`
}

func disputable(order domain.Order) bool {
	if order.IsPending {
		return false
	}
	switch order.State {
	case domain.StateNew, domain.StateAccepted, domain.StateSent:
		return true
	}
	return false
}

// CreateDispute moves an order into DISPUTE. Only a participant may raise
// one and an order carries at most one open dispute. No money moves.
func (s *Service) CreateDispute(ctx context.Context, raiserID, orderID string, in DisputeInput) (domain.Dispute, error) {
	if !in.ResolutionKind.Valid() {
		return domain.Dispute{}, domain.ErrInvalidInput
	}
	var dispute domain.Dispute
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		order, err = s.store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Participant(raiserID) {
			return domain.ErrForbidden
		}
		open, err := s.store.OpenDispute(ctx, order.ID)
		if err != nil {
			return err
		}
		if open != nil {
			return domain.ErrDisputeExists
		}
		if !disputable(order) {
			return domain.ErrInvalidOrderState
		}

		now := s.clock.Now()
		dispute = domain.Dispute{
			ID:             ids.Prefixed("dsp"),
			OrderID:        order.ID,
			RaiserID:       raiserID,
			Kind:           in.Kind,
			ResolutionKind: in.ResolutionKind,
			Reason:         in.Reason,
			Status:         domain.DisputeOpen,
			CreatedOn:      now,
		}
		if err := s.store.InsertDispute(ctx, dispute); err != nil {
			return err
		}
		from := order.State
		order.State = domain.StateDispute
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return s.store.AppendHistory(ctx, domain.HistoryEntry{
			OrderID: order.ID,
			From:    from,
			To:      domain.StateDispute,
			ActorID: raiserID,
			Note:    dispute.ID,
			At:      now,
		})
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	obs.ObserveTransition(string(domain.StateDispute))
	s.notify(ctx, Event{Kind: EventDisputeOpened, OrderID: order.ID, DisputeID: dispute.ID, Recipients: []string{order.Peer(raiserID)}})
	return dispute, nil
}

// ResolveDispute closes the order the way the dispute proposed. The peer of
// the raiser agrees, or an admin forces an outcome; a forced resolution
// charges the dispute fee to the party that did not raise it.
func (s *Service) ResolveDispute(ctx context.Context, userID, disputeID string, forceKind domain.ResolutionKind, byAdmin bool) (domain.Dispute, error) {
	if forceKind != "" && !forceKind.Valid() {
		return domain.Dispute{}, domain.ErrInvalidInput
	}
	var dispute domain.Dispute
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		dispute, err = s.store.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if dispute.IsClosed() {
			return domain.ErrDisputeClosed
		}
		order, err = s.store.GetOrderForUpdate(ctx, dispute.OrderID)
		if err != nil {
			return err
		}
		if order.State != domain.StateDispute {
			return domain.ErrInvalidOrderState
		}

		peer := order.Peer(dispute.RaiserID)
		kind := dispute.ResolutionKind
		if byAdmin {
			if forceKind != "" {
				kind = forceKind
			}
		} else {
			if userID != peer {
				return domain.ErrForbidden
			}
			if forceKind != "" && forceKind != kind {
				return domain.ErrForbidden
			}
		}

		if err := s.apply(ctx, &order, kind.Target(), userID, dispute.ID); err != nil {
			return err
		}

		dispute.Status = domain.DisputeResolved
		if byAdmin {
			fee := decimal.NewFromInt(order.Price).Mul(s.cfg.DisputeFeeRate).Round(0).IntPart()
			if fee > 0 {
				if _, err := s.ledger.Charge(ctx, peer, domain.TxFee, fee, order.ID, domain.SubtypeDisputeFee); err != nil {
					return err
				}
			}
			dispute.Status = domain.DisputeResolvedByAdmin
		}
		now := s.clock.Now()
		dispute.ResolutionKind = kind
		dispute.ClosedOn = &now
		return s.store.UpdateDispute(ctx, dispute)
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	s.committed(ctx, order)
	s.notify(ctx, Event{Kind: EventDisputeResolved, OrderID: order.ID, DisputeID: dispute.ID, State: string(order.State), Recipients: []string{order.BuyerID, order.SellerID}})
	return dispute, nil
}

// CancelDispute withdraws an open dispute. The order returns to the state
// it was in when the dispute was raised; no money moves.
func (s *Service) CancelDispute(ctx context.Context, userID, disputeID string) (domain.Dispute, error) {
	var dispute domain.Dispute
	var order domain.Order
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		dispute, err = s.store.GetDisputeForUpdate(ctx, disputeID)
		if err != nil {
			return err
		}
		if dispute.RaiserID != userID {
			return domain.ErrForbidden
		}
		if dispute.IsClosed() {
			return domain.ErrDisputeClosed
		}
		order, err = s.store.GetOrderForUpdate(ctx, dispute.OrderID)
		if err != nil {
			return err
		}
		if order.State != domain.StateDispute {
			return domain.ErrInvalidOrderState
		}
		prior, err := s.stateBeforeDispute(ctx, order.ID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		order.State = prior
		if err := s.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := s.store.AppendHistory(ctx, domain.HistoryEntry{
			OrderID: order.ID,
			From:    domain.StateDispute,
			To:      prior,
			ActorID: userID,
			Note:    dispute.ID,
			At:      now,
		}); err != nil {
			return err
		}
		dispute.Status = domain.DisputeCancelled
		dispute.ClosedOn = &now
		return s.store.UpdateDispute(ctx, dispute)
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	obs.ObserveTransition(string(order.State))
	s.notify(ctx, Event{Kind: EventDisputeCancelled, OrderID: order.ID, DisputeID: dispute.ID, State: string(order.State), Recipients: []string{order.Peer(userID)}})
	return dispute, nil
}

func (s *Service) stateBeforeDispute(ctx context.Context, orderID string) (domain.OrderState, error) {
	history, err := s.store.ListHistory(ctx, orderID)
	if err != nil {
		return "", err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].To == domain.StateDispute {
			return history[i].From, nil
		}
	}
	return "", domain.ErrInvalidOrderState
}
