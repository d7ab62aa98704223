package market

import (
	"context"

	"marketcore.org/internal/domain"
)

// levelRules are checked from the top down; a seller takes the first level
// whose completed-order count and rating (x100) they both reach.
var levelRules = []struct {
	level     domain.SellerLevel
	completed int64
	rating    int64
}{
	{domain.LevelTop, 100, 480},
	{domain.LevelTwo, 50, 470},
	{domain.LevelOne, 10, 450},
}

func levelFor(stats domain.SellerStats) domain.SellerLevel {
	for _, r := range levelRules {
		if stats.CompletedOrders >= r.completed && stats.Rating() >= r.rating {
			return r.level
		}
	}
	return domain.LevelNew
}

// LeaveFeedback records the buyer's rating (1..5) of a completed order and
// recomputes the seller's level once.
func (s *Service) LeaveFeedback(ctx context.Context, buyerID, orderID string, rating int, comment string) (domain.Feedback, error) {
	if rating < 1 || rating > 5 {
		return domain.Feedback{}, domain.ErrInvalidInput
	}
	var fb domain.Feedback
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		order, err := s.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.BuyerID != buyerID {
			return domain.ErrForbidden
		}
		if order.State != domain.StateClosedCompleted {
			return domain.ErrInvalidOrderState
		}
		fb = domain.Feedback{
			OrderID:   order.ID,
			BuyerID:   buyerID,
			SellerID:  order.SellerID,
			Rating:    rating,
			Comment:   comment,
			CreatedOn: s.clock.Now(),
		}
		if err := s.store.InsertFeedback(ctx, fb); err != nil {
			return err
		}
		seller, err := s.store.GetUserForUpdate(ctx, order.SellerID)
		if err != nil {
			return err
		}
		stats := seller.Seller
		stats.RatingSum += int64(rating)
		stats.RatingCount++
		if err := s.store.UpdateSellerStats(ctx, seller.ID, stats); err != nil {
			return err
		}
		_, err = s.RecomputeSellerLevel(ctx, seller.ID)
		return err
	})
	if err != nil {
		return domain.Feedback{}, err
	}
	s.notify(ctx, Event{Kind: EventFeedback, OrderID: fb.OrderID, Recipients: []string{fb.SellerID}})
	return fb, nil
}

// RecomputeSellerLevel derives the seller's level from their counters and
// stores it when it changed.
func (s *Service) RecomputeSellerLevel(ctx context.Context, sellerID string) (domain.SellerLevel, error) {
	var level domain.SellerLevel
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		seller, err := s.store.GetUserForUpdate(ctx, sellerID)
		if err != nil {
			return err
		}
		level = levelFor(seller.Seller)
		if level == seller.Seller.Level {
			return nil
		}
		stats := seller.Seller
		stats.Level = level
		return s.store.UpdateSellerStats(ctx, sellerID, stats)
	})
	return level, err
}
