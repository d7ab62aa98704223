package memory

import (
	"context"
	"sort"

	"marketcore.org/internal/domain"
)

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	defer s.guard(ctx)()
	p, ok := s.st.products[id]
	if !ok {
		return domain.Product{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetProductForUpdate(ctx context.Context, id string) (domain.Product, error) {
	return s.GetProduct(ctx, id)
}

func (s *Store) UpdateProduct(ctx context.Context, p domain.Product) error {
	defer s.guard(ctx)()
	if _, ok := s.st.products[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.st.products[p.ID] = p
	return nil
}

func (s *Store) ProductOffers(ctx context.Context, productID string) ([]domain.ProductOffer, error) {
	defer s.guard(ctx)()
	return append([]domain.ProductOffer(nil), s.st.promotions[productID]...), nil
}

func (s *Store) InsertProductOffer(ctx context.Context, o domain.ProductOffer) error {
	defer s.guard(ctx)()
	list := append([]domain.ProductOffer(nil), s.st.promotions[o.ProductID]...)
	s.st.promotions[o.ProductID] = append(list, o)
	return nil
}

func (s *Store) GetDiscountForUpdate(ctx context.Context, code string) (domain.Discount, error) {
	defer s.guard(ctx)()
	d, ok := s.st.discounts[code]
	if !ok {
		return domain.Discount{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *Store) InsertDiscount(ctx context.Context, d domain.Discount) error {
	defer s.guard(ctx)()
	if _, ok := s.st.discounts[d.Code]; ok {
		return domain.ErrInvalidInput
	}
	s.st.discounts[d.Code] = d
	return nil
}

func (s *Store) UpdateDiscount(ctx context.Context, d domain.Discount) error {
	defer s.guard(ctx)()
	if _, ok := s.st.discounts[d.Code]; !ok {
		return domain.ErrNotFound
	}
	s.st.discounts[d.Code] = d
	return nil
}

func (s *Store) GetEnquiryOfferForUpdate(ctx context.Context, id string) (domain.EnquiryOffer, error) {
	defer s.guard(ctx)()
	o, ok := s.st.enquiries[id]
	if !ok {
		return domain.EnquiryOffer{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) InsertEnquiryOffer(ctx context.Context, o domain.EnquiryOffer) error {
	defer s.guard(ctx)()
	s.st.enquiries[o.ID] = o
	return nil
}

func (s *Store) UpdateEnquiryOffer(ctx context.Context, o domain.EnquiryOffer) error {
	defer s.guard(ctx)()
	if _, ok := s.st.enquiries[o.ID]; !ok {
		return domain.ErrNotFound
	}
	s.st.enquiries[o.ID] = o
	return nil
}

func (s *Store) InsertOrder(ctx context.Context, o domain.Order) error {
	defer s.guard(ctx)()
	if _, ok := s.st.orders[o.ID]; ok {
		return domain.ErrInvalidInput
	}
	s.st.orders[o.ID] = o
	return nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	defer s.guard(ctx)()
	o, ok := s.st.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) GetOrderForUpdate(ctx context.Context, id string) (domain.Order, error) {
	return s.GetOrder(ctx, id)
}

func (s *Store) UpdateOrder(ctx context.Context, o domain.Order) error {
	defer s.guard(ctx)()
	if _, ok := s.st.orders[o.ID]; !ok {
		return domain.ErrNotFound
	}
	s.st.orders[o.ID] = o
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, h domain.HistoryEntry) error {
	defer s.guard(ctx)()
	list := append([]domain.HistoryEntry(nil), s.st.history[h.OrderID]...)
	s.st.history[h.OrderID] = append(list, h)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, orderID string) ([]domain.HistoryEntry, error) {
	defer s.guard(ctx)()
	return append([]domain.HistoryEntry(nil), s.st.history[orderID]...), nil
}

func (s *Store) InsertOrderOffer(ctx context.Context, o domain.OrderOffer) error {
	defer s.guard(ctx)()
	s.st.orderOffers[o.ID] = o
	return nil
}

func (s *Store) GetOrderOfferForUpdate(ctx context.Context, id string) (domain.OrderOffer, error) {
	defer s.guard(ctx)()
	o, ok := s.st.orderOffers[id]
	if !ok {
		return domain.OrderOffer{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) UpdateOrderOffer(ctx context.Context, o domain.OrderOffer) error {
	defer s.guard(ctx)()
	if _, ok := s.st.orderOffers[o.ID]; !ok {
		return domain.ErrNotFound
	}
	s.st.orderOffers[o.ID] = o
	return nil
}

func (s *Store) ListOrderOffers(ctx context.Context, orderID string) ([]domain.OrderOffer, error) {
	defer s.guard(ctx)()
	var out []domain.OrderOffer
	for _, o := range s.st.orderOffers {
		if o.OrderID == orderID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedOn.Before(out[j].CreatedOn) })
	return out, nil
}

func (s *Store) InsertDispute(ctx context.Context, d domain.Dispute) error {
	defer s.guard(ctx)()
	for _, other := range s.st.disputes {
		if other.OrderID == d.OrderID && !other.IsClosed() {
			return domain.ErrDisputeExists
		}
	}
	s.st.disputes[d.ID] = d
	return nil
}

func (s *Store) GetDisputeForUpdate(ctx context.Context, id string) (domain.Dispute, error) {
	defer s.guard(ctx)()
	d, ok := s.st.disputes[id]
	if !ok {
		return domain.Dispute{}, domain.ErrNotFound
	}
	return d, nil
}

func (s *Store) UpdateDispute(ctx context.Context, d domain.Dispute) error {
	defer s.guard(ctx)()
	if _, ok := s.st.disputes[d.ID]; !ok {
		return domain.ErrNotFound
	}
	s.st.disputes[d.ID] = d
	return nil
}

func (s *Store) OpenDispute(ctx context.Context, orderID string) (*domain.Dispute, error) {
	defer s.guard(ctx)()
	for _, d := range s.st.disputes {
		if d.OrderID == orderID && !d.IsClosed() {
			d := d
			return &d, nil
		}
	}
	return nil, nil
}

func (s *Store) UpdateSellerStats(ctx context.Context, userID string, stats domain.SellerStats) error {
	defer s.guard(ctx)()
	u, ok := s.st.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Seller = stats
	s.st.users[userID] = u
	return nil
}

func (s *Store) InsertFeedback(ctx context.Context, f domain.Feedback) error {
	defer s.guard(ctx)()
	if _, ok := s.st.feedback[f.OrderID]; ok {
		return domain.ErrFeedbackExists
	}
	s.st.feedback[f.OrderID] = f
	return nil
}
