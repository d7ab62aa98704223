package market

import (
	"context"
	"strings"
	"time"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ids"
)

// ProductOfferInput schedules a promotion on a product.
type ProductOfferInput struct {
	ProductID string                `json:"product_id"`
	Kind      domain.AdjustmentKind `json:"kind"`
	Value     int64                 `json:"value"`
	StartDate time.Time             `json:"start_date"`
	EndDate   time.Time             `json:"end_date"`
}

// DiscountInput creates a single-use code.
type DiscountInput struct {
	Code      string                `json:"code"`
	ProductID string                `json:"product_id"`
	Kind      domain.AdjustmentKind `json:"kind"`
	Value     int64                 `json:"value"`
}

// EnquiryOfferInput is a custom quote for one buyer.
type EnquiryOfferInput struct {
	ProductID    string    `json:"product_id"`
	BuyerID      string    `json:"buyer_id"`
	Price        int64     `json:"price"`
	DeliveryDays int       `json:"delivery_days"`
	Revisions    int       `json:"revisions"`
	ExpiresOn    time.Time `json:"expires_on"`
}

func validAdjustment(kind domain.AdjustmentKind, value int64) bool {
	if !kind.Valid() || value <= 0 {
		return false
	}
	return kind != domain.AdjustRelative || value <= 100
}

// ownedProduct loads a product for update and checks who sells it.
func (s *Service) ownedProduct(ctx context.Context, sellerID, productID string) (domain.Product, error) {
	p, err := s.store.GetProductForUpdate(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if p.SellerID != sellerID {
		return domain.Product{}, domain.ErrForbidden
	}
	return p, nil
}

// CreateProductOffer schedules a promotion. Windows of one product never
// overlap, so at most one promotion is active on any day.
func (s *Service) CreateProductOffer(ctx context.Context, sellerID string, in ProductOfferInput) (domain.ProductOffer, error) {
	if !validAdjustment(in.Kind, in.Value) || in.StartDate.IsZero() || in.EndDate.Before(in.StartDate) {
		return domain.ProductOffer{}, domain.ErrInvalidInput
	}
	offer := domain.ProductOffer{
		ID:        ids.Prefixed("pof"),
		ProductID: in.ProductID,
		Kind:      in.Kind,
		Value:     in.Value,
		StartDate: in.StartDate,
		EndDate:   in.EndDate,
	}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ownedProduct(ctx, sellerID, in.ProductID); err != nil {
			return err
		}
		existing, err := s.store.ProductOffers(ctx, in.ProductID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if other.Overlaps(offer) {
				return domain.ErrOfferOverlap
			}
		}
		return s.store.InsertProductOffer(ctx, offer)
	})
	if err != nil {
		return domain.ProductOffer{}, err
	}
	return offer, nil
}

// CreateDiscount issues a single-use code for one of the seller's products.
func (s *Service) CreateDiscount(ctx context.Context, sellerID string, in DiscountInput) (domain.Discount, error) {
	code := strings.ToUpper(strings.TrimSpace(in.Code))
	if code == "" || !validAdjustment(in.Kind, in.Value) {
		return domain.Discount{}, domain.ErrInvalidInput
	}
	d := domain.Discount{Code: code, ProductID: in.ProductID, Kind: in.Kind, Value: in.Value}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ownedProduct(ctx, sellerID, in.ProductID); err != nil {
			return err
		}
		return s.store.InsertDiscount(ctx, d)
	})
	if err != nil {
		return domain.Discount{}, err
	}
	return d, nil
}

// CreateEnquiryOffer quotes custom terms to one buyer before any order exists.
func (s *Service) CreateEnquiryOffer(ctx context.Context, sellerID string, in EnquiryOfferInput) (domain.EnquiryOffer, error) {
	if in.Price <= 0 {
		return domain.EnquiryOffer{}, domain.ErrInvalidAmount
	}
	if in.BuyerID == "" || in.BuyerID == sellerID || in.DeliveryDays < 0 || in.Revisions < 0 {
		return domain.EnquiryOffer{}, domain.ErrInvalidInput
	}
	offer := domain.EnquiryOffer{
		ID:           ids.Prefixed("enq"),
		ProductID:    in.ProductID,
		SellerID:     sellerID,
		BuyerID:      in.BuyerID,
		Price:        in.Price,
		DeliveryDays: in.DeliveryDays,
		Revisions:    in.Revisions,
		ExpiresOn:    in.ExpiresOn,
		CreatedOn:    s.clock.Now(),
	}
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ownedProduct(ctx, sellerID, in.ProductID); err != nil {
			return err
		}
		if _, err := s.store.GetUser(ctx, in.BuyerID); err != nil {
			return err
		}
		return s.store.InsertEnquiryOffer(ctx, offer)
	})
	if err != nil {
		return domain.EnquiryOffer{}, err
	}
	return offer, nil
}

// CloseEnquiryOffer withdraws (seller) or declines (buyer) an open quote.
func (s *Service) CloseEnquiryOffer(ctx context.Context, userID, offerID string) (domain.EnquiryOffer, error) {
	var offer domain.EnquiryOffer
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		offer, err = s.store.GetEnquiryOfferForUpdate(ctx, offerID)
		if err != nil {
			return err
		}
		if userID != offer.SellerID && userID != offer.BuyerID {
			return domain.ErrForbidden
		}
		if err := offer.Close(); err != nil {
			return err
		}
		return s.store.UpdateEnquiryOffer(ctx, offer)
	})
	if err != nil {
		return domain.EnquiryOffer{}, err
	}
	return offer, nil
}
