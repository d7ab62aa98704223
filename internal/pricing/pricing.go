// Package pricing computes the one-time charge of an order.
//
// Exactly one price source sets the base price, in this order of precedence:
// a negotiated enquiry offer, the product's active promotion, a discount code,
// the list price. Selected extras always add on top.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"marketcore.org/internal/domain"
)

// Source names the price source that won.
type Source string

const (
	SourceList         Source = "list"
	SourceEnquiryOffer Source = "enquiry_offer"
	SourceProductOffer Source = "product_offer"
	SourceDiscount     Source = "discount"
)

var hundred = decimal.NewFromInt(100)

// Calculator prices orders with a fixed fee rate.
type Calculator struct {
	feeRate decimal.Decimal
}

// NewCalculator returns a Calculator charging feeRate on top of every amount.
func NewCalculator(feeRate decimal.Decimal) *Calculator {
	return &Calculator{feeRate: feeRate}
}

// Input is everything that can influence an order's price.
type Input struct {
	Product      domain.Product
	ProductOffer *domain.ProductOffer
	Discount     *domain.Discount
	// DiscountCode is the code the buyer typed; Discount is nil when it is unknown.
	DiscountCode string
	Enquiry      *domain.EnquiryOffer
	ExtraIDs     []string
	BuyerID      string
	Now          time.Time
}

// Quote is the priced order. Amount excludes Fee.
type Quote struct {
	Source      Source
	BasePrice   int64
	ExtrasTotal int64
	Extras      []domain.Extra
	Amount      int64
	Fee         int64

	// DiscountApplied is set when the discount code won and must be reserved.
	DiscountApplied bool
}

// Total is what the buyer pays.
func (q Quote) Total() int64 { return q.Amount + q.Fee }

// Fee returns round(feeRate * amount).
func (c *Calculator) Fee(amount int64) int64 {
	return c.feeRate.Mul(decimal.NewFromInt(amount)).Round(0).IntPart()
}

// Calculate prices in.
func (c *Calculator) Calculate(in Input) (Quote, error) {
	q := Quote{Source: SourceList, BasePrice: in.Product.Price}

	switch {
	case in.Enquiry != nil:
		if err := checkEnquiry(*in.Enquiry, in); err != nil {
			return Quote{}, err
		}
		q.Source = SourceEnquiryOffer
		q.BasePrice = in.Enquiry.Price
	case in.ProductOffer != nil && in.ProductOffer.ProductID == in.Product.ID && in.ProductOffer.ActiveOn(in.Now):
		q.Source = SourceProductOffer
		q.BasePrice = Adjust(in.Product.Price, in.ProductOffer.Kind, in.ProductOffer.Value)
	case in.Discount != nil || in.DiscountCode != "":
		if in.Discount == nil || !in.Discount.Available(in.Product.ID) {
			return Quote{}, domain.ErrDiscountUnavailable
		}
		q.Source = SourceDiscount
		q.BasePrice = Adjust(in.Product.Price, in.Discount.Kind, in.Discount.Value)
		q.DiscountApplied = true
	}

	seen := make(map[string]bool, len(in.ExtraIDs))
	for _, id := range in.ExtraIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		extra, ok := in.Product.Extra(id)
		if !ok {
			continue
		}
		q.Extras = append(q.Extras, extra)
		q.ExtrasTotal += extra.Price
	}

	q.Amount = q.BasePrice + q.ExtrasTotal
	q.Fee = c.Fee(q.Amount)
	return q, nil
}

func checkEnquiry(o domain.EnquiryOffer, in Input) error {
	if !o.Open() {
		return domain.ErrOfferAlreadyClosed
	}
	if o.OnHold {
		return domain.ErrOfferReserved
	}
	if o.Expired(in.Now) {
		return domain.ErrOfferExpired
	}
	if o.ProductID != in.Product.ID || (in.BuyerID != "" && o.BuyerID != in.BuyerID) {
		return domain.ErrOfferNotApplicable
	}
	return nil
}

// Adjust applies a promotional value to price, never going below zero.
func Adjust(price int64, kind domain.AdjustmentKind, value int64) int64 {
	var out int64
	switch kind {
	case domain.AdjustRelative:
		factor := decimal.NewFromInt(1).Sub(decimal.NewFromInt(value).Div(hundred))
		out = decimal.NewFromInt(price).Mul(factor).Round(0).IntPart()
	case domain.AdjustAbsolute:
		out = price - value
	default:
		out = price
	}
	if out < 0 {
		return 0
	}
	return out
}
