package domain

import "time"

// Extra is an optional add-on a seller sells on top of a product.
type Extra struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Price        int64  `json:"price"`
	DeliveryDays int    `json:"delivery_days,omitempty"`
}

// Product is the service a seller offers.
type Product struct {
	ID           string  `json:"id"`
	SellerID     string  `json:"seller_id"`
	Title        string  `json:"title"`
	Price        int64   `json:"price"`
	DeliveryDays int     `json:"delivery_days"`
	Revisions    int     `json:"revisions"`
	Quantity     *int    `json:"quantity,omitempty"` // nil means unlimited
	Extras       []Extra `json:"extras,omitempty"`
	IsActive     bool    `json:"is_active"`
	Sales        int64   `json:"sales"`
}

// InStock reports whether the product can still be ordered.
func (p Product) InStock() bool {
	return p.Quantity == nil || *p.Quantity > 0
}

// Extra looks up an extra by id.
func (p Product) Extra(id string) (Extra, bool) {
	for _, e := range p.Extras {
		if e.ID == id {
			return e, true
		}
	}
	return Extra{}, false
}

// AdjustmentKind tells how a promotional value modifies a price.
type AdjustmentKind string

const (
	// AdjustRelative takes Value percent off the price.
	AdjustRelative AdjustmentKind = "relative"
	// AdjustAbsolute takes Value minor units off the price.
	AdjustAbsolute AdjustmentKind = "absolute"
)

// Valid reports whether k is a known adjustment kind.
func (k AdjustmentKind) Valid() bool {
	return k == AdjustRelative || k == AdjustAbsolute
}

// ProductOffer is a time-boxed promotion; at most one is active per product.
type ProductOffer struct {
	ID        string         `json:"id"`
	ProductID string         `json:"product_id"`
	Kind      AdjustmentKind `json:"kind"`
	Value     int64          `json:"value"`
	StartDate time.Time      `json:"start_date"`
	EndDate   time.Time      `json:"end_date"`
}

// ActiveOn reports whether the offer covers the calendar day of t.
func (o ProductOffer) ActiveOn(t time.Time) bool {
	day := truncateDay(t)
	return !day.Before(truncateDay(o.StartDate)) && !day.After(truncateDay(o.EndDate))
}

// Overlaps reports whether two offer windows share at least one day.
func (o ProductOffer) Overlaps(other ProductOffer) bool {
	return !truncateDay(o.EndDate).Before(truncateDay(other.StartDate)) &&
		!truncateDay(other.EndDate).Before(truncateDay(o.StartDate))
}

// Discount is a single-use promotional code bound to one product.
type Discount struct {
	Code      string         `json:"code"`
	ProductID string         `json:"product_id"`
	Kind      AdjustmentKind `json:"kind"`
	Value     int64          `json:"value"`
	IsUsed    bool           `json:"is_used"`
	OnHold    bool           `json:"on_hold"`
}

// Available reports whether the code can be applied to productID right now.
func (d Discount) Available(productID string) bool {
	return d.ProductID == productID && !d.IsUsed && !d.OnHold
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
