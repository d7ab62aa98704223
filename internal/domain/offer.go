package domain

import "time"

// offerFlags carries the closed/accepted pair shared by both offer kinds.
// The flags are mutually exclusive and never revert.
type offerFlags struct {
	IsClosed   bool `json:"is_closed"`
	IsAccepted bool `json:"is_accepted"`
}

// Open reports whether neither flag has been set.
func (f offerFlags) Open() bool { return !f.IsClosed && !f.IsAccepted }

func (f *offerFlags) accept() error {
	if !f.Open() {
		return ErrOfferAlreadyClosed
	}
	f.IsAccepted = true
	return nil
}

func (f *offerFlags) close() error {
	if !f.Open() {
		return ErrOfferAlreadyClosed
	}
	f.IsClosed = true
	return nil
}

// EnquiryOffer is a custom quote negotiated before any order exists.
type EnquiryOffer struct {
	ID           string    `json:"id"`
	ProductID    string    `json:"product_id"`
	SellerID     string    `json:"seller_id"`
	BuyerID      string    `json:"buyer_id"`
	Price        int64     `json:"price"`
	DeliveryDays int       `json:"delivery_days"`
	Revisions    int       `json:"revisions"`
	ExpiresOn    time.Time `json:"expires_on"`
	CreatedOn    time.Time `json:"created_on"`
	// OnHold is set while a card order waits for its capture.
	OnHold bool `json:"on_hold,omitempty"`
	offerFlags
}

// Expired reports whether the quote lapsed before now.
func (o EnquiryOffer) Expired(now time.Time) bool {
	return !o.ExpiresOn.IsZero() && now.After(o.ExpiresOn)
}

// Reserve holds an open quote for a pending order.
func (o *EnquiryOffer) Reserve() error {
	if !o.Open() {
		return ErrOfferAlreadyClosed
	}
	if o.OnHold {
		return ErrOfferReserved
	}
	o.OnHold = true
	return nil
}

// Release drops a reservation; the quote is open again.
func (o *EnquiryOffer) Release() { o.OnHold = false }

// Accept marks the quote as used by an order, consuming any reservation.
func (o *EnquiryOffer) Accept() error {
	if err := o.accept(); err != nil {
		return err
	}
	o.OnHold = false
	return nil
}

// Close withdraws or declines the quote. A reserved quote cannot be closed.
func (o *EnquiryOffer) Close() error {
	if o.OnHold {
		return ErrOfferReserved
	}
	return o.close()
}

// SetFlags restores persisted flags; used by stores only.
func (o *EnquiryOffer) SetFlags(closed, accepted bool) {
	o.IsClosed, o.IsAccepted = closed, accepted
}

// OrderOffer is a seller-proposed price increase on an existing order.
type OrderOffer struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"order_id"`
	SellerID     string    `json:"seller_id"`
	Description  string    `json:"description,omitempty"`
	Price        int64     `json:"price"`
	DeliveryDays int       `json:"delivery_days"`
	Extras       []Extra   `json:"extras,omitempty"`
	ExpiresOn    time.Time `json:"expires_on"`
	CreatedOn    time.Time `json:"created_on"`
	offerFlags
}

// Expired reports whether the offer lapsed before now.
func (o OrderOffer) Expired(now time.Time) bool {
	return !o.ExpiresOn.IsZero() && now.After(o.ExpiresOn)
}

// Accept marks the offer accepted by the buyer.
func (o *OrderOffer) Accept() error { return o.accept() }

// Close declines or withdraws the offer.
func (o *OrderOffer) Close() error { return o.close() }

// SetFlags restores persisted flags; used by stores only.
func (o *OrderOffer) SetFlags(closed, accepted bool) {
	o.IsClosed, o.IsAccepted = closed, accepted
}
