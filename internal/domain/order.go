package domain

import "time"

// OrderState is the lifecycle position of an order. CLOSED_* states are terminal.
type OrderState string

const (
	StateNew             OrderState = "NEW"
	StateAccepted        OrderState = "ACCEPTED"
	StateSent            OrderState = "SENT"
	StateDispute         OrderState = "DISPUTE"
	StateClosedCompleted OrderState = "CLOSED_COMPLETED"
	StateClosedRejected  OrderState = "CLOSED_REJECTED"
	StateClosedCancelled OrderState = "CLOSED_CANCELLED"
)

var transitions = map[OrderState][]OrderState{
	StateNew:      {StateAccepted, StateClosedRejected, StateClosedCancelled, StateDispute},
	StateAccepted: {StateSent, StateClosedCancelled, StateDispute},
	StateSent:     {StateClosedCompleted, StateAccepted, StateClosedCancelled, StateDispute},
	StateDispute:  {StateClosedCancelled, StateClosedCompleted},
}

// Valid reports whether s is a known state.
func (s OrderState) Valid() bool {
	switch s {
	case StateNew, StateAccepted, StateSent, StateDispute,
		StateClosedCompleted, StateClosedRejected, StateClosedCancelled:
		return true
	}
	return false
}

// Closed reports whether s is terminal.
func (s OrderState) Closed() bool {
	return s == StateClosedCompleted || s == StateClosedRejected || s == StateClosedCancelled
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to OrderState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// DiscountSnapshot records the code applied at purchase time.
type DiscountSnapshot struct {
	Code  string         `json:"code"`
	Kind  AdjustmentKind `json:"kind"`
	Value int64          `json:"value"`
}

// ProductOfferSnapshot records the promotion applied at purchase time.
type ProductOfferSnapshot struct {
	OfferID string         `json:"offer_id"`
	Kind    AdjustmentKind `json:"kind"`
	Value   int64          `json:"value"`
}

// EnquirySnapshot records the negotiated quote the order was placed from.
type EnquirySnapshot struct {
	OfferID      string `json:"offer_id"`
	Price        int64  `json:"price"`
	DeliveryDays int    `json:"delivery_days"`
	Revisions    int    `json:"revisions"`
}

// Snapshot freezes the purchase-time selections of an order. At most one of
// Discount, ProductOffer and Enquiry is set.
type Snapshot struct {
	ListPrice    int64                 `json:"list_price"`
	Extras       []Extra               `json:"extras,omitempty"`
	Discount     *DiscountSnapshot     `json:"discount,omitempty"`
	ProductOffer *ProductOfferSnapshot `json:"product_offer,omitempty"`
	Enquiry      *EnquirySnapshot      `json:"enquiry,omitempty"`
}

// AcceptedOffer is a mid-order offer folded into the order's running totals.
type AcceptedOffer struct {
	OfferID      string    `json:"offer_id"`
	Price        int64     `json:"price"`
	Fee          int64     `json:"fee"`
	DeliveryDays int       `json:"delivery_days"`
	Extras       []Extra   `json:"extras,omitempty"`
	AcceptedOn   time.Time `json:"accepted_on"`
}

// Order is the aggregate root. Fields change only through market.Service.
type Order struct {
	ID                   string          `json:"id"`
	ProductID            string          `json:"product_id"`
	BuyerID              string          `json:"buyer_id"`
	SellerID             string          `json:"seller_id"`
	Price                int64           `json:"price"`
	Fee                  int64           `json:"fee"`
	State                OrderState      `json:"state"`
	IsPending            bool            `json:"is_pending"`
	CreatedOn            time.Time       `json:"created_on"`
	AcceptedOn           *time.Time      `json:"accepted_on,omitempty"`
	DeliveredOn          *time.Time      `json:"delivered_on,omitempty"`
	ClosedOn             *time.Time      `json:"closed_on,omitempty"`
	Deadline             *time.Time      `json:"deadline,omitempty"`
	RevisionCountLeft    int             `json:"revision_count_left"`
	RequirementsProvided bool            `json:"requirements_provided"`
	Snapshot             Snapshot        `json:"snapshot"`
	Accepted             []AcceptedOffer `json:"accepted_offers,omitempty"`
}

// Total is the escrowed amount: the order price plus every accepted
// mid-order offer. Fees are not included.
func (o Order) Total() int64 {
	total := o.Price
	for _, a := range o.Accepted {
		total += a.Price
	}
	return total
}

// ExtraDeliveryDays sums the delivery extensions of accepted mid-order offers.
func (o Order) ExtraDeliveryDays() int {
	days := 0
	for _, a := range o.Accepted {
		days += a.DeliveryDays
	}
	return days
}

// Participant reports whether userID is the buyer or the seller.
func (o Order) Participant(userID string) bool {
	return userID != "" && (userID == o.BuyerID || userID == o.SellerID)
}

// Peer returns the other participant.
func (o Order) Peer(userID string) string {
	if userID == o.BuyerID {
		return o.SellerID
	}
	return o.BuyerID
}

// HistoryEntry is one append-only state change record.
type HistoryEntry struct {
	OrderID string     `json:"order_id"`
	From    OrderState `json:"from"`
	To      OrderState `json:"to"`
	ActorID string     `json:"actor_id"`
	Note    string     `json:"note,omitempty"`
	At      time.Time  `json:"at"`
}

// Role is the capacity an actor operates in.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor identifies who drives a transition.
type Actor struct {
	UserID string
	Role   Role
}

// Privileged reports whether the actor bypasses participant checks.
func (a Actor) Privileged() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }

// SystemActor is used for transitions driven by this core itself.
var SystemActor = Actor{UserID: "system", Role: RoleSystem}
