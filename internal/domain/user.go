package domain

import "time"

// User is the principal every operation acts for. Authentication happens
// elsewhere; this core only reads and adjusts balances.
type User struct {
	ID                string      `json:"id"`
	Credit            int64       `json:"credit"`
	BonusCredit       int64       `json:"bonus_credit"`
	ReferrerID        string      `json:"referrer_id,omitempty"`
	IsActive          bool        `json:"is_active"`
	AffiliateEligible bool        `json:"affiliate_eligible"`
	Seller            SellerStats `json:"seller"`
}

// Balance returns the spendable part of the user row.
func (u User) Balance() Balance {
	return Balance{UserID: u.ID, Credit: u.Credit, BonusCredit: u.BonusCredit}
}

// SellerLevel ranks sellers by track record.
type SellerLevel int

const (
	LevelNew SellerLevel = iota
	LevelOne
	LevelTwo
	LevelTop
)

// SellerStats are the counters maintained on order completion and feedback.
type SellerStats struct {
	CompletedOrders int64       `json:"completed_orders"`
	Earned          int64       `json:"earned"`
	RatingSum       int64       `json:"rating_sum"`
	RatingCount     int64       `json:"rating_count"`
	Level           SellerLevel `json:"level"`
}

// Rating is the average feedback rating scaled by 100 (0 when unrated).
func (s SellerStats) Rating() int64 {
	if s.RatingCount == 0 {
		return 0
	}
	return s.RatingSum * 100 / s.RatingCount
}

// Feedback is a buyer's rating of a completed order.
type Feedback struct {
	OrderID   string    `json:"order_id"`
	BuyerID   string    `json:"buyer_id"`
	SellerID  string    `json:"seller_id"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	CreatedOn time.Time `json:"created_on"`
}
