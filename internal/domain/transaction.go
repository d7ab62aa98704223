package domain

import "time"

// TxType is the fixed enumeration of balance-affecting events.
type TxType string

const (
	TxDeposit             TxType = "deposit"
	TxWithdrawal          TxType = "withdrawal"
	TxOrderHold           TxType = "order_hold"
	TxOrderPrerelease     TxType = "order_prerelease"
	TxOrderRelease        TxType = "order_release"
	TxOrderMoneyback      TxType = "order_moneyback"
	TxFee                 TxType = "fee"
	TxSellerFee           TxType = "seller_fee"
	TxPremiumFee          TxType = "premium_fee"
	TxFeature             TxType = "feature"
	TxTransferOut         TxType = "transfer_out"
	TxTransferIn          TxType = "transfer_in"
	TxAffiliateCommission TxType = "affiliate_commission"
)

var txTypes = map[TxType]bool{
	TxDeposit: true, TxWithdrawal: true, TxOrderHold: true, TxOrderPrerelease: true,
	TxOrderRelease: true, TxOrderMoneyback: true, TxFee: true, TxSellerFee: true,
	TxPremiumFee: true, TxFeature: true, TxTransferOut: true, TxTransferIn: true,
	TxAffiliateCommission: true,
}

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool { return txTypes[t] }

// IsDebit reports whether recording t takes money out of the account.
// Everything else credits it.
func (t TxType) IsDebit() bool {
	switch t {
	case TxWithdrawal, TxOrderHold, TxFee, TxSellerFee, TxPremiumFee, TxFeature, TxTransferOut:
		return true
	}
	return false
}

// IsCharge reports whether t is a pure fee-like debit with no payee account.
func (t TxType) IsCharge() bool {
	switch t {
	case TxFee, TxSellerFee, TxPremiumFee, TxFeature:
		return true
	}
	return false
}

// Deposit subtypes.
const (
	SubtypeCard               = "card"
	SubtypePaypal             = "paypal"
	SubtypeBonus              = "bonus"
	SubtypeWithdrawalReversal = "withdrawal_reversal"
	SubtypeDisputeFee         = "dispute_fee"
	SubtypeTransferFee        = "transfer_fee"
)

// Transaction is an append-only ledger row. Only the hold flag (and, for
// settlement, the type) may change after commit; Amount never does.
type Transaction struct {
	ID        string            `json:"id" db:"id"`
	Seq       uint64            `json:"seq" db:"seq"`
	UserID    string            `json:"user_id" db:"user_id"`
	Type      TxType            `json:"type" db:"type"`
	Subtype   string            `json:"subtype,omitempty" db:"subtype"`
	Amount    int64             `json:"amount" db:"amount"`
	IsHold    bool              `json:"is_hold" db:"is_hold"`
	CreatedOn time.Time         `json:"created_on" db:"created_on"`
	ReleaseOn *time.Time        `json:"release_on,omitempty" db:"release_on"`
	OrderID   string            `json:"order_id,omitempty" db:"order_id"`
	Metadata  map[string]string `json:"metadata,omitempty" db:"-"`
	// IdempotencyKey is unique per user when set.
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`
}

// Balance is the spendable state of one account in minor units.
type Balance struct {
	UserID      string `json:"user_id"`
	Credit      int64  `json:"credit"`
	BonusCredit int64  `json:"bonus_credit"`
}
