package ledger

import "github.com/shopspring/decimal"

// WithdrawalMethod is the payout channel of a withdrawal.
type WithdrawalMethod string

const (
	MethodPaypal       WithdrawalMethod = "paypal"
	MethodBankWire     WithdrawalMethod = "bank_wire"
	MethodWesternUnion WithdrawalMethod = "western_union"
)

// Valid reports whether m is a supported payout channel.
func (m WithdrawalMethod) Valid() bool {
	switch m {
	case MethodPaypal, MethodBankWire, MethodWesternUnion:
		return true
	}
	return false
}

// Western Union flat fees by amount bracket (inclusive upper bound, minor
// units). The brackets are kept as tuned by operations.
var westernUnionBrackets = []struct {
	upTo int64
	fee  int64
}{
	{upTo: 10_000, fee: 1_200},
	{upTo: 50_000, fee: 1_800},
	{upTo: 100_000, fee: 2_600},
	{upTo: 200_000, fee: 3_900},
}

var (
	westernUnionRate = decimal.RequireFromString("0.02")
	paypalRate       = decimal.RequireFromString("0.02")
	paypalCap        = int64(2_000)
	bankWireFlat     = int64(3_000)
)

// WithdrawalFee is what the payout channel keeps out of amount.
func WithdrawalFee(method WithdrawalMethod, amount int64) int64 {
	switch method {
	case MethodWesternUnion:
		for _, b := range westernUnionBrackets {
			if amount <= b.upTo {
				return b.fee
			}
		}
		return roundShare(westernUnionRate, amount)
	case MethodPaypal:
		fee := roundShare(paypalRate, amount)
		if fee > paypalCap {
			fee = paypalCap
		}
		return fee
	case MethodBankWire:
		return bankWireFlat
	}
	return 0
}
