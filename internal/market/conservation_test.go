package market_test

import (
	"context"
	"errors"
	"testing"
	"time"

	fuzz "github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ledger"
	"marketcore.org/internal/market"
)

type step struct {
	Op     uint8
	Who    uint8
	Pick   uint8
	Amount uint16
}

var participants = []string{"buyer", "seller", "stranger"}

// systemMoney is spendable credit plus everything parked in holds, plus
// what fees and withdrawals took out, minus what deposits brought in. No
// operation may change it.
func systemMoney(f *fixture) int64 {
	var total int64
	for _, u := range f.store.Users() {
		total += u.Credit
	}
	for _, tx := range f.store.AllTransactions() {
		switch {
		case tx.Type == domain.TxFee, tx.Type == domain.TxWithdrawal:
			total += tx.Amount
		case tx.Type == domain.TxDeposit:
			total -= tx.Amount
		case tx.IsHold && (tx.Type == domain.TxOrderHold || tx.Type == domain.TxOrderPrerelease):
			total += tx.Amount
		}
	}
	return total
}

func pick(ids []string, n uint8) (string, bool) {
	if len(ids) == 0 {
		return "", false
	}
	return ids[int(n)%len(ids)], true
}

func TestRandomOperationsConserveMoney(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	initial := systemMoney(f)
	fz := fuzz.NewWithSeed(20250310).NilChance(0)

	var orders, cards, disputes, withdrawals []string
	expected := func(err error) bool {
		for _, target := range []error{
			domain.ErrInsufficientFunds, domain.ErrInvalidOrderState, domain.ErrForbidden,
			domain.ErrRevisionLimitExceeded, domain.ErrSelfTransfer, domain.ErrInvalidAmount,
			domain.ErrOfferAlreadyClosed, domain.ErrDisputeExists, domain.ErrDisputeClosed,
			domain.ErrInvalidTransactionState,
		} {
			if errors.Is(err, target) {
				return true
			}
		}
		return err == nil
	}
	states := []domain.OrderState{
		domain.StateAccepted, domain.StateSent, domain.StateClosedCompleted,
		domain.StateClosedRejected, domain.StateClosedCancelled,
	}
	kinds := []domain.ResolutionKind{domain.ResolveCancel, domain.ResolveComplete}
	methods := []ledger.WithdrawalMethod{ledger.MethodPaypal, ledger.MethodBankWire, ledger.MethodWesternUnion}
	admin := domain.Actor{UserID: "ops", Role: domain.RoleAdmin}

	const ops = 11
	for i := 0; i < 800; i++ {
		var s step
		fz.Fuzz(&s)
		who := participants[int(s.Who)%len(participants)]
		var err error
		switch s.Op % ops {
		case 0:
			var o domain.Order
			o, err = f.svc.PlaceOrder(ctx, market.PlaceOrderInput{BuyerID: who, ProductID: "prod"})
			if err == nil {
				orders = append(orders, o.ID)
			}
		case 1, 2:
			id, ok := pick(orders, s.Pick)
			if !ok {
				continue
			}
			to := states[int(s.Amount)%len(states)]
			_, err = f.svc.ChangeState(ctx, id, to, domain.Actor{UserID: who, Role: domain.RoleUser}, "")
		case 3:
			id, ok := pick(orders, s.Pick)
			if !ok {
				continue
			}
			var offer domain.OrderOffer
			offer, err = f.svc.CreateOrderOffer(ctx, "seller", id, market.OrderOfferInput{Price: int64(s.Amount%3_000) + 1})
			if err == nil {
				_, err = f.svc.AcceptOffer(ctx, "buyer", offer.ID)
			}
		case 4:
			other := participants[int(s.Pick)%len(participants)]
			_, err = f.ledger.Transfer(ctx, who, other, int64(s.Amount%5_000)+1, "", "")
		case 5:
			f.clock.Advance(time.Duration(s.Amount%96) * time.Hour)
			_, err = f.ledger.ReleaseCleared(ctx)
		case 6:
			id, ok := pick(orders, s.Pick)
			if !ok {
				continue
			}
			var d domain.Dispute
			d, err = f.svc.CreateDispute(ctx, who, id, market.DisputeInput{
				Kind:           "quality",
				ResolutionKind: kinds[int(s.Amount)%len(kinds)],
			})
			if err == nil {
				disputes = append(disputes, d.ID)
			}
		case 7:
			id, ok := pick(disputes, s.Pick)
			if !ok {
				continue
			}
			if s.Amount%2 == 0 {
				_, err = f.svc.ResolveDispute(ctx, admin.UserID, id, kinds[int(s.Amount/2)%len(kinds)], true)
			} else {
				_, err = f.svc.ResolveDispute(ctx, who, id, "", false)
			}
		case 8:
			id, ok := pick(disputes, s.Pick)
			if !ok {
				continue
			}
			_, err = f.svc.CancelDispute(ctx, who, id)
		case 9:
			switch s.Amount % 3 {
			case 0:
				var o domain.Order
				o, err = f.svc.PlaceOrder(ctx, market.PlaceOrderInput{BuyerID: who, ProductID: "prod", Payment: market.PaymentCard})
				if err == nil {
					cards = append(cards, o.ID)
				}
			case 1:
				id, ok := pick(cards, s.Pick)
				if !ok {
					continue
				}
				var o domain.Order
				o, err = f.svc.ConfirmPending(ctx, id, "ch")
				if err == nil {
					orders = append(orders, o.ID)
				}
			case 2:
				id, ok := pick(cards, s.Pick)
				if !ok {
					continue
				}
				_, err = f.svc.CancelPending(ctx, id, domain.SystemActor, "declined")
			}
		case 10:
			switch s.Amount % 3 {
			case 0:
				var tx domain.Transaction
				method := methods[int(s.Pick)%len(methods)]
				tx, err = f.ledger.Withdraw(ctx, who, int64(s.Amount%4_000)+100, method, "")
				if err == nil {
					withdrawals = append(withdrawals, tx.ID)
				}
			case 1:
				id, ok := pick(withdrawals, s.Pick)
				if !ok {
					continue
				}
				_, err = f.ledger.Confirm(ctx, id)
			case 2:
				id, ok := pick(withdrawals, s.Pick)
				if !ok {
					continue
				}
				_, err = f.ledger.Reject(ctx, id, "bounced")
			}
		}
		require.Truef(t, expected(err), "step %d op %d: unexpected error %v", i, s.Op%ops, err)
		require.Equal(t, initial, systemMoney(f), "step %d op %d", i, s.Op%ops)
	}

	for _, u := range f.store.Users() {
		require.GreaterOrEqual(t, u.Credit, int64(0), u.ID)
	}
}
