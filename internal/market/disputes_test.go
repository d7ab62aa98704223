package market_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/market"
)

func TestAdminCancelChargesDisputeFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutProduct(domain.Product{ID: "big", SellerID: "seller", Price: 10_000, IsActive: true})
	o := f.place(t, market.PlaceOrderInput{ProductID: "big"})
	f.move(t, o.ID, domain.StateAccepted, "seller")

	d, err := f.svc.CreateDispute(ctx, "buyer", o.ID, market.DisputeInput{Kind: "not_delivered", ResolutionKind: domain.ResolveCancel})
	require.NoError(t, err)

	d, err = f.svc.ResolveDispute(ctx, "ops", d.ID, domain.ResolveCancel, true)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeResolvedByAdmin, d.Status)
	require.NotNil(t, d.ClosedOn)

	mb := f.txsOf(o.ID, domain.TxOrderMoneyback)
	require.Len(t, mb, 1)
	require.Equal(t, int64(10_000), mb[0].Amount)
	require.Equal(t, "buyer", mb[0].UserID)

	var disputeFee *domain.Transaction
	for _, tx := range f.txsOf(o.ID, domain.TxFee) {
		if tx.Subtype == domain.SubtypeDisputeFee {
			tx := tx
			disputeFee = &tx
		}
	}
	require.NotNil(t, disputeFee)
	require.Equal(t, "seller", disputeFee.UserID)
	require.Equal(t, int64(500), disputeFee.Amount)
	require.Equal(t, int64(9_500), f.credit(t, "seller"))
	require.Equal(t, int64(100_000-1_000), f.credit(t, "buyer"))

	o, err = f.svc.Order(ctx, domain.Actor{UserID: "buyer"}, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateClosedCancelled, o.State)
}

func TestAdminResolutionAbortsWhenPeerCannotPayFee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.PutUser(domain.User{ID: "seller", Credit: 0, IsActive: true})
	o := f.place(t, market.PlaceOrderInput{})
	d, err := f.svc.CreateDispute(ctx, "buyer", o.ID, market.DisputeInput{ResolutionKind: domain.ResolveCancel})
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(ctx, "ops", d.ID, "", true)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	o, err = f.svc.Order(ctx, domain.Actor{UserID: "buyer"}, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateDispute, o.State)
	require.Empty(t, f.txsOf(o.ID, domain.TxOrderMoneyback))
}

func TestPeerAcceptsProposedCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t, market.PlaceOrderInput{})
	f.move(t, o.ID, domain.StateAccepted, "seller")
	f.move(t, o.ID, domain.StateSent, "seller")
	d, err := f.svc.CreateDispute(ctx, "seller", o.ID, market.DisputeInput{Kind: "unresponsive_buyer", ResolutionKind: domain.ResolveComplete})
	require.NoError(t, err)

	_, err = f.svc.ResolveDispute(ctx, "seller", d.ID, "", false)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.ResolveDispute(ctx, "buyer", d.ID, domain.ResolveCancel, false)
	require.ErrorIs(t, err, domain.ErrForbidden)

	d, err = f.svc.ResolveDispute(ctx, "buyer", d.ID, "", false)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeResolved, d.Status)
	require.Len(t, f.txsOf(o.ID, domain.TxOrderPrerelease), 1)
	require.Len(t, f.txsOf(o.ID, domain.TxFee), 1)

	_, err = f.svc.ResolveDispute(ctx, "buyer", d.ID, "", false)
	require.ErrorIs(t, err, domain.ErrDisputeClosed)
}

func TestOneOpenDisputePerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t, market.PlaceOrderInput{})
	in := market.DisputeInput{ResolutionKind: domain.ResolveCancel}

	_, err := f.svc.CreateDispute(ctx, "stranger", o.ID, in)
	require.ErrorIs(t, err, domain.ErrForbidden)
	_, err = f.svc.CreateDispute(ctx, "buyer", o.ID, market.DisputeInput{ResolutionKind: "refund"})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.CreateDispute(ctx, "buyer", o.ID, in)
	require.NoError(t, err)
	_, err = f.svc.CreateDispute(ctx, "seller", o.ID, in)
	require.ErrorIs(t, err, domain.ErrDisputeExists)
}

func TestCancelDisputeRestoresPriorState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.place(t, market.PlaceOrderInput{})
	f.move(t, o.ID, domain.StateAccepted, "seller")
	before := len(f.store.AllTransactions())

	d, err := f.svc.CreateDispute(ctx, "seller", o.ID, market.DisputeInput{ResolutionKind: domain.ResolveCancel})
	require.NoError(t, err)

	_, err = f.svc.CancelDispute(ctx, "buyer", d.ID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	d, err = f.svc.CancelDispute(ctx, "seller", d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DisputeCancelled, d.Status)

	o, err = f.svc.Order(ctx, domain.Actor{UserID: "seller"}, o.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StateAccepted, o.State)
	require.Len(t, f.store.AllTransactions(), before)

	// a fresh dispute may be raised once the first is closed
	_, err = f.svc.CreateDispute(ctx, "buyer", o.ID, market.DisputeInput{ResolutionKind: domain.ResolveCancel})
	require.NoError(t, err)
}
