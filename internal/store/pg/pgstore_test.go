package pg

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"marketcore.org/internal/domain"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return New(db, "pgx"), mock
}

func TestWithTxCommitsAndNestedCallsJoin(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update users set credit").
		WithArgs("u1", int64(-10), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context) error {
		return s.WithTx(ctx, func(ctx context.Context) error {
			return s.AdjustBalance(ctx, "u1", -10, 0)
		})
	})
	require.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.WithTx(context.Background(), func(context.Context) error { return boom })
	require.ErrorIs(t, err, boom)
}

func TestAdjustBalanceRefusesNegative(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("update users set credit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("select exists(select 1 from users where id = $1)")).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.ErrorIs(t, s.AdjustBalance(ctx, "u1", -500, 0), domain.ErrInsufficientFunds)

	mock.ExpectExec("update users set credit").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	require.ErrorIs(t, s.AdjustBalance(ctx, "ghost", 10, 0), domain.ErrNotFound)

	mock.ExpectExec("update users set credit").WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation})
	require.ErrorIs(t, s.AdjustBalance(ctx, "u1", -1, 0), domain.ErrInsufficientFunds)
}

func TestGetUserForUpdate(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	cols := []string{"id", "credit", "bonus_credit", "referrer_id", "is_active", "affiliate_eligible",
		"completed_orders", "earned", "rating_sum", "rating_count", "level"}

	mock.ExpectQuery(`from users where id = \$1 for update`).
		WithArgs("seller").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("seller", 900, 50, "ref", true, true, 12, 40000, 55, 12, 1))
	u, err := s.GetUserForUpdate(ctx, "seller")
	require.NoError(t, err)
	require.Equal(t, int64(900), u.Credit)
	require.Equal(t, "ref", u.ReferrerID)
	require.Equal(t, domain.LevelOne, u.Seller.Level)
	require.Equal(t, int64(458), u.Seller.Rating())

	mock.ExpectQuery("from users where id").WithArgs("ghost").WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.GetUser(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInsertTransactionAssignsSeq(t *testing.T) {
	s, mock := newMock(t)
	tx := &domain.Transaction{
		ID:        "tx-1",
		UserID:    "u1",
		Type:      domain.TxWithdrawal,
		Amount:    1000,
		IsHold:    true,
		CreatedOn: now,
		Metadata:  map[string]string{"fee": "50"},
	}
	mock.ExpectQuery("insert into transactions").
		WithArgs("tx-1", "u1", "withdrawal", "", int64(1000), true, now, nil, "", `{"fee":"50"}`, "").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(7))

	require.NoError(t, s.InsertTransaction(context.Background(), tx))
	require.Equal(t, uint64(7), tx.Seq)

	mock.ExpectQuery("insert into transactions").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	require.ErrorIs(t, s.InsertTransaction(context.Background(), tx), domain.ErrInvalidInput)
}

func TestFindByIdempotencyKey(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	cols := []string{"id", "seq", "user_id", "type", "subtype", "amount", "is_hold", "created_on",
		"release_on", "order_id", "metadata", "idempotency_key"}
	q := regexp.QuoteMeta("where user_id = $1 and idempotency_key = $2")

	mock.ExpectQuery(q).
		WithArgs("u1", "retry-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tx-1", 4, "u1", "transfer_out", "", 1000, false, now, nil, "", []byte(`{"counterparty":"u2"}`), "retry-1"))
	tx, err := s.FindByIdempotencyKey(ctx, "u1", "retry-1")
	require.NoError(t, err)
	require.Equal(t, "tx-1", tx.ID)
	require.Equal(t, "retry-1", tx.IdempotencyKey)
	require.Equal(t, "u2", tx.Metadata["counterparty"])

	mock.ExpectQuery(q).WithArgs("u1", "new").WillReturnRows(sqlmock.NewRows(cols))
	_, err = s.FindByIdempotencyKey(ctx, "u1", "new")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleHoldIsConditional(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()
	q := regexp.QuoteMeta("update transactions set type = $3, is_hold = false")

	mock.ExpectExec(q).
		WithArgs("tx-1", "order_prerelease", "order_release").
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.SettleHold(ctx, "tx-1", domain.TxOrderPrerelease, domain.TxOrderRelease)
	require.NoError(t, err)
	require.True(t, ok)

	mock.ExpectExec(q).WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = s.SettleHold(ctx, "tx-1", domain.TxOrderPrerelease, domain.TxOrderRelease)
	require.NoError(t, err)
	require.False(t, ok, "a settled row must not settle twice")
}

func TestListClearedPrereleases(t *testing.T) {
	s, mock := newMock(t)
	release := now.Add(-time.Hour)
	cols := []string{"id", "seq", "user_id", "type", "subtype", "amount", "is_hold", "created_on",
		"release_on", "order_id", "metadata", "idempotency_key"}

	mock.ExpectQuery("from transactions").
		WithArgs("order_prerelease", now, nil).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("tx-9", 3, "seller", "order_prerelease", "", 5000, true, now.Add(-96*time.Hour), release, "ord-1", []byte(`{"k":"v"}`), ""))

	txs, err := s.ListClearedPrereleases(context.Background(), now, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	require.Equal(t, uint64(3), txs[0].Seq)
	require.Equal(t, domain.TxOrderPrerelease, txs[0].Type)
	require.Equal(t, "ord-1", txs[0].OrderID)
	require.Equal(t, "v", txs[0].Metadata["k"])
	require.True(t, txs[0].ReleaseOn.Equal(release))
}

func TestGetOrderDecodesSnapshot(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "product_id", "buyer_id", "seller_id", "price", "fee", "state", "is_pending",
		"created_on", "accepted_on", "delivered_on", "closed_on", "deadline", "revision_count_left",
		"requirements_provided", "snapshot", "accepted_offers"}
	snapshot := `{"list_price":5000,"extras":[{"id":"fast","title":"Fast","price":1000}],"discount":{"code":"SPRING","kind":"relative","value":10}}`
	accepted := `[{"offer_id":"off-1","price":2000,"fee":200,"delivery_days":2,"accepted_on":"2025-03-10T12:00:00Z"}]`

	mock.ExpectQuery(`from orders where id = \$1 for update`).
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("ord-1", "prod", "buyer", "seller", 5400, 540, "ACCEPTED", false,
			now, now, nil, nil, now.Add(72*time.Hour), 1, false, []byte(snapshot), []byte(accepted)))

	o, err := s.GetOrderForUpdate(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Equal(t, domain.StateAccepted, o.State)
	require.Equal(t, int64(5000), o.Snapshot.ListPrice)
	require.Len(t, o.Snapshot.Extras, 1)
	require.NotNil(t, o.Snapshot.Discount)
	require.Equal(t, "SPRING", o.Snapshot.Discount.Code)
	require.Nil(t, o.DeliveredOn)
	require.Equal(t, int64(7400), o.Total())
	require.Equal(t, 2, o.ExtraDeliveryDays())
}

func TestUpdateOrderMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update orders set").WillReturnResult(sqlmock.NewResult(0, 0))
	require.ErrorIs(t, s.UpdateOrder(context.Background(), domain.Order{ID: "ghost"}), domain.ErrNotFound)
}

func TestDisputeUniqueness(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec("insert into disputes").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := s.InsertDispute(ctx, domain.Dispute{ID: "d2", OrderID: "ord-1", Status: domain.DisputeOpen})
	require.ErrorIs(t, err, domain.ErrDisputeExists)

	cols := []string{"id", "orderid", "raiserid", "kind", "resolutionkind", "reason", "status", "createdon", "closedon"}
	mock.ExpectQuery("from disputes where order_id").
		WithArgs("ord-1", "open").
		WillReturnRows(sqlmock.NewRows(cols))
	d, err := s.OpenDispute(ctx, "ord-1")
	require.NoError(t, err)
	require.Nil(t, d)

	mock.ExpectQuery("from disputes where order_id").
		WithArgs("ord-1", "open").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("d1", "ord-1", "buyer", "quality", "cancel", "", "open", now, nil))
	d, err = s.OpenDispute(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	require.Equal(t, domain.ResolveCancel, d.ResolutionKind)
	require.False(t, d.IsClosed())
}

func TestListHistoryMapsColumns(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from order_history").
		WithArgs("ord-1").
		WillReturnRows(sqlmock.NewRows([]string{"orderid", "from", "to", "actorid", "note", "at"}).
			AddRow("ord-1", "NEW", "ACCEPTED", "seller", "", now).
			AddRow("ord-1", "ACCEPTED", "DISPUTE", "buyer", "late", now))

	h, err := s.ListHistory(context.Background(), "ord-1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	require.Equal(t, domain.StateDispute, h[1].To)
	require.Equal(t, domain.StateAccepted, h[1].From)
}

func TestFeedbackOncePerOrder(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into feedback").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	err := s.InsertFeedback(context.Background(), domain.Feedback{OrderID: "ord-1", Rating: 5})
	require.ErrorIs(t, err, domain.ErrFeedbackExists)
}

func TestEnquiryOfferFlagsRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "product_id", "seller_id", "buyer_id", "price", "delivery_days", "revisions",
		"expires_on", "created_on", "is_closed", "is_accepted", "on_hold"}
	mock.ExpectQuery("from enquiry_offers where id").
		WithArgs("enq-1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("enq-1", "prod", "seller", "buyer", 3000, 5, 2, nil, now, false, true, false))

	o, err := s.GetEnquiryOfferForUpdate(context.Background(), "enq-1")
	require.NoError(t, err)
	require.True(t, o.IsAccepted)
	require.True(t, o.ExpiresOn.IsZero())
	require.ErrorIs(t, o.Close(), domain.ErrOfferAlreadyClosed)
}

func TestEnquiryOfferHoldRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	cols := []string{"id", "product_id", "seller_id", "buyer_id", "price", "delivery_days", "revisions",
		"expires_on", "created_on", "is_closed", "is_accepted", "on_hold"}
	mock.ExpectQuery("from enquiry_offers where id").
		WithArgs("enq-2").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("enq-2", "prod", "seller", "buyer", 3000, 5, 2, nil, now, false, false, true))
	mock.ExpectExec("update enquiry_offers set is_closed = \\$2, is_accepted = \\$3, on_hold = \\$4").
		WithArgs("enq-2", false, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	o, err := s.GetEnquiryOfferForUpdate(ctx, "enq-2")
	require.NoError(t, err)
	require.True(t, o.OnHold)
	require.ErrorIs(t, o.Close(), domain.ErrOfferReserved)

	o.Release()
	require.NoError(t, s.UpdateEnquiryOffer(ctx, o))
	require.NoError(t, mock.ExpectationsWereMet())
}
