// Package pg is the PostgreSQL implementation of market.Store. Units of work
// are database transactions carried in the context; row locks are taken with
// select ... for update.
package pg

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/market"
)

const (
	pgErrUniqueViolation = "23505"
	pgErrCheckViolation  = "23514"
)

var _ market.Store = (*Store)(nil)

type txKey struct{}

type Store struct {
	db *sqlx.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle. driverName is what sqlx uses for bind vars.
func New(db *sql.DB, driverName string) *Store {
	return &Store{db: sqlx.NewDb(db, driverName)}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db.DB }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// WithTx runs fn inside one database transaction. A context that already
// carries a transaction joins it.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if _, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}

func (s *Store) q(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(txKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

// --- ledger.Store ---

const userColumns = `id, credit, bonus_credit, coalesce(referrer_id, '') as referrer_id, is_active,
	affiliate_eligible, completed_orders, earned, rating_sum, rating_count, level`

type userRow struct {
	ID                string `db:"id"`
	Credit            int64  `db:"credit"`
	BonusCredit       int64  `db:"bonus_credit"`
	ReferrerID        string `db:"referrer_id"`
	IsActive          bool   `db:"is_active"`
	AffiliateEligible bool   `db:"affiliate_eligible"`
	CompletedOrders   int64  `db:"completed_orders"`
	Earned            int64  `db:"earned"`
	RatingSum         int64  `db:"rating_sum"`
	RatingCount       int64  `db:"rating_count"`
	Level             int    `db:"level"`
}

func (r userRow) user() domain.User {
	return domain.User{
		ID:                r.ID,
		Credit:            r.Credit,
		BonusCredit:       r.BonusCredit,
		ReferrerID:        r.ReferrerID,
		IsActive:          r.IsActive,
		AffiliateEligible: r.AffiliateEligible,
		Seller: domain.SellerStats{
			CompletedOrders: r.CompletedOrders,
			Earned:          r.Earned,
			RatingSum:       r.RatingSum,
			RatingCount:     r.RatingCount,
			Level:           domain.SellerLevel(r.Level),
		},
	}
}

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	return s.getUser(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (s *Store) GetUserForUpdate(ctx context.Context, id string) (domain.User, error) {
	return s.getUser(ctx, `select `+userColumns+` from users where id = $1 for update`, id)
}

func (s *Store) getUser(ctx context.Context, query, id string) (domain.User, error) {
	var row userRow
	if err := sqlx.GetContext(ctx, s.q(ctx), &row, query, id); err != nil {
		return domain.User{}, notFound(err, "get user")
	}
	return row.user(), nil
}

// PutUser inserts or replaces a user row; used by seeding and tests.
func (s *Store) PutUser(ctx context.Context, u domain.User) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		insert into users (id, credit, bonus_credit, referrer_id, is_active, affiliate_eligible)
		values ($1, $2, $3, nullif($4, ''), $5, $6)
		on conflict (id) do update set
			credit = excluded.credit,
			bonus_credit = excluded.bonus_credit,
			referrer_id = excluded.referrer_id,
			is_active = excluded.is_active,
			affiliate_eligible = excluded.affiliate_eligible
	`, u.ID, u.Credit, u.BonusCredit, u.ReferrerID, u.IsActive, u.AffiliateEligible)
	return errors.Wrap(err, "put user")
}

func (s *Store) AdjustBalance(ctx context.Context, userID string, creditDelta, bonusDelta int64) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update users set credit = credit + $2, bonus_credit = bonus_credit + $3
		where id = $1 and credit + $2 >= 0 and bonus_credit + $3 >= 0
	`, userID, creditDelta, bonusDelta)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return domain.ErrInsufficientFunds
		}
		return errors.Wrap(err, "adjust balance")
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists bool
	if err := sqlx.GetContext(ctx, s.q(ctx), &exists, `select exists(select 1 from users where id = $1)`, userID); err != nil {
		return errors.Wrap(err, "adjust balance")
	}
	if !exists {
		return domain.ErrNotFound
	}
	return domain.ErrInsufficientFunds
}

const txColumns = `id, seq, user_id, type, subtype, amount, is_hold, created_on, release_on,
	coalesce(order_id, '') as order_id, metadata, coalesce(idempotency_key, '') as idempotency_key`

type txRow struct {
	domain.Transaction
	Meta jsonColumn[map[string]string] `db:"metadata"`
}

func (r txRow) tx() domain.Transaction {
	t := r.Transaction
	t.Metadata = r.Meta.V
	return t
}

func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	meta := jsonColumn[map[string]string]{V: tx.Metadata}
	if meta.V == nil {
		meta.V = map[string]string{}
	}
	err := sqlx.GetContext(ctx, s.q(ctx), &tx.Seq, `
		insert into transactions (id, user_id, type, subtype, amount, is_hold, created_on, release_on, order_id, metadata, idempotency_key)
		values ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''), $10, nullif($11, ''))
		returning seq
	`, tx.ID, tx.UserID, tx.Type, tx.Subtype, tx.Amount, tx.IsHold, tx.CreatedOn, tx.ReleaseOn, tx.OrderID, meta, tx.IdempotencyKey)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return domain.ErrInvalidInput
		}
		return errors.Wrap(err, "insert transaction")
	}
	return nil
}

func (s *Store) GetTransactionForUpdate(ctx context.Context, id string) (domain.Transaction, error) {
	var row txRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row, `select `+txColumns+` from transactions where id = $1 for update`, id)
	if err != nil {
		return domain.Transaction{}, notFound(err, "get transaction")
	}
	return row.tx(), nil
}

func (s *Store) SettleHold(ctx context.Context, id string, expect, to domain.TxType) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		update transactions set type = $3, is_hold = false
		where id = $1 and type = $2 and is_hold
	`, id, expect, to)
	if err != nil {
		return false, errors.Wrap(err, "settle hold")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "settle hold")
}

func (s *Store) DeleteHeldTransaction(ctx context.Context, id string) (bool, error) {
	res, err := s.q(ctx).ExecContext(ctx, `delete from transactions where id = $1 and is_hold`, id)
	if err != nil {
		return false, errors.Wrap(err, "delete held transaction")
	}
	n, err := res.RowsAffected()
	return n == 1, errors.Wrap(err, "delete held transaction")
}

func (s *Store) FindOrderTransactions(ctx context.Context, orderID string, typ domain.TxType, heldOnly bool) ([]domain.Transaction, error) {
	return s.selectTxs(ctx, "find order transactions", `
		select `+txColumns+` from transactions
		where order_id = $1 and type = $2 and (not $3::boolean or is_hold)
		order by seq for update
	`, orderID, typ, heldOnly)
}

func (s *Store) CountTransactions(ctx context.Context, userID string, typ domain.TxType) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, s.q(ctx), &n, `select count(*) from transactions where user_id = $1 and type = $2`, userID, typ)
	return n, errors.Wrap(err, "count transactions")
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Transaction, error) {
	var row txRow
	err := sqlx.GetContext(ctx, s.q(ctx), &row, `
		select `+txColumns+` from transactions
		where user_id = $1 and idempotency_key = $2
	`, userID, key)
	if err != nil {
		return domain.Transaction{}, notFound(err, "find by idempotency key")
	}
	return row.tx(), nil
}

func (s *Store) ListClearedPrereleases(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	return s.selectTxs(ctx, "list cleared prereleases", `
		select `+txColumns+` from transactions
		where type = $1 and is_hold and release_on <= $2
		order by seq
		limit $3
	`, domain.TxOrderPrerelease, now, lim)
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int, afterSeq uint64) ([]domain.Transaction, uint64, error) {
	res, err := s.selectTxs(ctx, "list transactions", `
		select `+txColumns+` from transactions
		where seq > $1 and ($2 = '' or user_id = $2)
		order by seq asc
		limit $3
	`, afterSeq, userID, limit)
	if err != nil {
		return nil, 0, err
	}
	last := afterSeq
	if len(res) > 0 {
		last = res[len(res)-1].Seq
	}
	return res, last, nil
}

func (s *Store) selectTxs(ctx context.Context, op, query string, args ...any) ([]domain.Transaction, error) {
	var rows []txRow
	if err := sqlx.SelectContext(ctx, s.q(ctx), &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, op)
	}
	out := make([]domain.Transaction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.tx())
	}
	return out, nil
}

// --- helpers ---

// jsonColumn stores V as a jsonb column.
type jsonColumn[T any] struct {
	V T
}

func (j jsonColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(j.V)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (j *jsonColumn[T]) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errors.Errorf("jsonColumn: unsupported source %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, &j.V)
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return errors.Wrap(err, op)
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func valueTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
