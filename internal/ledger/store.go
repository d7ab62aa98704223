package ledger

import (
	"context"
	"time"

	"marketcore.org/internal/domain"
)

// Store is the persistence contract the ledger runs on. Every method called
// with a context produced by WithTx joins that transaction.
type Store interface {
	// WithTx runs fn in one atomic unit. A nested call reuses the outer unit.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error

	GetUser(ctx context.Context, id string) (domain.User, error)
	// GetUserForUpdate reads the user row and locks it until the unit ends.
	GetUserForUpdate(ctx context.Context, id string) (domain.User, error)
	AdjustBalance(ctx context.Context, userID string, creditDelta, bonusDelta int64) error

	// InsertTransaction appends tx and assigns its Seq.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransactionForUpdate(ctx context.Context, id string) (domain.Transaction, error)
	// SettleHold flips a held row of type expect to a non-hold row of type to.
	// It reports false when the row no longer matches (already settled).
	SettleHold(ctx context.Context, id string, expect, to domain.TxType) (bool, error)
	// DeleteHeldTransaction removes a row that is still held; false if it is not.
	DeleteHeldTransaction(ctx context.Context, id string) (bool, error)
	FindOrderTransactions(ctx context.Context, orderID string, typ domain.TxType, heldOnly bool) ([]domain.Transaction, error)
	CountTransactions(ctx context.Context, userID string, typ domain.TxType) (int, error)
	// FindByIdempotencyKey returns the user's row written under key, or ErrNotFound.
	FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Transaction, error)
	ListClearedPrereleases(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error)
	ListTransactions(ctx context.Context, userID string, limit int, afterSeq uint64) ([]domain.Transaction, uint64, error)
}
