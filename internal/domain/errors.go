package domain

import "errors"

// Recoverable validation errors. An operation returning one of these has not
// mutated anything.
var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidAmount           = errors.New("invalid amount (must be >= 0)")
	ErrInvalidInput            = errors.New("invalid input")
	ErrForbidden               = errors.New("forbidden")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrSelfTransfer            = errors.New("sender and recipient must differ")
	ErrInvalidOrderState       = errors.New("invalid order state transition")
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	ErrRevisionLimitExceeded   = errors.New("revision limit exceeded")
	ErrOfferExpired            = errors.New("offer expired")
	ErrOfferAlreadyClosed      = errors.New("offer already closed")
	ErrOfferNotApplicable      = errors.New("offer does not apply to this order")
	ErrOfferReserved           = errors.New("offer is reserved by a pending order")
	ErrOfferOverlap            = errors.New("product already has an active offer in that window")
	ErrDiscountUnavailable     = errors.New("discount unavailable")
	ErrProductUnavailable      = errors.New("product unavailable")
	ErrDisputeExists           = errors.New("order already has an open dispute")
	ErrDisputeClosed           = errors.New("dispute already closed")
	ErrFeedbackExists          = errors.New("feedback already left for this order")
	ErrIdempotencyConflict     = errors.New("idempotency key already used for a different request")
)
