package ledger

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"marketcore.org/internal/clock"
	"marketcore.org/internal/domain"
	"marketcore.org/internal/ids"
	"marketcore.org/internal/obs"
)

// Service owns every balance change. It is constructed once and shared.
type Service struct {
	store Store
	clock clock.Clock
	cfg   Config
	log   logrus.FieldLogger
}

// NewService builds a ledger over store.
func NewService(store Store, clk clock.Clock, opts ...Option) *Service {
	s := &Service{
		store: store,
		clock: clk,
		cfg:   DefaultConfig(),
		log:   defaultLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the active money configuration.
func (s *Service) Config() Config { return s.cfg }

// Fee is the buyer fee charged on top of amount.
func (s *Service) Fee(amount int64) int64 {
	return roundShare(s.cfg.FeeRate, amount)
}

// TransferFee is the fee the sender pays on top of a transfer.
func (s *Service) TransferFee(amount int64) int64 {
	return roundShare(s.cfg.TransferFeeRate, amount)
}

// Record appends one transaction and applies its balance effect atomically.
func (s *Service) Record(ctx context.Context, e Entry) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		var err error
		out, err = s.record(ctx, e)
		return err
	})
	obs.ObserveLedgerOp("record", err)
	return out, err
}

func (s *Service) record(ctx context.Context, e Entry) (domain.Transaction, error) {
	if e.Amount < 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	if !e.Type.Valid() || e.UserID == "" {
		return domain.Transaction{}, domain.ErrInvalidInput
	}

	// Balance is re-read under lock; a value read earlier in the request is never trusted.
	user, err := s.store.GetUserForUpdate(ctx, e.UserID)
	if err != nil {
		return domain.Transaction{}, err
	}

	var creditDelta, bonusDelta int64
	switch {
	case e.Type.IsDebit():
		if user.Credit < e.Amount+s.cfg.MinimumBalance {
			return domain.Transaction{}, domain.ErrInsufficientFunds
		}
		creditDelta = -e.Amount
	case e.Hold:
		// credited when the hold is released or promoted
	case e.Type == domain.TxDeposit && e.Subtype == domain.SubtypeBonus:
		bonusDelta = e.Amount
	default:
		creditDelta = e.Amount
	}

	tx := domain.Transaction{
		ID:        ids.Prefixed("txn"),
		UserID:    e.UserID,
		Type:      e.Type,
		Subtype:   e.Subtype,
		Amount:    e.Amount,
		IsHold:    e.Hold,
		CreatedOn: s.clock.Now(),
		ReleaseOn: e.ReleaseOn,
		OrderID:   e.OrderID,
		Metadata:  e.Metadata,

		IdempotencyKey: e.IdempotencyKey,
	}
	if err := s.store.InsertTransaction(ctx, &tx); err != nil {
		return domain.Transaction{}, err
	}
	if creditDelta != 0 || bonusDelta != 0 {
		if err := s.store.AdjustBalance(ctx, e.UserID, creditDelta, bonusDelta); err != nil {
			return domain.Transaction{}, err
		}
	}
	return tx, nil
}

// OrderHold escrows amount from the buyer and charges the buyer fee. A first
// purchase by a referred buyer also books a held commission for the referrer.
func (s *Service) OrderHold(ctx context.Context, amount int64, buyerID, orderID string) (HoldResult, error) {
	var res HoldResult
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		buyer, err := s.store.GetUser(ctx, buyerID)
		if err != nil {
			return err
		}
		if err := s.LockUsers(ctx, buyerID, buyer.ReferrerID); err != nil {
			return err
		}
		hold, err := s.record(ctx, Entry{
			UserID:  buyerID,
			Type:    domain.TxOrderHold,
			Amount:  amount,
			Hold:    true,
			OrderID: orderID,
		})
		if err != nil {
			return err
		}
		res.Hold = hold

		fee := s.Fee(amount)
		if fee > 0 {
			feeTx, err := s.record(ctx, Entry{
				UserID:  buyerID,
				Type:    domain.TxFee,
				Amount:  fee,
				OrderID: orderID,
			})
			if err != nil {
				return err
			}
			res.Fee = &feeTx
		}

		res.Commission, err = s.holdCommission(ctx, buyerID, orderID, fee)
		return err
	})
	obs.ObserveLedgerOp("order_hold", err)
	if err != nil {
		return HoldResult{}, err
	}
	return res, nil
}

func (s *Service) holdCommission(ctx context.Context, buyerID, orderID string, fee int64) (*domain.Transaction, error) {
	if fee <= 0 {
		return nil, nil
	}
	buyer, err := s.store.GetUser(ctx, buyerID)
	if err != nil {
		return nil, err
	}
	if buyer.ReferrerID == "" || buyer.ReferrerID == buyerID {
		return nil, nil
	}
	referrer, err := s.store.GetUserForUpdate(ctx, buyer.ReferrerID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !referrer.IsActive || !referrer.AffiliateEligible {
		return nil, nil
	}
	n, err := s.store.CountTransactions(ctx, referrer.ID, domain.TxAffiliateCommission)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}
	amount := roundShare(s.cfg.AffiliateShare, fee)
	if amount <= 0 {
		return nil, nil
	}
	tx, err := s.record(ctx, Entry{
		UserID:   referrer.ID,
		Type:     domain.TxAffiliateCommission,
		Amount:   amount,
		Hold:     true,
		OrderID:  orderID,
		Metadata: map[string]string{"referred_user": buyerID},
	})
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// settleEscrow finalizes the order's held ORDER_HOLD rows and checks that
// they cover exactly amount.
func (s *Service) settleEscrow(ctx context.Context, orderID string, amount int64) error {
	holds, err := s.store.FindOrderTransactions(ctx, orderID, domain.TxOrderHold, true)
	if err != nil {
		return err
	}
	var held int64
	for _, h := range holds {
		held += h.Amount
	}
	if held != amount {
		return domain.ErrInvalidTransactionState
	}
	for _, h := range holds {
		ok, err := s.store.SettleHold(ctx, h.ID, domain.TxOrderHold, domain.TxOrderHold)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrInvalidTransactionState
		}
	}
	return nil
}

// OrderPrerelease moves the escrow of a completed order into a held seller
// credit that clears after clearance, and makes the order's affiliate
// commission spendable.
func (s *Service) OrderPrerelease(ctx context.Context, amount int64, sellerID, orderID string, clearance time.Duration) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		commissions, err := s.store.FindOrderTransactions(ctx, orderID, domain.TxAffiliateCommission, true)
		if err != nil {
			return err
		}
		users := []string{sellerID}
		for _, c := range commissions {
			users = append(users, c.UserID)
		}
		if err := s.LockUsers(ctx, users...); err != nil {
			return err
		}
		if err := s.settleEscrow(ctx, orderID, amount); err != nil {
			return err
		}
		releaseOn := s.clock.Now().Add(clearance)
		out, err = s.record(ctx, Entry{
			UserID:    sellerID,
			Type:      domain.TxOrderPrerelease,
			Amount:    amount,
			Hold:      true,
			ReleaseOn: &releaseOn,
			OrderID:   orderID,
		})
		if err != nil {
			return err
		}
		return s.promoteCommission(ctx, orderID)
	})
	obs.ObserveLedgerOp("order_prerelease", err)
	return out, err
}

func (s *Service) promoteCommission(ctx context.Context, orderID string) error {
	held, err := s.store.FindOrderTransactions(ctx, orderID, domain.TxAffiliateCommission, true)
	if err != nil {
		return err
	}
	for _, c := range held {
		if _, err := s.store.GetUserForUpdate(ctx, c.UserID); err != nil {
			return err
		}
		ok, err := s.store.SettleHold(ctx, c.ID, domain.TxAffiliateCommission, domain.TxAffiliateCommission)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := s.store.AdjustBalance(ctx, c.UserID, c.Amount, 0); err != nil {
			return err
		}
	}
	return nil
}

// OrderMoneyback returns the escrow of a cancelled or rejected order to the
// buyer and drops any commission that was never promoted.
func (s *Service) OrderMoneyback(ctx context.Context, amount int64, buyerID, orderID string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.settleEscrow(ctx, orderID, amount); err != nil {
			return err
		}
		var err error
		out, err = s.record(ctx, Entry{
			UserID:  buyerID,
			Type:    domain.TxOrderMoneyback,
			Amount:  amount,
			OrderID: orderID,
		})
		if err != nil {
			return err
		}
		held, err := s.store.FindOrderTransactions(ctx, orderID, domain.TxAffiliateCommission, true)
		if err != nil {
			return err
		}
		for _, c := range held {
			if _, err := s.store.DeleteHeldTransaction(ctx, c.ID); err != nil {
				return err
			}
		}
		return nil
	})
	obs.ObserveLedgerOp("order_moneyback", err)
	return out, err
}

// Release turns a cleared ORDER_PRERELEASE into ORDER_RELEASE and credits the seller.
func (s *Service) Release(ctx context.Context, txID string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		tx, err := s.store.GetTransactionForUpdate(ctx, txID)
		if err != nil {
			return err
		}
		if tx.Type != domain.TxOrderPrerelease || !tx.IsHold {
			return domain.ErrInvalidTransactionState
		}
		if tx.ReleaseOn != nil && tx.ReleaseOn.After(s.clock.Now()) {
			return domain.ErrInvalidTransactionState
		}
		released, err := s.releaseOne(ctx, tx)
		if err != nil {
			return err
		}
		if !released {
			return domain.ErrInvalidTransactionState
		}
		out = tx
		out.Type = domain.TxOrderRelease
		out.IsHold = false
		return nil
	})
	obs.ObserveLedgerOp("release", err)
	return out, err
}

func (s *Service) releaseOne(ctx context.Context, tx domain.Transaction) (bool, error) {
	if _, err := s.store.GetUserForUpdate(ctx, tx.UserID); err != nil {
		return false, err
	}
	ok, err := s.store.SettleHold(ctx, tx.ID, domain.TxOrderPrerelease, domain.TxOrderRelease)
	if err != nil || !ok {
		return false, err
	}
	if err := s.store.AdjustBalance(ctx, tx.UserID, tx.Amount, 0); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseCleared is the settlement sweep: every held prerelease whose
// clearance window has elapsed is released exactly once. Rows taken by a
// concurrent sweep are skipped.
func (s *Service) ReleaseCleared(ctx context.Context) ([]domain.Transaction, error) {
	now := s.clock.Now()
	due, err := s.store.ListClearedPrereleases(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return nil, err
	}

	var (
		released []domain.Transaction
		firstErr error
	)
	for _, tx := range due {
		var ok bool
		err := s.store.WithTx(ctx, func(ctx context.Context) error {
			var err error
			ok, err = s.releaseOne(ctx, tx)
			return err
		})
		if err != nil {
			s.log.WithError(err).WithField("transaction_id", tx.ID).Error("release cleared transaction")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		tx.Type = domain.TxOrderRelease
		tx.IsHold = false
		released = append(released, tx)
	}
	obs.AddReleased(len(released))
	if len(due) > 0 {
		s.log.WithFields(logrus.Fields{"due": len(due), "released": len(released)}).Info("settlement sweep")
	}
	return released, firstErr
}

// replayed returns the row userID already wrote under key. A key reused for a
// different kind of request or amount is ErrIdempotencyConflict.
func (s *Service) replayed(ctx context.Context, userID, key string, typ domain.TxType, amount int64) (domain.Transaction, bool, error) {
	if key == "" {
		return domain.Transaction{}, false, nil
	}
	tx, err := s.store.FindByIdempotencyKey(ctx, userID, key)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Transaction{}, false, nil
	}
	if err != nil {
		return domain.Transaction{}, false, err
	}
	if tx.Type != typ || tx.Amount != amount {
		return domain.Transaction{}, false, domain.ErrIdempotencyConflict
	}
	return tx, true, nil
}

// recordOnce is Record guarded by e.IdempotencyKey. The user row is locked
// first so two retries of one request serialize.
func (s *Service) recordOnce(ctx context.Context, op string, e Entry) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.store.GetUserForUpdate(ctx, e.UserID); err != nil {
			return err
		}
		prev, ok, err := s.replayed(ctx, e.UserID, e.IdempotencyKey, e.Type, e.Amount)
		if err != nil || ok {
			out = prev
			return err
		}
		out, err = s.record(ctx, e)
		return err
	})
	obs.ObserveLedgerOp(op, err)
	return out, err
}

// Withdraw debits amount immediately as a held withdrawal awaiting payout.
// A repeated idemKey returns the first withdrawal.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64, method WithdrawalMethod, idemKey string) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	if !method.Valid() {
		return domain.Transaction{}, domain.ErrInvalidInput
	}
	fee := WithdrawalFee(method, amount)
	if fee >= amount {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	return s.recordOnce(ctx, "withdraw", Entry{
		UserID:  userID,
		Type:    domain.TxWithdrawal,
		Subtype: string(method),
		Amount:  amount,
		Hold:    true,
		Metadata: map[string]string{
			"fee":    strconv.FormatInt(fee, 10),
			"payout": strconv.FormatInt(amount-fee, 10),
		},
		IdempotencyKey: idemKey,
	})
}

// Confirm finalizes a paid-out withdrawal.
func (s *Service) Confirm(ctx context.Context, txID string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		tx, err := s.heldWithdrawal(ctx, txID)
		if err != nil {
			return err
		}
		out = tx
		out.IsHold = false
		return nil
	})
	obs.ObserveLedgerOp("withdraw_confirm", err)
	return out, err
}

// Reject finalizes a failed withdrawal and credits the amount back.
func (s *Service) Reject(ctx context.Context, txID, note string) (domain.Transaction, error) {
	var out domain.Transaction
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		tx, err := s.heldWithdrawal(ctx, txID)
		if err != nil {
			return err
		}
		meta := map[string]string{"withdrawal_id": tx.ID}
		if note != "" {
			meta["note"] = note
		}
		out, err = s.record(ctx, Entry{
			UserID:   tx.UserID,
			Type:     domain.TxDeposit,
			Subtype:  domain.SubtypeWithdrawalReversal,
			Amount:   tx.Amount,
			Metadata: meta,
		})
		return err
	})
	obs.ObserveLedgerOp("withdraw_reject", err)
	return out, err
}

func (s *Service) heldWithdrawal(ctx context.Context, txID string) (domain.Transaction, error) {
	tx, err := s.store.GetTransactionForUpdate(ctx, txID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if tx.Type != domain.TxWithdrawal || !tx.IsHold {
		return domain.Transaction{}, domain.ErrInvalidTransactionState
	}
	ok, err := s.store.SettleHold(ctx, tx.ID, domain.TxWithdrawal, domain.TxWithdrawal)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		return domain.Transaction{}, domain.ErrInvalidTransactionState
	}
	return tx, nil
}

// Transfer moves amount between two users; the sender also pays the transfer
// fee. A repeated idemKey returns the rows of the first transfer.
func (s *Service) Transfer(ctx context.Context, senderID, recipientID string, amount int64, note, idemKey string) (TransferResult, error) {
	if amount <= 0 {
		return TransferResult{}, domain.ErrInvalidAmount
	}
	if senderID == recipientID {
		return TransferResult{}, domain.ErrSelfTransfer
	}
	fee := s.TransferFee(amount)

	var res TransferResult
	err := s.store.WithTx(ctx, func(ctx context.Context) error {
		if err := s.LockUsers(ctx, senderID, recipientID); err != nil {
			return err
		}
		out, ok, err := s.replayed(ctx, senderID, idemKey, domain.TxTransferOut, amount)
		if err != nil {
			return err
		}
		if ok {
			if out.Metadata["counterparty"] != recipientID {
				return domain.ErrIdempotencyConflict
			}
			res, err = s.replayTransfer(ctx, out, recipientID, idemKey)
			return err
		}

		meta := map[string]string{"counterparty": recipientID}
		if note != "" {
			meta["note"] = note
		}
		res.Out, err = s.record(ctx, Entry{UserID: senderID, Type: domain.TxTransferOut, Amount: amount, Metadata: meta, IdempotencyKey: idemKey})
		if err != nil {
			return err
		}
		if fee > 0 {
			feeTx, err := s.record(ctx, Entry{UserID: senderID, Type: domain.TxFee, Subtype: domain.SubtypeTransferFee, Amount: fee, IdempotencyKey: feeKey(idemKey)})
			if err != nil {
				return err
			}
			res.Fee = &feeTx
		}
		inMeta := map[string]string{"counterparty": senderID, "transfer_out": res.Out.ID}
		if note != "" {
			inMeta["note"] = note
		}
		res.In, err = s.record(ctx, Entry{UserID: recipientID, Type: domain.TxTransferIn, Amount: amount, Metadata: inMeta, IdempotencyKey: idemKey})
		return err
	})
	obs.ObserveLedgerOp("transfer", err)
	if err != nil {
		return TransferResult{}, err
	}
	return res, nil
}

func (s *Service) replayTransfer(ctx context.Context, out domain.Transaction, recipientID, idemKey string) (TransferResult, error) {
	res := TransferResult{Out: out}
	in, err := s.store.FindByIdempotencyKey(ctx, recipientID, idemKey)
	if err != nil {
		return TransferResult{}, err
	}
	res.In = in
	fee, err := s.store.FindByIdempotencyKey(ctx, out.UserID, feeKey(idemKey))
	switch {
	case err == nil:
		res.Fee = &fee
	case !errors.Is(err, domain.ErrNotFound):
		return TransferResult{}, err
	}
	return res, nil
}

// feeKey derives the key of the fee row booked alongside a keyed transfer.
func feeKey(idemKey string) string {
	if idemKey == "" {
		return ""
	}
	return idemKey + "#fee"
}

// Deposit credits money arriving from outside the marketplace. A repeated
// idemKey returns the first deposit.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, subtype, note, idemKey string) (domain.Transaction, error) {
	if amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	var meta map[string]string
	if note != "" {
		meta = map[string]string{"note": note}
	}
	return s.recordOnce(ctx, "deposit", Entry{UserID: userID, Type: domain.TxDeposit, Subtype: subtype, Amount: amount, Metadata: meta, IdempotencyKey: idemKey})
}

// Charge books a pure debit (fee, seller fee, premium, feature) against userID.
func (s *Service) Charge(ctx context.Context, userID string, typ domain.TxType, amount int64, orderID, subtype string) (domain.Transaction, error) {
	if !typ.IsCharge() {
		return domain.Transaction{}, domain.ErrInvalidInput
	}
	if amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	return s.Record(ctx, Entry{UserID: userID, Type: typ, Subtype: subtype, Amount: amount, OrderID: orderID})
}

// Balance returns the current spendable balance.
func (s *Service) Balance(ctx context.Context, userID string) (domain.Balance, error) {
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return domain.Balance{}, err
	}
	return u.Balance(), nil
}

// Transactions pages through a user's log in sequence order.
func (s *Service) Transactions(ctx context.Context, userID string, limit int, afterSeq uint64) ([]domain.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.ListTransactions(ctx, userID, limit, afterSeq)
}

// LockUsers takes the row locks of the given users in id order. A unit of
// work that touches several users locks them here first, after any order,
// product or offer rows. Empty and unknown ids are skipped.
func (s *Service) LockUsers(ctx context.Context, ids ...string) error {
	return s.store.WithTx(ctx, func(ctx context.Context) error {
		for _, id := range lockOrder(ids) {
			_, err := s.store.GetUserForUpdate(ctx, id)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func lockOrder(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
