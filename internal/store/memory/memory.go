// Package memory is an in-process Store with the same transactional
// behaviour as the Postgres store: one unit of work at a time, all-or-nothing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/market"
)

var _ market.Store = (*Store)(nil)

type txKey struct{}

type state struct {
	users       map[string]domain.User
	txs         map[string]domain.Transaction
	txOrder     []string
	seq         uint64
	products    map[string]domain.Product
	promotions  map[string][]domain.ProductOffer
	discounts   map[string]domain.Discount
	enquiries   map[string]domain.EnquiryOffer
	orders      map[string]domain.Order
	history     map[string][]domain.HistoryEntry
	orderOffers map[string]domain.OrderOffer
	disputes    map[string]domain.Dispute
	feedback    map[string]domain.Feedback
}

func newState() state {
	return state{
		users:       make(map[string]domain.User),
		txs:         make(map[string]domain.Transaction),
		products:    make(map[string]domain.Product),
		promotions:  make(map[string][]domain.ProductOffer),
		discounts:   make(map[string]domain.Discount),
		enquiries:   make(map[string]domain.EnquiryOffer),
		orders:      make(map[string]domain.Order),
		history:     make(map[string][]domain.HistoryEntry),
		orderOffers: make(map[string]domain.OrderOffer),
		disputes:    make(map[string]domain.Dispute),
		feedback:    make(map[string]domain.Feedback),
	}
}

// clone copies every table. Values are replaced, never mutated in place, so
// a shallow copy per table is enough to restore on rollback.
func (st state) clone() state {
	out := state{
		users:       cloneMap(st.users),
		txs:         cloneMap(st.txs),
		txOrder:     append([]string(nil), st.txOrder...),
		seq:         st.seq,
		products:    cloneMap(st.products),
		promotions:  cloneMap(st.promotions),
		discounts:   cloneMap(st.discounts),
		enquiries:   cloneMap(st.enquiries),
		orders:      cloneMap(st.orders),
		history:     cloneMap(st.history),
		orderOffers: cloneMap(st.orderOffers),
		disputes:    cloneMap(st.disputes),
		feedback:    cloneMap(st.feedback),
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Store implements market.Store (and so ledger.Store) in memory.
type Store struct {
	mu sync.Mutex
	st state
}

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// WithTx serializes fn against every other unit of work and restores the
// previous state if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// guard locks for calls made outside WithTx.
func (s *Store) guard(ctx context.Context) func() {
	if ctx.Value(txKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// PutUser creates or replaces a user row.
func (s *Store) PutUser(u domain.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.users[u.ID] = u
}

// PutProduct creates or replaces a product row.
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.products[p.ID] = p
}

// Users returns a copy of every user row.
func (s *Store) Users() []domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.User, 0, len(s.st.users))
	for _, u := range s.st.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllTransactions returns the whole log in sequence order.
func (s *Store) AllTransactions() []domain.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Transaction, 0, len(s.st.txOrder))
	for _, id := range s.st.txOrder {
		if tx, ok := s.st.txs[id]; ok {
			out = append(out, tx)
		}
	}
	return out
}

// --- ledger.Store ---

func (s *Store) GetUser(ctx context.Context, id string) (domain.User, error) {
	defer s.guard(ctx)()
	u, ok := s.st.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

func (s *Store) GetUserForUpdate(ctx context.Context, id string) (domain.User, error) {
	return s.GetUser(ctx, id)
}

func (s *Store) AdjustBalance(ctx context.Context, userID string, creditDelta, bonusDelta int64) error {
	defer s.guard(ctx)()
	u, ok := s.st.users[userID]
	if !ok {
		return domain.ErrNotFound
	}
	u.Credit += creditDelta
	u.BonusCredit += bonusDelta
	if u.Credit < 0 || u.BonusCredit < 0 {
		return domain.ErrInsufficientFunds
	}
	s.st.users[userID] = u
	return nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	defer s.guard(ctx)()
	if _, ok := s.st.txs[tx.ID]; ok {
		return domain.ErrInvalidInput
	}
	if tx.IdempotencyKey != "" {
		if _, ok := s.findByKey(tx.UserID, tx.IdempotencyKey); ok {
			return domain.ErrInvalidInput
		}
	}
	s.st.seq++
	tx.Seq = s.st.seq
	s.st.txs[tx.ID] = *tx
	s.st.txOrder = append(s.st.txOrder, tx.ID)
	return nil
}

func (s *Store) GetTransactionForUpdate(ctx context.Context, id string) (domain.Transaction, error) {
	defer s.guard(ctx)()
	tx, ok := s.st.txs[id]
	if !ok {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx, nil
}

func (s *Store) SettleHold(ctx context.Context, id string, expect, to domain.TxType) (bool, error) {
	defer s.guard(ctx)()
	tx, ok := s.st.txs[id]
	if !ok || tx.Type != expect || !tx.IsHold {
		return false, nil
	}
	tx.Type = to
	tx.IsHold = false
	s.st.txs[id] = tx
	return true, nil
}

func (s *Store) DeleteHeldTransaction(ctx context.Context, id string) (bool, error) {
	defer s.guard(ctx)()
	tx, ok := s.st.txs[id]
	if !ok || !tx.IsHold {
		return false, nil
	}
	delete(s.st.txs, id)
	for i, v := range s.st.txOrder {
		if v == id {
			s.st.txOrder = append(s.st.txOrder[:i:i], s.st.txOrder[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *Store) FindOrderTransactions(ctx context.Context, orderID string, typ domain.TxType, heldOnly bool) ([]domain.Transaction, error) {
	defer s.guard(ctx)()
	var out []domain.Transaction
	for _, id := range s.st.txOrder {
		tx := s.st.txs[id]
		if tx.OrderID != orderID || tx.Type != typ {
			continue
		}
		if heldOnly && !tx.IsHold {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) CountTransactions(ctx context.Context, userID string, typ domain.TxType) (int, error) {
	defer s.guard(ctx)()
	n := 0
	for _, tx := range s.st.txs {
		if tx.UserID == userID && tx.Type == typ {
			n++
		}
	}
	return n, nil
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, userID, key string) (domain.Transaction, error) {
	defer s.guard(ctx)()
	tx, ok := s.findByKey(userID, key)
	if !ok || key == "" {
		return domain.Transaction{}, domain.ErrNotFound
	}
	return tx, nil
}

func (s *Store) findByKey(userID, key string) (domain.Transaction, bool) {
	for _, tx := range s.st.txs {
		if tx.UserID == userID && tx.IdempotencyKey == key {
			return tx, true
		}
	}
	return domain.Transaction{}, false
}

func (s *Store) ListClearedPrereleases(ctx context.Context, now time.Time, limit int) ([]domain.Transaction, error) {
	defer s.guard(ctx)()
	var out []domain.Transaction
	for _, id := range s.st.txOrder {
		tx := s.st.txs[id]
		if tx.Type != domain.TxOrderPrerelease || !tx.IsHold || tx.ReleaseOn == nil || tx.ReleaseOn.After(now) {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID string, limit int, afterSeq uint64) ([]domain.Transaction, uint64, error) {
	defer s.guard(ctx)()
	var res []domain.Transaction
	last := afterSeq
	for _, id := range s.st.txOrder {
		tx := s.st.txs[id]
		if tx.Seq <= afterSeq || (userID != "" && tx.UserID != userID) {
			continue
		}
		res = append(res, tx)
		last = tx.Seq
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}
