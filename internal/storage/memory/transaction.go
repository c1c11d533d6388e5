package memory

import (
	"context"
	"slices"
	"time"

	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
)

var _ payment.Repository = (*TransactionRepository)(nil)

// TransactionRepository implements payment.Repository.
type TransactionRepository struct {
	db *DB
}

// Create stores a new transaction. Only one open attempt per order is
// allowed.
func (r *TransactionRepository) Create(_ context.Context, t *payment.Transaction) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, dup := r.db.txs[t.Token]; dup {
		return payment.ErrPaymentInProgress
	}
	for _, cur := range r.db.txs {
		if cur.OrderID == t.OrderID && cur.State.Open() {
			return payment.ErrPaymentInProgress
		}
	}
	cp := *t
	r.db.txs[t.Token] = &cp
	r.db.txSeq[t.Token] = len(r.db.txSeq) + 1
	return nil
}

// GetByToken returns a transaction or payment.ErrNotFound.
func (r *TransactionRepository) GetByToken(_ context.Context, token string) (*payment.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	t, ok := r.db.txs[token]
	if !ok {
		return nil, payment.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// LatestByOrder returns the order's most recently created attempt or
// payment.ErrNotFound.
func (r *TransactionRepository) LatestByOrder(_ context.Context, orderID string) (*payment.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	var latest *payment.Transaction
	for token, t := range r.db.txs {
		if t.OrderID != orderID {
			continue
		}
		if latest == nil || r.db.txSeq[token] > r.db.txSeq[latest.Token] {
			latest = t
		}
	}
	if latest == nil {
		return nil, payment.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// ListByUser returns the user's transactions, newest first.
func (r *TransactionRepository) ListByUser(_ context.Context, userID string) ([]payment.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := r.db.filterTxsLocked(func(t *payment.Transaction) bool { return t.UserID == userID })
	slices.SortFunc(out, func(a, b payment.Transaction) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

// ListByState returns up to limit transactions in state updated before the
// given time, oldest first.
func (r *TransactionRepository) ListByState(_ context.Context, state payment.State, before time.Time, limit int) ([]payment.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := r.db.filterTxsLocked(func(t *payment.Transaction) bool {
		return t.State == state && t.UpdatedAt.Before(before)
	})
	return oldestFirst(out, limit), nil
}

// ListUnsettled returns decided transactions whose order is still PENDING,
// leaving out rejections superseded by a newer attempt.
func (r *TransactionRepository) ListUnsettled(_ context.Context, before time.Time, limit int) ([]payment.Transaction, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := r.db.filterTxsLocked(func(t *payment.Transaction) bool {
		if t.State != payment.StateAuthorized && t.State != payment.StateRejected {
			return false
		}
		if !t.UpdatedAt.Before(before) {
			return false
		}
		o, ok := r.db.orders[t.OrderID]
		if !ok || o.State != order.StatePending {
			return false
		}
		return t.State == payment.StateAuthorized || !r.db.supersededLocked(t)
	})
	return oldestFirst(out, limit), nil
}

// Transition stores t if the state still equals from.
func (r *TransactionRepository) Transition(_ context.Context, t *payment.Transaction, from payment.State) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	cur, ok := r.db.txs[t.Token]
	if !ok {
		return payment.ErrNotFound
	}
	if cur.State != from {
		return payment.ErrConcurrentUpdate
	}
	cp := *t
	r.db.txs[t.Token] = &cp
	return nil
}

func (db *DB) supersededLocked(t *payment.Transaction) bool {
	seq := db.txSeq[t.Token]
	for token, other := range db.txs {
		if other.OrderID == t.OrderID && db.txSeq[token] > seq {
			return true
		}
	}
	return false
}

func (db *DB) filterTxsLocked(keep func(*payment.Transaction) bool) []payment.Transaction {
	out := make([]payment.Transaction, 0)
	for _, t := range db.txs {
		if keep(t) {
			out = append(out, *t)
		}
	}
	return out
}

func oldestFirst(list []payment.Transaction, limit int) []payment.Transaction {
	slices.SortFunc(list, func(a, b payment.Transaction) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}
