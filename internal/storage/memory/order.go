package memory

import (
	"context"
	"slices"

	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/order"
)

var (
	_ order.Repository         = (*OrderRepository)(nil)
	_ order.ConflictRepository = (*ConflictRepository)(nil)
)

// OrderRepository implements order.Repository.
type OrderRepository struct {
	db *DB
}

func cloneOrder(o *order.Order) *order.Order {
	cp := *o
	cp.Items = append([]order.Item(nil), o.Items...)
	return &cp
}

// Create stores the order and empties the cart under one lock.
func (r *OrderRepository) Create(_ context.Context, o *order.Order, cartID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if _, dup := r.db.orderByNum[o.Number]; dup {
		return order.ErrConflict
	}
	if _, ok := r.db.carts[cartID]; !ok {
		return cart.ErrNotFound
	}
	r.db.orders[o.ID] = cloneOrder(o)
	r.db.orderByNum[o.Number] = o.ID
	r.db.clearCartLocked(cartID)
	return nil
}

// ExistsNumber reports whether number is taken.
func (r *OrderRepository) ExistsNumber(_ context.Context, number string) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	_, ok := r.db.orderByNum[number]
	return ok, nil
}

// RecentNumbers returns up to limit order numbers, newest first.
func (r *OrderRepository) RecentNumbers(_ context.Context, limit int) ([]string, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	list := r.db.sortedOrdersLocked(func(*order.Order) bool { return true })
	out := make([]string, 0, min(limit, len(list)))
	for _, o := range list {
		if len(out) == limit {
			break
		}
		out = append(out, o.Number)
	}
	return out, nil
}

// GetByID returns an order or order.ErrNotFound.
func (r *OrderRepository) GetByID(_ context.Context, id string) (*order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	o, ok := r.db.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(o), nil
}

// GetByNumber returns an order or order.ErrNotFound.
func (r *OrderRepository) GetByNumber(_ context.Context, number string) (*order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	id, ok := r.db.orderByNum[number]
	if !ok {
		return nil, order.ErrNotFound
	}
	return cloneOrder(r.db.orders[id]), nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(_ context.Context, userID string) ([]order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.sortedOrdersLocked(func(o *order.Order) bool { return o.UserID == userID }), nil
}

// ListByState returns orders in state, newest first.
func (r *OrderRepository) ListByState(_ context.Context, state order.State) ([]order.Order, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return r.db.sortedOrdersLocked(func(o *order.Order) bool { return o.State == state }), nil
}

// Transition stores the mutable fields if the state still equals from.
func (r *OrderRepository) Transition(_ context.Context, o *order.Order, from order.State) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	cur, ok := r.db.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	if cur.State != from {
		return order.ErrConcurrentUpdate
	}
	cur.State = o.State
	cur.PaidAt = o.PaidAt
	cur.ShippedAt = o.ShippedAt
	cur.DeliveredAt = o.DeliveredAt
	cur.UpdatedAt = o.UpdatedAt
	return nil
}

func (db *DB) sortedOrdersLocked(keep func(*order.Order) bool) []order.Order {
	out := make([]order.Order, 0)
	for _, o := range db.orders {
		if keep(o) {
			out = append(out, *cloneOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out
}

// ConflictRepository implements order.ConflictRepository.
type ConflictRepository struct {
	db *DB
}

// Record appends a conflict to the queue.
func (r *ConflictRepository) Record(_ context.Context, c *order.StockConflict) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.conflicts = append(r.db.conflicts, *c)
	return nil
}

// List returns the queue in insertion order.
func (r *ConflictRepository) List(_ context.Context) ([]order.StockConflict, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	return slices.Clone(r.db.conflicts), nil
}
