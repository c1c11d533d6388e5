package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/huertohogar/store/internal/domain/cart"
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository.
type CartRepository struct {
	db *DB
}

func cloneCart(c *cart.Cart) *cart.Cart {
	cp := *c
	cp.Items = append([]cart.Item(nil), c.Items...)
	return &cp
}

// FindByUser returns the user's cart or cart.ErrNotFound.
func (r *CartRepository) FindByUser(_ context.Context, userID string) (*cart.Cart, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	id, ok := r.db.cartByUser[userID]
	if !ok {
		return nil, cart.ErrNotFound
	}
	return cloneCart(r.db.carts[id]), nil
}

// GetOrCreate returns the user's cart, creating it on first use.
func (r *CartRepository) GetOrCreate(_ context.Context, userID string) (*cart.Cart, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	if id, ok := r.db.cartByUser[userID]; ok {
		return cloneCart(r.db.carts[id]), nil
	}
	now := time.Now()
	c := &cart.Cart{ID: uuid.NewString(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	r.db.carts[c.ID] = c
	r.db.cartByUser[userID] = c.ID
	return cloneCart(c), nil
}

// AddItem appends a line. A line for the same product is merged.
func (r *CartRepository) AddItem(_ context.Context, item *cart.Item) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.carts[item.CartID]
	if !ok {
		return cart.ErrNotFound
	}
	for i := range c.Items {
		if c.Items[i].ProductID == item.ProductID {
			c.Items[i].Quantity += item.Quantity
			*item = c.Items[i]
			return nil
		}
	}
	c.Items = append(c.Items, *item)
	c.UpdatedAt = time.Now()
	return nil
}

// UpdateItem stores quantity and unit price of an existing line.
func (r *CartRepository) UpdateItem(_ context.Context, item *cart.Item) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.carts[item.CartID]
	if !ok {
		return cart.ErrItemNotFound
	}
	for i := range c.Items {
		if c.Items[i].ID == item.ID {
			c.Items[i].Quantity = item.Quantity
			c.Items[i].UnitPrice = item.UnitPrice
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return cart.ErrItemNotFound
}

// DeleteItem removes one line.
func (r *CartRepository) DeleteItem(_ context.Context, cartID, itemID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.carts[cartID]
	if !ok {
		return cart.ErrItemNotFound
	}
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			c.Items = append(c.Items[:i:i], c.Items[i+1:]...)
			c.UpdatedAt = time.Now()
			return nil
		}
	}
	return cart.ErrItemNotFound
}

// ClearItems removes every line of the cart.
func (r *CartRepository) ClearItems(_ context.Context, cartID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.clearCartLocked(cartID)
	return nil
}

// Delete removes the cart with its items.
func (r *CartRepository) Delete(_ context.Context, cartID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	c, ok := r.db.carts[cartID]
	if !ok {
		return nil
	}
	delete(r.db.cartByUser, c.UserID)
	delete(r.db.carts, cartID)
	return nil
}

func (db *DB) clearCartLocked(cartID string) {
	if c, ok := db.carts[cartID]; ok {
		c.Items = nil
		c.UpdatedAt = time.Now()
	}
}
