package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huertohogar/store/internal/domain/cart"
)

const (
	findCartByUserSQL = `SELECT id, user_id, created_at, updated_at FROM carts WHERE user_id = $1`

	getOrCreateCartSQL = `INSERT INTO carts (id, user_id) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING id, user_id, created_at, updated_at`

	listCartItemsSQL = `SELECT id, cart_id, product_id, quantity, unit_price, added_at
		FROM cart_items WHERE cart_id = $1 ORDER BY added_at, id`

	addCartItemSQL = `INSERT INTO cart_items (id, cart_id, product_id, quantity, unit_price, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING id, cart_id, product_id, quantity, unit_price, added_at`

	updateCartItemSQL = `UPDATE cart_items SET quantity = $3, unit_price = $4
		WHERE id = $1 AND cart_id = $2`

	deleteCartItemSQL = `DELETE FROM cart_items WHERE id = $1 AND cart_id = $2`

	clearCartItemsSQL = `DELETE FROM cart_items WHERE cart_id = $1`

	touchCartSQL = `UPDATE carts SET updated_at = NOW() WHERE id = $1`

	deleteCartSQL = `DELETE FROM carts WHERE id = $1`
)

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository backed by PostgreSQL.
type CartRepository struct {
	pool *pgxpool.Pool
}

// NewCartRepository returns a CartRepository that uses the given pool.
func NewCartRepository(pool *pgxpool.Pool) *CartRepository {
	return &CartRepository{pool: pool}
}

// FindByUser returns the user's cart with its lines or cart.ErrNotFound.
func (r *CartRepository) FindByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	var c cart.Cart
	err := r.pool.QueryRow(ctx, findCartByUserSQL, userID).Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("finding cart of %q: %w", userID, err)
	}
	if c.Items, err = r.items(ctx, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOrCreate returns the user's cart, creating it on first use. The unique
// user_id constraint resolves concurrent first uses to one row.
func (r *CartRepository) GetOrCreate(ctx context.Context, userID string) (*cart.Cart, error) {
	var c cart.Cart
	err := r.pool.QueryRow(ctx, getOrCreateCartSQL, uuid.NewString(), userID).
		Scan(&c.ID, &c.UserID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating cart of %q: %w", userID, err)
	}
	if c.Items, err = r.items(ctx, c.ID); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *CartRepository) items(ctx context.Context, cartID string) ([]cart.Item, error) {
	rows, err := r.pool.Query(ctx, listCartItemsSQL, cartID)
	if err != nil {
		return nil, fmt.Errorf("listing items of cart %q: %w", cartID, err)
	}
	items, err := pgx.CollectRows(rows, scanCartItem)
	if err != nil {
		return nil, fmt.Errorf("listing items of cart %q: %w", cartID, err)
	}
	return items, nil
}

// AddItem inserts a line, merging quantities when the product is already in
// the cart. item is updated with the stored line.
func (r *CartRepository) AddItem(ctx context.Context, item *cart.Item) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, addCartItemSQL,
			item.ID, item.CartID, item.ProductID, item.Quantity, item.UnitPrice, item.AddedAt,
		)
		if err != nil {
			return fmt.Errorf("adding item to cart %q: %w", item.CartID, err)
		}
		stored, err := pgx.CollectExactlyOneRow(rows, scanCartItem)
		if err != nil {
			if pgCode(err) == foreignKeyViolation {
				return cart.ErrNotFound
			}
			return fmt.Errorf("adding item to cart %q: %w", item.CartID, err)
		}
		*item = stored
		return touchCart(ctx, tx, item.CartID)
	})
}

// UpdateItem stores quantity and unit price of an existing line.
func (r *CartRepository) UpdateItem(ctx context.Context, item *cart.Item) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateCartItemSQL, item.ID, item.CartID, item.Quantity, item.UnitPrice)
		if err != nil {
			return fmt.Errorf("updating cart item %q: %w", item.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return cart.ErrItemNotFound
		}
		return touchCart(ctx, tx, item.CartID)
	})
}

// DeleteItem removes one line.
func (r *CartRepository) DeleteItem(ctx context.Context, cartID, itemID string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, deleteCartItemSQL, itemID, cartID)
		if err != nil {
			return fmt.Errorf("deleting cart item %q: %w", itemID, err)
		}
		if tag.RowsAffected() == 0 {
			return cart.ErrItemNotFound
		}
		return touchCart(ctx, tx, cartID)
	})
}

// ClearItems removes every line of the cart.
func (r *CartRepository) ClearItems(ctx context.Context, cartID string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := clearCart(ctx, tx, cartID); err != nil {
			return err
		}
		return touchCart(ctx, tx, cartID)
	})
}

// Delete removes the cart; its lines cascade.
func (r *CartRepository) Delete(ctx context.Context, cartID string) error {
	if _, err := r.pool.Exec(ctx, deleteCartSQL, cartID); err != nil {
		return fmt.Errorf("deleting cart %q: %w", cartID, err)
	}
	return nil
}

func clearCart(ctx context.Context, tx pgx.Tx, cartID string) error {
	if _, err := tx.Exec(ctx, clearCartItemsSQL, cartID); err != nil {
		return fmt.Errorf("clearing cart %q: %w", cartID, err)
	}
	return nil
}

func touchCart(ctx context.Context, tx pgx.Tx, cartID string) error {
	if _, err := tx.Exec(ctx, touchCartSQL, cartID); err != nil {
		return fmt.Errorf("touching cart %q: %w", cartID, err)
	}
	return nil
}

func scanCartItem(row pgx.CollectableRow) (cart.Item, error) {
	var it cart.Item
	err := row.Scan(&it.ID, &it.CartID, &it.ProductID, &it.Quantity, &it.UnitPrice, &it.AddedAt)
	return it, err
}
