package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huertohogar/store/internal/domain/order"
)

const (
	orderColumns = `id, number, user_id, subtotal, shipping_cost, discounts, total,
		shipping_street, shipping_commune, shipping_region, shipping_notes, coupon_code,
		state, paid_at, shipped_at, delivered_at, created_at, updated_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	createOrderItemSQL = `INSERT INTO order_items (id, order_id, product_id, product_name, quantity,
		unit_price, discount, subtotal)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	existsOrderNumberSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE number = $1)`

	recentOrderNumbersSQL = `SELECT number FROM orders ORDER BY created_at DESC LIMIT $1`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderByNumberSQL = `SELECT ` + orderColumns + ` FROM orders WHERE number = $1`

	listOrdersByUserSQL = `SELECT ` + orderColumns + `
		FROM orders WHERE user_id = $1 ORDER BY created_at DESC`

	listOrdersByStateSQL = `SELECT ` + orderColumns + `
		FROM orders WHERE state = $1 ORDER BY created_at DESC`

	listOrderItemsSQL = `SELECT id, order_id, product_id, product_name, quantity, unit_price, discount, subtotal
		FROM order_items WHERE order_id = ANY($1) ORDER BY product_name, id`

	transitionOrderSQL = `UPDATE orders SET state = $3, paid_at = $4, shipped_at = $5, delivered_at = $6,
		updated_at = $7
		WHERE id = $1 AND state = $2`

	existsOrderSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	recordStockConflictSQL = `INSERT INTO stock_conflicts (id, order_id, product_id, quantity, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	listStockConflictsSQL = `SELECT id, order_id, product_id, quantity, reason, created_at
		FROM stock_conflicts ORDER BY created_at, id`
)

var (
	_ order.Repository         = (*OrderRepository)(nil)
	_ order.ConflictRepository = (*ConflictRepository)(nil)
)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create inserts the order with its lines and empties the cart in one
// transaction.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order, cartID string) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createOrderSQL,
			o.ID, o.Number, o.UserID, o.Subtotal, o.ShippingCost, o.Discounts, o.Total,
			o.Shipping.Street, o.Shipping.Commune, o.Shipping.Region, o.Shipping.Notes, o.CouponCode,
			string(o.State), o.PaidAt, o.ShippedAt, o.DeliveredAt, o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			if pgCode(err) == uniqueViolation {
				return order.ErrConflict
			}
			return fmt.Errorf("creating order %q: %w", o.Number, err)
		}

		batch := &pgx.Batch{}
		for _, it := range o.Items {
			batch.Queue(createOrderItemSQL,
				it.ID, o.ID, it.ProductID, it.ProductName, it.Quantity, it.UnitPrice, it.Discount, it.Subtotal,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("creating items of order %q: %w", o.Number, err)
		}

		return clearCart(ctx, tx, cartID)
	})
}

// ExistsNumber reports whether number is taken.
func (r *OrderRepository) ExistsNumber(ctx context.Context, number string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, existsOrderNumberSQL, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking order number %q: %w", number, err)
	}
	return exists, nil
}

// RecentNumbers returns up to limit of the newest order numbers.
func (r *OrderRepository) RecentNumbers(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.pool.Query(ctx, recentOrderNumbersSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent order numbers: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetByID returns an order with its lines.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByIDSQL, id)
}

// GetByNumber returns an order with its lines.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByNumberSQL, number)
}

func (r *OrderRepository) getOne(ctx context.Context, query, arg string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", arg, err)
	}

	orders := []order.Order{o}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	return r.list(ctx, listOrdersByUserSQL, userID)
}

// ListByState returns every order in state, newest first.
func (r *OrderRepository) ListByState(ctx context.Context, state order.State) ([]order.Order, error) {
	return r.list(ctx, listOrdersByStateSQL, string(state))
}

func (r *OrderRepository) list(ctx context.Context, query, arg string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	if err := r.attachItems(ctx, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func (r *OrderRepository) attachItems(ctx context.Context, orders []order.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		index[o.ID] = i
	}

	rows, err := r.pool.Query(ctx, listOrderItemsSQL, ids)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanOrderItem)
	if err != nil {
		return fmt.Errorf("listing order items: %w", err)
	}
	for _, it := range items {
		i := index[it.OrderID]
		orders[i].Items = append(orders[i].Items, it)
	}
	return nil
}

// Transition persists the state and lifecycle timestamps if the stored state
// still equals from.
func (r *OrderRepository) Transition(ctx context.Context, o *order.Order, from order.State) error {
	tag, err := r.pool.Exec(ctx, transitionOrderSQL,
		o.ID, string(from), string(o.State), o.PaidAt, o.ShippedAt, o.DeliveredAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, existsOrderSQL, o.ID).Scan(&exists); err != nil {
		return fmt.Errorf("checking order %q: %w", o.ID, err)
	}
	if !exists {
		return order.ErrNotFound
	}
	return order.ErrConcurrentUpdate
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o     order.Order
		state string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.Subtotal, &o.ShippingCost, &o.Discounts, &o.Total,
		&o.Shipping.Street, &o.Shipping.Commune, &o.Shipping.Region, &o.Shipping.Notes, &o.CouponCode,
		&state, &o.PaidAt, &o.ShippedAt, &o.DeliveredAt, &o.CreatedAt, &o.UpdatedAt,
	)
	o.State = order.State(state)
	return o, err
}

func scanOrderItem(row pgx.CollectableRow) (order.Item, error) {
	var it order.Item
	err := row.Scan(
		&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Quantity,
		&it.UnitPrice, &it.Discount, &it.Subtotal,
	)
	return it, err
}

// ConflictRepository implements order.ConflictRepository backed by PostgreSQL.
type ConflictRepository struct {
	pool *pgxpool.Pool
}

// NewConflictRepository returns a ConflictRepository that uses the given pool.
func NewConflictRepository(pool *pgxpool.Pool) *ConflictRepository {
	return &ConflictRepository{pool: pool}
}

// Record appends a conflict to the reconciliation queue.
func (r *ConflictRepository) Record(ctx context.Context, c *order.StockConflict) error {
	_, err := r.pool.Exec(ctx, recordStockConflictSQL,
		c.ID, c.OrderID, c.ProductID, c.Quantity, c.Reason, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("recording stock conflict for order %q: %w", c.OrderID, err)
	}
	return nil
}

// List returns the queue, oldest first.
func (r *ConflictRepository) List(ctx context.Context) ([]order.StockConflict, error) {
	rows, err := r.pool.Query(ctx, listStockConflictsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing stock conflicts: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.StockConflict, error) {
		var c order.StockConflict
		err := row.Scan(&c.ID, &c.OrderID, &c.ProductID, &c.Quantity, &c.Reason, &c.CreatedAt)
		return c, err
	})
}
