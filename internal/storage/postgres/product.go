package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/huertohogar/store/internal/domain/product"
)

const (
	productColumns = `id, name, description, price, discount, category, stock, unit, image, origin,
		featured, active, created_at, updated_at`

	listProductsSQL = `SELECT ` + productColumns + `
		FROM products WHERE active ORDER BY name`

	listProductsByCategorySQL = `SELECT ` + productColumns + `
		FROM products WHERE active AND LOWER(category) = LOWER($1) ORDER BY name`

	listDiscountedProductsSQL = `SELECT ` + productColumns + `
		FROM products WHERE active AND discount > 0 ORDER BY name`

	getProductByIDSQL = `SELECT ` + productColumns + `
		FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + `
		FROM products WHERE id = ANY($1)`

	decrementStockSQL = `UPDATE products SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND stock >= $2`

	getStockSQL = `SELECT name, stock FROM products WHERE id = $1`

	upsertProductSQL = `INSERT INTO products (id, name, description, price, discount, category, stock,
		unit, image, origin, featured, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			price = EXCLUDED.price,
			discount = EXCLUDED.discount,
			category = EXCLUDED.category,
			stock = EXCLUDED.stock,
			unit = EXCLUDED.unit,
			image = EXCLUDED.image,
			origin = EXCLUDED.origin,
			featured = EXCLUDED.featured,
			active = EXCLUDED.active,
			updated_at = NOW()`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// List returns all active products ordered by name.
func (r *ProductRepository) List(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ListByCategory returns active products in category, matched case-insensitively.
func (r *ProductRepository) ListByCategory(ctx context.Context, category string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listProductsByCategorySQL, category)
	if err != nil {
		return nil, fmt.Errorf("listing products in %q: %w", category, err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// ListDiscounted returns active products with a positive discount.
func (r *ProductRepository) ListDiscounted(ctx context.Context) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, listDiscountedProductsSQL)
	if err != nil {
		return nil, fmt.Errorf("listing discounted products: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// DecrementStock subtracts quantity in one conditional update so concurrent
// decrements never take stock below zero.
func (r *ProductRepository) DecrementStock(ctx context.Context, id string, quantity int) error {
	tag, err := r.pool.Exec(ctx, decrementStockSQL, id, quantity)
	if err != nil {
		return fmt.Errorf("decrementing stock of %q: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var (
		name  string
		stock int
	)
	if err := r.pool.QueryRow(ctx, getStockSQL, id).Scan(&name, &stock); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return product.ErrNotFound
		}
		return fmt.Errorf("reading stock of %q: %w", id, err)
	}
	return &product.InsufficientStockError{
		ProductID: id,
		Name:      name,
		Requested: quantity,
		Available: stock,
	}
}

// Upsert inserts or replaces a catalog entry.
func (r *ProductRepository) Upsert(ctx context.Context, p *product.Product) error {
	_, err := r.pool.Exec(ctx, upsertProductSQL,
		p.ID, p.Name, p.Description, p.Price, p.Discount, p.Category, p.Stock,
		p.Unit, p.Image, p.Origin, p.Featured, p.Active,
	)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var p product.Product
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &p.Price, &p.Discount, &p.Category, &p.Stock,
		&p.Unit, &p.Image, &p.Origin, &p.Featured, &p.Active, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}
