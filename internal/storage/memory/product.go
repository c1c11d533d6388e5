package memory

import (
	"context"
	"slices"
	"strings"

	"github.com/huertohogar/store/internal/domain/product"
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository.
type ProductRepository struct {
	db *DB
}

// Upsert inserts or replaces a product.
func (r *ProductRepository) Upsert(_ context.Context, p *product.Product) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.products[p.ID] = *p
	return nil
}

func (r *ProductRepository) list(keep func(product.Product) bool) []product.Product {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := make([]product.Product, 0, len(r.db.products))
	for _, p := range r.db.products {
		if p.Active && keep(p) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b product.Product) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// List returns active products ordered by name.
func (r *ProductRepository) List(_ context.Context) ([]product.Product, error) {
	return r.list(func(product.Product) bool { return true }), nil
}

// ListByCategory returns active products in category.
func (r *ProductRepository) ListByCategory(_ context.Context, category string) ([]product.Product, error) {
	return r.list(func(p product.Product) bool { return strings.EqualFold(p.Category, category) }), nil
}

// ListDiscounted returns active products carrying a discount.
func (r *ProductRepository) ListDiscounted(_ context.Context) ([]product.Product, error) {
	return r.list(product.Product.HasDiscount), nil
}

// GetByID returns a product regardless of its active flag.
func (r *ProductRepository) GetByID(_ context.Context, id string) (*product.Product, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.products[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return &p, nil
}

// GetByIDs returns products matching any of ids.
func (r *ProductRepository) GetByIDs(_ context.Context, ids []string) ([]product.Product, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	out := make([]product.Product, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := r.db.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// DecrementStock subtracts quantity if enough stock remains.
func (r *ProductRepository) DecrementStock(_ context.Context, id string, quantity int) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	p, ok := r.db.products[id]
	if !ok {
		return product.ErrNotFound
	}
	if p.Stock < quantity {
		return &product.InsufficientStockError{
			ProductID: p.ID,
			Name:      p.Name,
			Requested: quantity,
			Available: p.Stock,
		}
	}
	p.Stock -= quantity
	r.db.products[id] = p
	return nil
}
