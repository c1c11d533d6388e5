package product

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a requested product does not exist.
	ErrNotFound = errors.New("product not found")
	// ErrInactive is returned when a product has been deactivated and can no
	// longer be added to carts or ordered.
	ErrInactive = errors.New("product not available")
	// ErrInsufficientStock matches every *InsufficientStockError via errors.Is.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalid is returned for products violating catalog invariants.
	ErrInvalid = errors.New("invalid product")
)

var hundred = decimal.NewFromInt(100)

// InsufficientStockError names the product whose stock cannot cover the
// requested quantity.
type InsufficientStockError struct {
	ProductID string
	Name      string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	name := e.Name
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", name, e.Requested, e.Available)
}

// Is reports ErrInsufficientStock as the sentinel for this error type.
func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// Product represents a catalog item available for purchase.
//
// Products are never physically removed: deactivation (Active=false) keeps
// historical order lines pointing at a valid row.
type Product struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	// Discount is a percentage in the range [0, 100].
	Discount  decimal.Decimal
	Category  string
	Stock     int
	Unit      string
	Image     string
	Origin    string
	Featured  bool
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDiscount reports whether the product currently carries a discount.
func (p Product) HasDiscount() bool {
	return p.Discount.IsPositive()
}

// EffectivePrice returns price - price*discount/100. The result is exact;
// callers round when they aggregate into money totals.
func (p Product) EffectivePrice() decimal.Decimal {
	if !p.HasDiscount() {
		return p.Price
	}
	return p.Price.Sub(p.Price.Mul(p.Discount).Div(hundred))
}

// Validate checks catalog invariants before a product is stored.
func (p Product) Validate() error {
	switch {
	case p.ID == "" || p.Name == "":
		return errors.Wrap(ErrInvalid, "id and name are required")
	case !p.Price.IsPositive():
		return errors.Wrapf(ErrInvalid, "price %s must be positive", p.Price)
	case p.Discount.IsNegative() || p.Discount.GreaterThan(hundred):
		return errors.Wrapf(ErrInvalid, "discount %s outside [0, 100]", p.Discount)
	case p.Stock < 0:
		return errors.Wrapf(ErrInvalid, "stock %d is negative", p.Stock)
	}
	return nil
}

// CheckAvailable verifies that quantity units can be sold right now. It does
// not reserve anything; the authoritative check happens on decrement.
func (p Product) CheckAvailable(quantity int) error {
	if !p.Active {
		return ErrInactive
	}
	if quantity > p.Stock {
		return &InsufficientStockError{
			ProductID: p.ID,
			Name:      p.Name,
			Requested: quantity,
			Available: p.Stock,
		}
	}
	return nil
}

// Repository defines catalog reads and the atomic stock decrement.
type Repository interface {
	// List returns active products ordered by name.
	List(ctx context.Context) ([]Product, error)
	ListByCategory(ctx context.Context, category string) ([]Product, error)
	ListDiscounted(ctx context.Context) ([]Product, error)
	// GetByID returns a product regardless of its active flag.
	GetByID(ctx context.Context, id string) (*Product, error)
	GetByIDs(ctx context.Context, ids []string) ([]Product, error)
	// DecrementStock subtracts quantity only if enough stock remains, as a
	// single conditional update. It returns *InsufficientStockError when the
	// floor check fails and ErrNotFound for unknown products.
	DecrementStock(ctx context.Context, id string, quantity int) error
}
