package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/huertohogar/store/internal/domain/product"
)

var (
	// ErrNotFound is returned by Repository.FindByUser when the user has no cart yet.
	ErrNotFound = errors.New("cart not found")
	// ErrItemNotFound is returned when an item id does not belong to the caller's cart.
	ErrItemNotFound = errors.New("cart item not found")
	// ErrInvalidQuantity is returned for quantities below one. Removal has its
	// own operation.
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
)

// Cart is the per-user persistent shopping cart. A user owns at most one.
type Cart struct {
	ID        string
	UserID    string
	Items     []Item
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Item is one cart line. UnitPrice is the product list price captured when the
// line was first added and stays stale until RefreshPrices.
type Item struct {
	ID        string
	CartID    string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	AddedAt   time.Time
}

// Subtotal returns UnitPrice * Quantity.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// FindItem returns the line with the given id.
func (c *Cart) FindItem(itemID string) (*Item, bool) {
	for i := range c.Items {
		if c.Items[i].ID == itemID {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// FindProduct returns the line holding productID.
func (c *Cart) FindProduct(productID string) (*Item, bool) {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return &c.Items[i], true
		}
	}
	return nil, false
}

// View is the read projection returned to callers.
type View struct {
	// ID is empty when the user has no cart row yet.
	ID            string
	Items         []ItemView
	TotalQuantity int
	Subtotal      decimal.Decimal
	Discounts     decimal.Decimal
	Total         decimal.Decimal
}

// ItemView joins a cart line with the live product it references.
type ItemView struct {
	Item
	Product  product.Product
	Subtotal decimal.Decimal
}

// LineRequest is one entry of a Sync payload.
type LineRequest struct {
	ProductID string
	Quantity  int
}

// Repository persists carts and their items. Items are stored keyed by cart
// id and removed with the cart by the store itself.
type Repository interface {
	// FindByUser returns the user's cart with its items, or ErrNotFound.
	FindByUser(ctx context.Context, userID string) (*Cart, error)
	// GetOrCreate returns the user's cart, creating an empty one on first use.
	GetOrCreate(ctx context.Context, userID string) (*Cart, error)
	AddItem(ctx context.Context, item *Item) error
	UpdateItem(ctx context.Context, item *Item) error
	// DeleteItem returns ErrItemNotFound when no row was removed.
	DeleteItem(ctx context.Context, cartID, itemID string) error
	ClearItems(ctx context.Context, cartID string) error
	// Delete removes the cart and, by cascade, its items.
	Delete(ctx context.Context, cartID string) error
}
