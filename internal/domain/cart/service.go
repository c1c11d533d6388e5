package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/huertohogar/store/internal/domain/product"
)

// Service implements cart mutations and the read projection.
type Service struct {
	carts    Repository
	products product.Repository
	now      func() time.Time
}

// NewService creates a cart Service.
func NewService(carts Repository, products product.Repository) *Service {
	return &Service{
		carts:    carts,
		products: products,
		now:      time.Now,
	}
}

// AddItem puts quantity units of a product in the user's cart. Adding a
// product already in the cart merges into the existing line, and stock is
// checked against the combined quantity. The cart is created on first use.
func (s *Service) AddItem(ctx context.Context, userID, productID string, quantity int) (*View, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}

	p, err := s.products.GetByID(ctx, productID)
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}

	c, err := s.carts.FindByUser(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		c = nil
	case err != nil:
		return nil, errors.Wrap(err, "find cart")
	}

	var existing *Item
	if c != nil {
		existing, _ = c.FindProduct(productID)
	}

	combined := quantity
	if existing != nil {
		combined += existing.Quantity
	}
	if err := p.CheckAvailable(combined); err != nil {
		return nil, err
	}

	if existing != nil {
		existing.Quantity = combined
		if err := s.carts.UpdateItem(ctx, existing); err != nil {
			return nil, errors.Wrap(err, "update item")
		}
		return s.Get(ctx, userID)
	}

	if c == nil {
		if c, err = s.carts.GetOrCreate(ctx, userID); err != nil {
			return nil, errors.Wrap(err, "create cart")
		}
	}
	item := &Item{
		ID:        uuid.NewString(),
		CartID:    c.ID,
		ProductID: p.ID,
		Quantity:  quantity,
		UnitPrice: p.Price,
		AddedAt:   s.now(),
	}
	if err := s.carts.AddItem(ctx, item); err != nil {
		return nil, errors.Wrap(err, "add item")
	}

	return s.Get(ctx, userID)
}

// UpdateQuantity sets the quantity of one line. Zero or negative quantities
// are rejected; use RemoveItem to drop a line.
func (s *Service) UpdateQuantity(ctx context.Context, userID, itemID string, quantity int) (*View, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	_, item, err := s.findItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}

	p, err := s.products.GetByID(ctx, item.ProductID)
	if err != nil {
		return nil, errors.Wrap(err, "get product")
	}
	if err := p.CheckAvailable(quantity); err != nil {
		return nil, err
	}

	item.Quantity = quantity
	if err := s.carts.UpdateItem(ctx, item); err != nil {
		return nil, errors.Wrap(err, "update item")
	}
	return s.Get(ctx, userID)
}

// RemoveItem deletes one line from the user's cart.
func (s *Service) RemoveItem(ctx context.Context, userID, itemID string) (*View, error) {
	c, _, err := s.findItem(ctx, userID, itemID)
	if err != nil {
		return nil, err
	}
	if err := s.carts.DeleteItem(ctx, c.ID, itemID); err != nil {
		return nil, errors.Wrap(err, "delete item")
	}
	return s.Get(ctx, userID)
}

// Clear empties the user's cart. Clearing a missing or empty cart is a no-op.
func (s *Service) Clear(ctx context.Context, userID string) error {
	c, err := s.carts.FindByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "find cart")
	}
	if err := s.carts.ClearItems(ctx, c.ID); err != nil {
		return errors.Wrap(err, "clear items")
	}
	return nil
}

// Sync replaces the cart content with lines. Lines that cannot be added
// (unknown product, not enough stock) are logged and skipped.
func (s *Service) Sync(ctx context.Context, userID string, lines []LineRequest) (*View, error) {
	if err := s.Clear(ctx, userID); err != nil {
		return nil, err
	}

	lg := zctx.From(ctx)
	for _, line := range lines {
		if _, err := s.AddItem(ctx, userID, line.ProductID, line.Quantity); err != nil {
			lg.Warn("Skipping cart line during sync",
				zap.String("user_id", userID),
				zap.String("product_id", line.ProductID),
				zap.Int("quantity", line.Quantity),
				zap.Error(err),
			)
		}
	}

	return s.Get(ctx, userID)
}

// RefreshPrices re-snapshots every line's unit price from the live catalog.
func (s *Service) RefreshPrices(ctx context.Context, userID string) (*View, error) {
	c, err := s.carts.FindByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return emptyView(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find cart")
	}

	byID, err := s.productsFor(ctx, c.Items)
	if err != nil {
		return nil, err
	}
	for i := range c.Items {
		item := &c.Items[i]
		p, ok := byID[item.ProductID]
		if !ok || p.Price.Equal(item.UnitPrice) {
			continue
		}
		item.UnitPrice = p.Price
		if err := s.carts.UpdateItem(ctx, item); err != nil {
			return nil, errors.Wrap(err, "update item price")
		}
	}

	return s.project(c, byID), nil
}

// Get returns the cart projection. A user without a cart gets an empty view.
func (s *Service) Get(ctx context.Context, userID string) (*View, error) {
	c, err := s.carts.FindByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return emptyView(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find cart")
	}

	byID, err := s.productsFor(ctx, c.Items)
	if err != nil {
		return nil, err
	}
	return s.project(c, byID), nil
}

func (s *Service) findItem(ctx context.Context, userID, itemID string) (*Cart, *Item, error) {
	c, err := s.carts.FindByUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, ErrItemNotFound
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "find cart")
	}
	item, ok := c.FindItem(itemID)
	if !ok {
		return nil, nil, ErrItemNotFound
	}
	return c, item, nil
}

func (s *Service) productsFor(ctx context.Context, items []Item) (map[string]product.Product, error) {
	if len(items) == 0 {
		return map[string]product.Product{}, nil
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ProductID
	}
	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}
	return byID, nil
}

func (s *Service) project(c *Cart, byID map[string]product.Product) *View {
	v := emptyView()
	v.ID = c.ID
	v.Items = make([]ItemView, 0, len(c.Items))

	for _, item := range c.Items {
		p, ok := byID[item.ProductID]
		if !ok {
			p = product.Product{ID: item.ProductID}
		}
		sub := item.Subtotal()
		v.Items = append(v.Items, ItemView{Item: item, Product: p, Subtotal: sub})
		v.TotalQuantity += item.Quantity
		v.Subtotal = v.Subtotal.Add(sub)

		if p.HasDiscount() {
			off := p.Price.Sub(p.EffectivePrice()).Mul(decimal.NewFromInt(int64(item.Quantity)))
			v.Discounts = v.Discounts.Add(off)
		}
	}

	v.Subtotal = v.Subtotal.Round(2)
	v.Discounts = v.Discounts.Round(2)
	// Shipping is added at checkout, never here.
	v.Total = v.Subtotal
	return v
}

func emptyView() *View {
	return &View{
		Items:     []ItemView{},
		Subtotal:  decimal.Zero,
		Discounts: decimal.Zero,
		Total:     decimal.Zero,
	}
}
