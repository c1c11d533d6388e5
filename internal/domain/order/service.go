package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/domain/product"
)

const maxCreateAttempts = 3

// Pricing holds the shipping policy applied at checkout.
type Pricing struct {
	ShippingCost decimal.Decimal
	// FreeShippingOver waives shipping when the subtotal reaches it. Zero
	// disables the threshold.
	FreeShippingOver decimal.Decimal
}

// ShippingFor returns the shipping cost for an order subtotal.
func (p Pricing) ShippingFor(subtotal decimal.Decimal) decimal.Decimal {
	if p.FreeShippingOver.IsPositive() && subtotal.GreaterThanOrEqual(p.FreeShippingOver) {
		return decimal.Zero
	}
	return p.ShippingCost
}

// CheckoutRequest holds the caller-supplied part of a checkout.
type CheckoutRequest struct {
	Shipping   Address
	CouponCode string
}

// Service implements checkout and the order lifecycle.
type Service struct {
	orders    Repository
	conflicts ConflictRepository
	carts     cart.Repository
	products  product.Repository
	coupons   coupon.Validator
	numbers   *NumberGenerator
	pricing   Pricing
	now       func() time.Time

	stockConflicts metric.Int64Counter
}

// NewService creates an order Service. coupons may be nil to disable coupon
// codes.
func NewService(
	orders Repository,
	conflicts ConflictRepository,
	carts cart.Repository,
	products product.Repository,
	coupons coupon.Validator,
	numbers *NumberGenerator,
	pricing Pricing,
) *Service {
	stockConflicts, _ := otel.Meter("github.com/huertohogar/store/internal/domain/order").
		Int64Counter("order.stock_conflicts",
			metric.WithDescription("Paid order lines whose stock could not be decremented"),
		)
	return &Service{
		orders:         orders,
		conflicts:      conflicts,
		carts:          carts,
		products:       products,
		coupons:        coupons,
		numbers:        numbers,
		pricing:        pricing,
		now:            time.Now,
		stockConflicts: stockConflicts,
	}
}

// Checkout freezes the user's cart into a PENDING order and empties the cart.
// Stock is verified for every line but not reserved. The order and the
// emptied cart are persisted together, so a failure leaves the cart intact.
func (s *Service) Checkout(ctx context.Context, userID string, req CheckoutRequest) (*Order, error) {
	c, err := s.carts.FindByUser(ctx, userID)
	if errors.Is(err, cart.ErrNotFound) {
		return nil, ErrEmptyCart
	}
	if err != nil {
		return nil, errors.Wrap(err, "find cart")
	}
	if len(c.Items) == 0 {
		return nil, ErrEmptyCart
	}

	ids := make([]string, len(c.Items))
	for i, item := range c.Items {
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

	// Verify every line before building anything.
	for _, item := range c.Items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, errors.Wrapf(product.ErrNotFound, "product %s", item.ProductID)
		}
		if err := p.CheckAvailable(item.Quantity); err != nil {
			return nil, err
		}
	}

	now := s.now()
	o := &Order{
		ID:         uuid.NewString(),
		UserID:     userID,
		Items:      make([]Item, 0, len(c.Items)),
		Shipping:   req.Shipping,
		CouponCode: req.CouponCode,
		State:      StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	subtotal := decimal.Zero
	basket := coupon.Basket{Items: make([]coupon.Item, 0, len(c.Items))}
	for _, item := range c.Items {
		p := byID[item.ProductID]
		line := Item{
			ID:          uuid.NewString(),
			OrderID:     o.ID,
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Discount:    p.Discount,
			Subtotal:    LineSubtotal(item.UnitPrice, item.Quantity, p.Discount),
		}
		o.Items = append(o.Items, line)
		subtotal = subtotal.Add(line.Subtotal)
		basket.Items = append(basket.Items, coupon.Item{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Subtotal:  line.Subtotal,
		})
	}

	o.Subtotal = subtotal
	o.ShippingCost = s.pricing.ShippingFor(subtotal).Round(2)
	basket.Shipping = o.ShippingCost

	o.Discounts = decimal.Zero
	if req.CouponCode != "" {
		if s.coupons == nil {
			return nil, coupon.ErrInvalidCoupon
		}
		d, err := s.coupons.Validate(ctx, req.CouponCode, basket)
		if err != nil {
			return nil, errors.Wrap(err, "validate coupon")
		}
		o.Discounts = d.Amount.Round(2)
	}

	o.Total = o.Subtotal.Add(o.ShippingCost).Sub(o.Discounts)
	if o.Total.IsNegative() {
		// Only possible with a misconfigured coupon; keep the invariant by
		// trimming the discount.
		o.Discounts = o.Subtotal.Add(o.ShippingCost)
		o.Total = decimal.Zero
	}

	// The use is taken before the order exists so concurrent checkouts
	// cannot overrun the coupon's limit.
	if req.CouponCode != "" {
		if err := s.coupons.Redeem(ctx, req.CouponCode); err != nil {
			return nil, errors.Wrap(err, "redeem coupon")
		}
	}

	if err := s.create(ctx, o, c.ID); err != nil {
		if req.CouponCode != "" {
			if rerr := s.coupons.Release(ctx, req.CouponCode); rerr != nil {
				zctx.From(ctx).Warn("Coupon release failed",
					zap.String("coupon", req.CouponCode),
					zap.Error(rerr),
				)
			}
		}
		return nil, err
	}

	return o, nil
}

func (s *Service) create(ctx context.Context, o *Order, cartID string) error {
	for range maxCreateAttempts {
		number, err := s.numbers.Next(ctx)
		if err != nil {
			return errors.Wrap(err, "allocate order number")
		}
		o.Number = number

		err = s.orders.Create(ctx, o, cartID)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "create order")
		}
		return nil
	}
	return ErrConflict
}

// UpdateState moves an order along its lifecycle. Moving to PAID decrements
// stock for every line; lines that cannot be decremented are logged, queued
// for reconciliation, and the order ends in STOCK_CONFLICT. The payment is
// never undone from here.
func (s *Service) UpdateState(ctx context.Context, orderID string, next State) (*Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return s.transition(ctx, o, next)
}

func (s *Service) transition(ctx context.Context, o *Order, next State) (*Order, error) {
	from := o.State
	if !from.CanTransitionTo(next) {
		return nil, &TransitionError{From: from, To: next}
	}

	now := s.now()
	o.State = next
	o.UpdatedAt = now
	switch next {
	case StatePaid:
		o.PaidAt = &now
	case StateShipped:
		o.ShippedAt = &now
	case StateDelivered:
		o.DeliveredAt = &now
	}

	if err := s.orders.Transition(ctx, o, from); err != nil {
		return nil, errors.Wrapf(err, "transition %s to %s", from, next)
	}

	if next == StatePaid {
		s.settleStock(ctx, o)
	}
	return o, nil
}

func (s *Service) settleStock(ctx context.Context, o *Order) {
	lg := zctx.From(ctx).With(zap.String("order", o.Number))

	conflicted := false
	for _, line := range o.Items {
		err := s.products.DecrementStock(ctx, line.ProductID, line.Quantity)
		if err == nil {
			continue
		}
		conflicted = true
		lg.Error("Stock decrement failed for paid order",
			zap.String("product_id", line.ProductID),
			zap.Int("quantity", line.Quantity),
			zap.Error(err),
		)
		s.stockConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("product_id", line.ProductID)))

		c := &StockConflict{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Reason:    err.Error(),
			CreatedAt: s.now(),
		}
		if err := s.conflicts.Record(ctx, c); err != nil {
			lg.Error("Record stock conflict", zap.Error(err))
		}
	}
	if !conflicted {
		return
	}

	o.State = StateStockConflict
	o.UpdatedAt = s.now()
	if err := s.orders.Transition(ctx, o, StatePaid); err != nil {
		lg.Error("Move order to stock conflict", zap.Error(err))
		o.State = StatePaid
	}
}

// RecordPaymentConflict queues every line of an order whose payment went
// through after the order left PENDING. Stock was never decremented for it.
func (s *Service) RecordPaymentConflict(ctx context.Context, orderID, reason string) error {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return errors.Wrap(err, "get order")
	}
	zctx.From(ctx).Error("Payment received for unpayable order",
		zap.String("order", o.Number),
		zap.String("state", string(o.State)),
		zap.String("reason", reason),
	)
	for _, line := range o.Items {
		s.stockConflicts.Add(ctx, 1, metric.WithAttributes(attribute.String("product_id", line.ProductID)))
		if err := s.conflicts.Record(ctx, &StockConflict{
			ID:        uuid.NewString(),
			OrderID:   o.ID,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Reason:    reason,
			CreatedAt: s.now(),
		}); err != nil {
			return errors.Wrapf(err, "record conflict for %s", line.ProductID)
		}
	}
	return nil
}

// GetByID returns an order without an ownership check.
func (s *Service) GetByID(ctx context.Context, id string) (*Order, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// GetByNumber returns an order without an ownership check.
func (s *Service) GetByNumber(ctx context.Context, number string) (*Order, error) {
	o, err := s.orders.GetByNumber(ctx, number)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	return o, nil
}

// Get returns the user's order by number.
func (s *Service) Get(ctx context.Context, userID, number string) (*Order, error) {
	o, err := s.orders.GetByNumber(ctx, number)
	if err != nil {
		return nil, errors.Wrap(err, "get order")
	}
	if o.UserID != userID {
		return nil, ErrForbidden
	}
	return o, nil
}

// ListByUser returns the user's orders, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// ListByState returns every order in state.
func (s *Service) ListByState(ctx context.Context, state State) ([]Order, error) {
	orders, err := s.orders.ListByState(ctx, state)
	if err != nil {
		return nil, errors.Wrap(err, "list orders")
	}
	return orders, nil
}

// StockConflicts returns the reconciliation queue.
func (s *Service) StockConflicts(ctx context.Context) ([]StockConflict, error) {
	list, err := s.conflicts.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list stock conflicts")
	}
	return list, nil
}
