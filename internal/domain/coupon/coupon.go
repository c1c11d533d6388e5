package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage off the order subtotal.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount off, capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
	// DiscountFreeShipping waives the order's shipping cost.
	DiscountFreeShipping DiscountType = "free_shipping"
)

var (
	// ErrInvalidCoupon is returned when a coupon code is not found or
	// the order does not satisfy the coupon's minimum requirements.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrCouponExpired is returned when a coupon is outside its valid time window.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrCouponUsageLimitReached is returned when a coupon has exhausted its allowed uses.
	ErrCouponUsageLimitReached = errors.New("coupon usage limit reached")
)

// Rule defines a coupon's discount behaviour and eligibility constraints.
type Rule struct {
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	MinItems     int
	// MinSubtotal is the smallest order subtotal the coupon applies to.
	MinSubtotal decimal.Decimal
	Description string
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     int
	Uses        int
	// MaxDiscount caps the computed amount. Zero means no cap.
	MaxDiscount decimal.Decimal
}

// Discount holds the computed discount amount and a human-readable description.
type Discount struct {
	Amount      decimal.Decimal
	Description string
}

// Item is an order line as seen by discount calculation. Subtotal already
// includes the line's own product discount.
type Item struct {
	ProductID string
	Quantity  int
	Subtotal  decimal.Decimal
}

// Basket is what a coupon is evaluated against.
type Basket struct {
	Items    []Item
	Shipping decimal.Decimal
}

// Repository provides lookup and mutation of coupon rules.
type Repository interface {
	// FindByCode matches codes case-insensitively and returns ErrInvalidCoupon
	// for unknown or inactive coupons.
	FindByCode(ctx context.Context, code string) (*Rule, error)
	// IncrementUses consumes one use. It returns ErrCouponUsageLimitReached if
	// the limit was reached concurrently.
	IncrementUses(ctx context.Context, code string) error
	// DecrementUses gives back one use. It never goes below zero.
	DecrementUses(ctx context.Context, code string) error
}
