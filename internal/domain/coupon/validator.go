package coupon

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Validator prices a coupon code against a basket. Redeem takes a use before
// the order it applies to is stored; Release gives it back if storing fails.
type Validator interface {
	Validate(ctx context.Context, code string, basket Basket) (*Discount, error)
	Redeem(ctx context.Context, code string) error
	Release(ctx context.Context, code string) error
}

// RepoValidator implements Validator on top of a Repository.
type RepoValidator struct {
	repo Repository
	now  func() time.Time
}

// NewRepoValidator creates a RepoValidator backed by the given Repository.
func NewRepoValidator(repo Repository) *RepoValidator {
	return &RepoValidator{repo: repo, now: time.Now}
}

// Validate looks up the coupon rule for the given code, checks temporal
// validity and usage limits and applies it to the basket. It does not consume
// a use; see Redeem.
func (v *RepoValidator) Validate(ctx context.Context, code string, basket Basket) (*Discount, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrInvalidCoupon
	}

	rule, err := v.repo.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrInvalidCoupon) {
			return nil, ErrInvalidCoupon
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	now := v.now()
	if rule.ValidFrom != nil && now.Before(*rule.ValidFrom) {
		return nil, ErrCouponExpired
	}
	if rule.ValidUntil != nil && now.After(*rule.ValidUntil) {
		return nil, ErrCouponExpired
	}
	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return nil, ErrCouponUsageLimitReached
	}

	d, err := Apply(rule, basket)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Redeem consumes one use of the coupon. The limit is checked by the
// repository in the same step, so a use lost to a concurrent redemption
// yields ErrCouponUsageLimitReached.
func (v *RepoValidator) Redeem(ctx context.Context, code string) error {
	if err := v.repo.IncrementUses(ctx, strings.TrimSpace(code)); err != nil {
		return errors.Wrap(err, "increment coupon uses")
	}
	return nil
}

// Release returns a use taken by Redeem.
func (v *RepoValidator) Release(ctx context.Context, code string) error {
	if err := v.repo.DecrementUses(ctx, strings.TrimSpace(code)); err != nil {
		return errors.Wrap(err, "decrement coupon uses")
	}
	return nil
}
