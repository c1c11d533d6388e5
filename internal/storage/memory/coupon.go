package memory

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/huertohogar/store/internal/domain/auth"
	"github.com/huertohogar/store/internal/domain/coupon"
)

var (
	_ coupon.Repository = (*CouponRepository)(nil)
	_ auth.Repository   = (*APIKeyRepository)(nil)
)

// CouponRepository implements coupon.Repository.
type CouponRepository struct {
	db *DB
}

// Upsert inserts or replaces a coupon rule.
func (r *CouponRepository) Upsert(_ context.Context, rule *coupon.Rule) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.coupons[strings.ToUpper(rule.Code)] = *rule
	return nil
}

// FindByCode matches codes case-insensitively.
func (r *CouponRepository) FindByCode(_ context.Context, code string) (*coupon.Rule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	rule, ok := r.db.coupons[strings.ToUpper(code)]
	if !ok {
		return nil, coupon.ErrInvalidCoupon
	}
	return &rule, nil
}

// IncrementUses consumes one use unless the limit is reached.
func (r *CouponRepository) IncrementUses(_ context.Context, code string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := strings.ToUpper(code)
	rule, ok := r.db.coupons[key]
	if !ok {
		return coupon.ErrInvalidCoupon
	}
	if rule.MaxUses > 0 && rule.Uses >= rule.MaxUses {
		return coupon.ErrCouponUsageLimitReached
	}
	rule.Uses++
	r.db.coupons[key] = rule
	return nil
}

// DecrementUses gives back one use.
func (r *CouponRepository) DecrementUses(_ context.Context, code string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key := strings.ToUpper(code)
	rule, ok := r.db.coupons[key]
	if !ok {
		return coupon.ErrInvalidCoupon
	}
	if rule.Uses > 0 {
		rule.Uses--
		r.db.coupons[key] = rule
	}
	return nil
}

// ErrAPIKeyNotFound is returned for unknown key hashes.
var ErrAPIKeyNotFound = errors.New("api key not found")

// APIKeyRepository implements auth.Repository.
type APIKeyRepository struct {
	db *DB
}

// Add registers a key.
func (r *APIKeyRepository) Add(_ context.Context, key auth.APIKeyInfo) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.apiKeys[key.KeyHash] = key
	return nil
}

// FindByHash looks a key up by its HMAC hash.
func (r *APIKeyRepository) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	key, ok := r.db.apiKeys[hash]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	return &key, nil
}
