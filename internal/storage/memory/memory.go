// Package memory implements every repository on in-process maps guarded by a
// single mutex. It backs local development and the scenario tests.
package memory

import (
	"sync"

	"github.com/huertohogar/store/internal/domain/auth"
	"github.com/huertohogar/store/internal/domain/cart"
	"github.com/huertohogar/store/internal/domain/coupon"
	"github.com/huertohogar/store/internal/domain/order"
	"github.com/huertohogar/store/internal/domain/payment"
	"github.com/huertohogar/store/internal/domain/product"
)

// DB is the shared state behind the repositories. Repositories obtained from
// the same DB see each other's writes, which lets order creation empty the
// cart atomically.
type DB struct {
	mu sync.Mutex

	products   map[string]product.Product
	carts      map[string]*cart.Cart // by cart id
	cartByUser map[string]string
	orders     map[string]*order.Order // by order id
	orderByNum map[string]string
	conflicts  []order.StockConflict
	txs        map[string]*payment.Transaction // by token
	txSeq      map[string]int                  // insertion order by token
	coupons    map[string]coupon.Rule         // by upper-case code
	apiKeys    map[string]auth.APIKeyInfo     // by hash
}

// New returns an empty DB.
func New() *DB {
	return &DB{
		products:   map[string]product.Product{},
		carts:      map[string]*cart.Cart{},
		cartByUser: map[string]string{},
		orders:     map[string]*order.Order{},
		orderByNum: map[string]string{},
		txs:        map[string]*payment.Transaction{},
		txSeq:      map[string]int{},
		coupons:    map[string]coupon.Rule{},
		apiKeys:    map[string]auth.APIKeyInfo{},
	}
}

// Products returns the catalog repository.
func (db *DB) Products() *ProductRepository { return &ProductRepository{db: db} }

// Carts returns the cart repository.
func (db *DB) Carts() *CartRepository { return &CartRepository{db: db} }

// Orders returns the order repository.
func (db *DB) Orders() *OrderRepository { return &OrderRepository{db: db} }

// Conflicts returns the stock conflict queue.
func (db *DB) Conflicts() *ConflictRepository { return &ConflictRepository{db: db} }

// Transactions returns the payment ledger.
func (db *DB) Transactions() *TransactionRepository { return &TransactionRepository{db: db} }

// Coupons returns the coupon repository.
func (db *DB) Coupons() *CouponRepository { return &CouponRepository{db: db} }

// APIKeys returns the API key repository.
func (db *DB) APIKeys() *APIKeyRepository { return &APIKeyRepository{db: db} }
